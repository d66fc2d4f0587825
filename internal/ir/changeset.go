package ir

// Action is the planned operation for one resource.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionReplace Action = "replace"
	ActionNoOp    Action = "noop"
)

// Symbol returns the one-glyph rendering used in plan output.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionDelete:
		return "-"
	case ActionReplace:
		return "-/+"
	default:
		return " "
	}
}

// AttributeDiff records the before/after values for one attribute.
type AttributeDiff struct {
	Before            any    `json:"before,omitempty"`
	After             any    `json:"after,omitempty"`
	ForcesReplacement bool   `json:"forcesReplacement,omitempty"`
	Action            Action `json:"action"`
}

// ChangeSetEntry is one planned action. Entries carry dependency edges to
// other entries by address; the executor will not start an entry until every
// entry it depends on has committed.
type ChangeSetEntry struct {
	Addr   string            `json:"addr"`
	Action Action            `json:"action"`
	Node   *ResourceNode     `json:"node,omitempty"`  // nil for delete
	Prior  *ResourceInstance `json:"prior,omitempty"` // nil for create

	Diff      map[string]*AttributeDiff `json:"diff,omitempty"`
	DependsOn []string                  `json:"dependsOn,omitempty"`

	// NodeDependencies is the node's full dependency list, recorded on the
	// committed instance for later delete ordering. Unlike DependsOn it is
	// not pruned to entries present in the change set.
	NodeDependencies []string `json:"nodeDependencies,omitempty"`

	// CreateBeforeDestroy orders the two halves of a replace.
	CreateBeforeDestroy bool `json:"createBeforeDestroy,omitempty"`
}

// ChangeSet is an ordered, dependency-annotated set of planned actions. It is
// a pure value: computing one never touches the state store.
type ChangeSet struct {
	Entries []*ChangeSetEntry `json:"entries"`
	Summary Summary           `json:"summary"`

	// BaseSerial is the snapshot serial the plan was computed against.
	BaseSerial int64 `json:"baseSerial"`
}

// Summary counts planned actions per kind. NoOp entries are counted but not
// materialized as entries.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// HasChanges reports whether applying the set would do anything.
func (cs *ChangeSet) HasChanges() bool {
	return len(cs.Entries) > 0
}

// Entry returns the entry for addr, or nil.
func (cs *ChangeSet) Entry(addr string) *ChangeSetEntry {
	for _, e := range cs.Entries {
		if e.Addr == addr {
			return e
		}
	}
	return nil
}
