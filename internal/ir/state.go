package ir

import "time"

// ResourceInstance is the last-known actual state of one resource, as recorded
// after a successful provider operation. Instances are owned by the state
// store; the executor mutates them only while holding the workspace lock.
type ResourceInstance struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Key        string `json:"key,omitempty"`
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`

	// Attributes are the desired values as applied; Outputs are the
	// provider-returned concrete values (including computed ones).
	Attributes map[string]any `json:"attributes"`
	Outputs    map[string]any `json:"outputs,omitempty"`

	// Version increases by one on every successful mutation. Commits carry
	// the expected version so stale writers are rejected.
	Version int64 `json:"version"`

	Dependencies []string `json:"dependencies,omitempty"`
	Tainted      bool     `json:"tainted,omitempty"`

	// PreventDestroy is carried over from the node's lifecycle at commit time
	// so the differ can still refuse deletion after the declaration is gone
	// from configuration.
	PreventDestroy bool `json:"preventDestroy,omitempty"`
}

// Addr returns the instance's identity string, matching ResourceNode.Addr.
func (ri *ResourceInstance) Addr() string {
	return FormatAddr(ri.Type, ri.Name, ri.Key)
}

// Clone returns a deep copy so committed snapshots stay isolated from callers.
func (ri *ResourceInstance) Clone() *ResourceInstance {
	dup := *ri
	dup.Attributes = CopyAttrs(ri.Attributes)
	dup.Outputs = CopyAttrs(ri.Outputs)
	dup.Dependencies = append([]string(nil), ri.Dependencies...)
	return &dup
}

// Snapshot is an immutable, serial-numbered record of every resource instance
// in a workspace at a point in time. Snapshots are append-only: a commit
// produces a new snapshot rather than rewriting an old one.
type Snapshot struct {
	Serial    int64               `json:"serial"`
	Lineage   string              `json:"lineage"`
	TakenAt   time.Time           `json:"takenAt"`
	Resources []*ResourceInstance `json:"resources"`
}

// SnapshotMeta describes one historical snapshot for point-in-time listing.
type SnapshotMeta struct {
	Serial    int64     `json:"serial"`
	TakenAt   time.Time `json:"takenAt"`
	Resources int       `json:"resources"`
}

// Instance returns the instance with the given address, or nil.
func (s *Snapshot) Instance(addr string) *ResourceInstance {
	for _, ri := range s.Resources {
		if ri.Addr() == addr {
			return ri
		}
	}
	return nil
}

// Empty reports whether the snapshot tracks no resources.
func (s *Snapshot) Empty() bool {
	return len(s.Resources) == 0
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	dup := &Snapshot{
		Serial:    s.Serial,
		Lineage:   s.Lineage,
		TakenAt:   s.TakenAt,
		Resources: make([]*ResourceInstance, 0, len(s.Resources)),
	}
	for _, ri := range s.Resources {
		dup.Resources = append(dup.Resources, ri.Clone())
	}
	return dup
}

// CopyAttrs deep-copies an attribute map.
func CopyAttrs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyAttrs(val)
	case []any:
		dup := make([]any, len(val))
		for i, item := range val {
			dup[i] = copyValue(item)
		}
		return dup
	default:
		return v
	}
}
