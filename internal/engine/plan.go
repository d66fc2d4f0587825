package engine

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/logging"
	"github.com/stratus-iac/stratus/internal/provider"
)

// SchemaResolver supplies static per-type schema metadata at plan time. The
// provider registry implements it.
type SchemaResolver interface {
	ResourceSchema(providerName, typ string) (provider.ResourceSchema, bool)
}

// Planner computes change sets. Plan is a pure function of its inputs: it
// never touches the state store, and identical graph+snapshot inputs always
// produce the same entries in the same order.
type Planner struct {
	schemas SchemaResolver
}

func NewPlanner(schemas SchemaResolver) *Planner {
	return &Planner{schemas: schemas}
}

// Plan diffs the desired graph against the snapshot and returns an ordered
// change set. A prevent_destroy violation fails the whole plan; no change set
// is returned.
func (p *Planner) Plan(graph *Graph, snap *ir.Snapshot) (*ir.ChangeSet, error) {
	logging.Debug("planning", "nodes", graph.Len(), "state_resources", len(snap.Resources), "serial", snap.Serial)

	cs := &ir.ChangeSet{BaseSerial: snap.Serial}
	lookup := snapshotLookup(snap)

	// Desired nodes in creation order.
	for _, addr := range graph.CreationOrder() {
		node := graph.Node(addr)
		inst := snap.Instance(addr)

		entry, err := p.planNode(node, inst, lookup)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			cs.Summary.NoOp++
			continue
		}

		// Sequence after every upstream dependency that also has work.
		entry.NodeDependencies = append([]string(nil), graph.Dependencies(addr)...)
		entry.DependsOn = append(entry.DependsOn, graph.Dependencies(addr)...)
		cs.Entries = append(cs.Entries, entry)
		countAction(&cs.Summary, entry.Action)
	}

	// Instances in state with no declaration left: delete, dependents first.
	orphans := orphanedInstances(graph, snap)
	for _, inst := range orphans {
		if inst.PreventDestroy {
			return nil, &PreventDestroyError{Addr: inst.Addr(), Action: ir.ActionDelete}
		}
	}
	deletes := orderDeletes(orphans)
	for _, entry := range deletes {
		cs.Entries = append(cs.Entries, entry)
		cs.Summary.Delete++
	}

	pruneEntryDeps(cs)
	return cs, nil
}

// PlanDestroy produces a change set that deletes everything in the snapshot,
// dependents before their dependencies.
func (p *Planner) PlanDestroy(snap *ir.Snapshot) (*ir.ChangeSet, error) {
	for _, inst := range snap.Resources {
		if inst.PreventDestroy {
			return nil, &PreventDestroyError{Addr: inst.Addr(), Action: ir.ActionDelete}
		}
	}

	cs := &ir.ChangeSet{BaseSerial: snap.Serial}
	for _, entry := range orderDeletes(snap.Resources) {
		cs.Entries = append(cs.Entries, entry)
		cs.Summary.Delete++
	}
	pruneEntryDeps(cs)
	return cs, nil
}

// planNode decides the action for one declared node. Returns nil for NoOp.
func (p *Planner) planNode(node *ir.ResourceNode, inst *ir.ResourceInstance, lookup refLookup) (*ir.ChangeSetEntry, error) {
	addr := node.Addr()

	if inst == nil {
		return &ir.ChangeSetEntry{
			Addr:                addr,
			Action:              ir.ActionCreate,
			Node:                node,
			Diff:                createDiff(node.Attributes),
			CreateBeforeDestroy: node.CreateBeforeDestroy(),
		}, nil
	}

	if node.Tainted || inst.Tainted {
		if node.PreventsDestroy() {
			return nil, &PreventDestroyError{Addr: addr, Action: ir.ActionReplace}
		}
		return &ir.ChangeSetEntry{
			Addr:                addr,
			Action:              ir.ActionReplace,
			Node:                node,
			Prior:               inst,
			Diff:                updateDiff(inst.Attributes, resolvedDesired(node, lookup), nil),
			CreateBeforeDestroy: node.CreateBeforeDestroy(),
		}, nil
	}

	desired := resolvedDesired(node, lookup)
	changed := changedAttributes(node, inst.Attributes, desired)
	if len(changed) == 0 {
		return nil, nil
	}

	action := ir.ActionUpdate
	forces := map[string]bool{}
	if p.schemas != nil {
		if schema, ok := p.schemas.ResourceSchema(node.Provider, node.Type); ok {
			for _, attr := range changed {
				if schema.IsImmutable(attr) {
					forces[attr] = true
					action = ir.ActionReplace
				}
			}
		}
	}
	if action == ir.ActionReplace && node.PreventsDestroy() {
		return nil, &PreventDestroyError{Addr: addr, Action: ir.ActionReplace}
	}

	return &ir.ChangeSetEntry{
		Addr:                addr,
		Action:              action,
		Node:                node,
		Prior:               inst,
		Diff:                updateDiff(inst.Attributes, desired, forces),
		CreateBeforeDestroy: node.CreateBeforeDestroy(),
	}, nil
}

// orphanedInstances returns instances present in state but absent from the
// graph, in lexicographic address order.
func orphanedInstances(graph *Graph, snap *ir.Snapshot) []*ir.ResourceInstance {
	var orphans []*ir.ResourceInstance
	for _, inst := range snap.Resources {
		if graph.Node(inst.Addr()) == nil {
			orphans = append(orphans, inst)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].Addr() < orphans[j].Addr() })
	return orphans
}

// orderDeletes sequences delete entries so that an instance is removed only
// after everything recorded as depending on it. Ties break by address.
func orderDeletes(instances []*ir.ResourceInstance) []*ir.ChangeSetEntry {
	byAddr := make(map[string]*ir.ResourceInstance, len(instances))
	for _, inst := range instances {
		byAddr[inst.Addr()] = inst
	}

	// dependents[x] = instances being deleted whose Dependencies include x.
	dependents := make(map[string][]string)
	for _, inst := range instances {
		for _, dep := range inst.Dependencies {
			if _, ok := byAddr[dep]; ok {
				dependents[dep] = append(dependents[dep], inst.Addr())
			}
		}
	}
	for addr := range dependents {
		sort.Strings(dependents[addr])
	}

	remaining := make(map[string]int, len(instances)) // un-deleted dependents
	var ready []string
	for addr := range byAddr {
		remaining[addr] = len(dependents[addr])
		if remaining[addr] == 0 {
			ready = append(ready, addr)
		}
	}
	sort.Strings(ready)

	var entries []*ir.ChangeSetEntry
	for len(ready) > 0 {
		addr := ready[0]
		ready = ready[1:]
		inst := byAddr[addr]

		entry := &ir.ChangeSetEntry{
			Addr:      addr,
			Action:    ir.ActionDelete,
			Prior:     inst,
			Diff:      deleteDiff(inst.Attributes),
			DependsOn: dependents[addr],
		}
		entries = append(entries, entry)

		released := false
		for _, dep := range inst.Dependencies {
			if _, ok := remaining[dep]; !ok {
				continue
			}
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(entries) != len(instances) {
		// A dependency loop in recorded state cannot block destruction
		// forever; append the remainder in address order.
		seen := make(map[string]bool, len(entries))
		for _, e := range entries {
			seen[e.Addr] = true
		}
		var rest []string
		for addr := range byAddr {
			if !seen[addr] {
				rest = append(rest, addr)
			}
		}
		sort.Strings(rest)
		for _, addr := range rest {
			inst := byAddr[addr]
			entries = append(entries, &ir.ChangeSetEntry{
				Addr:   addr,
				Action: ir.ActionDelete,
				Prior:  inst,
				Diff:   deleteDiff(inst.Attributes),
			})
		}
	}

	return entries
}

// pruneEntryDeps drops dependency edges that point at addresses without an
// entry (NoOp or untracked): those are already in their terminal state.
func pruneEntryDeps(cs *ir.ChangeSet) {
	present := make(map[string]bool, len(cs.Entries))
	for _, e := range cs.Entries {
		present[e.Addr] = true
	}
	for _, e := range cs.Entries {
		kept := e.DependsOn[:0]
		for _, dep := range e.DependsOn {
			if present[dep] && dep != e.Addr {
				kept = append(kept, dep)
			}
		}
		e.DependsOn = kept
	}
}

type refLookup func(addr, attr string) (any, bool)

// snapshotLookup resolves references against last-known instance values,
// preferring provider outputs over recorded inputs.
func snapshotLookup(snap *ir.Snapshot) refLookup {
	return func(addr, attr string) (any, bool) {
		inst := snap.Instance(addr)
		if inst == nil {
			return nil, false
		}
		if attr == "id" && inst.ExternalID != "" {
			return inst.ExternalID, true
		}
		if v, ok := inst.Outputs[attr]; ok {
			return v, true
		}
		if v, ok := inst.Attributes[attr]; ok {
			return v, true
		}
		return nil, false
	}
}

func resolvedDesired(node *ir.ResourceNode, lookup refLookup) map[string]any {
	return ResolveAttrs(node.Attributes, lookup)
}

// changedAttributes returns the names of attributes whose desired value
// differs from the recorded one, excluding ignore_changes entries.
func changedAttributes(node *ir.ResourceNode, prior, desired map[string]any) []string {
	var changed []string
	keys := make(map[string]bool, len(prior)+len(desired))
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}
	for _, k := range sortedBoolKeys(keys) {
		if node.IgnoresChange(k) {
			continue
		}
		pv, inPrior := prior[k]
		dv, inDesired := desired[k]
		if inPrior != inDesired || !valuesEqual(pv, dv) {
			changed = append(changed, k)
		}
	}
	return changed
}

// valuesEqual compares attribute values after normalization, so values that
// round-tripped through JSON still compare equal.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint64:
		if val <= math.MaxInt64 {
			return float64(val)
		}
		return fmt.Sprintf("%d", val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

func createDiff(attrs map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(attrs))
	for k, v := range attrs {
		diff[k] = &ir.AttributeDiff{After: v, Action: ir.ActionCreate}
	}
	return diff
}

func deleteDiff(attrs map[string]any) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff, len(attrs))
	for k, v := range attrs {
		diff[k] = &ir.AttributeDiff{Before: v, Action: ir.ActionDelete}
	}
	return diff
}

func updateDiff(prior, desired map[string]any, forces map[string]bool) map[string]*ir.AttributeDiff {
	diff := make(map[string]*ir.AttributeDiff)
	keys := make(map[string]bool, len(prior)+len(desired))
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}
	for _, k := range sortedBoolKeys(keys) {
		pv, inPrior := prior[k]
		dv, inDesired := desired[k]
		switch {
		case !inPrior:
			diff[k] = &ir.AttributeDiff{After: dv, Action: ir.ActionCreate}
		case !inDesired:
			diff[k] = &ir.AttributeDiff{Before: pv, Action: ir.ActionDelete}
		case !valuesEqual(pv, dv):
			diff[k] = &ir.AttributeDiff{Before: pv, After: dv, Action: ir.ActionUpdate, ForcesReplacement: forces[k]}
		}
	}
	return diff
}

func countAction(s *ir.Summary, a ir.Action) {
	switch a {
	case ir.ActionCreate:
		s.Create++
	case ir.ActionUpdate:
		s.Update++
	case ir.ActionDelete:
		s.Delete++
	case ir.ActionReplace:
		s.Replace++
	default:
		s.NoOp++
	}
}

func sortedBoolKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
