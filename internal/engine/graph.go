package engine

import (
	"sort"
	"strings"

	"github.com/stratus-iac/stratus/internal/ir"
)

// RefScheme prefixes attribute values that reference another node's
// attribute: ref://<type>.<name>/<attribute>.
const RefScheme = "ref://"

// Graph is a validated, acyclic resource graph. Nodes live in an arena
// indexed by identity string; edges are stored as identity strings, never as
// live pointers, so the graph can be shared read-only across workers.
type Graph struct {
	nodes map[string]*ir.ResourceNode
	deps  map[string][]string // addr -> addrs it depends on
	rdeps map[string][]string // addr -> addrs that depend on it
	order []string            // deterministic creation order
}

// BuildGraph expands count/for_each declarations, resolves references into
// explicit edges, and validates the result. The returned graph is immutable.
func BuildGraph(decls []*ir.ResourceNode) (*Graph, error) {
	nodes, err := Expand(decls)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		nodes: make(map[string]*ir.ResourceNode, len(nodes)),
		deps:  make(map[string][]string),
		rdeps: make(map[string][]string),
	}

	for _, n := range nodes {
		addr := n.Addr()
		if _, exists := g.nodes[addr]; exists {
			return nil, &DuplicateNodeError{Addr: addr}
		}
		g.nodes[addr] = n
	}

	for _, n := range nodes {
		addr := n.Addr()
		seen := make(map[string]bool)

		for _, dep := range n.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnresolvedReferenceError{Addr: addr, Ref: dep}
			}
			if dep != addr && !seen[dep] {
				seen[dep] = true
				g.deps[addr] = append(g.deps[addr], dep)
			}
		}

		for _, ref := range ExtractRefs(n.Attributes) {
			target, attr, ok := ParseRef(ref)
			if !ok {
				return nil, &UnresolvedReferenceError{Addr: addr, Ref: ref}
			}
			tn, exists := g.nodes[target]
			if !exists {
				return nil, &UnresolvedReferenceError{Addr: addr, Ref: ref}
			}
			if !attrResolvable(tn, attr) {
				return nil, &UnresolvedReferenceError{Addr: addr, Ref: ref}
			}
			if target != addr && !seen[target] {
				seen[target] = true
				g.deps[addr] = append(g.deps[addr], target)
			}
		}

		sort.Strings(g.deps[addr])
	}

	for addr, deps := range g.deps {
		for _, dep := range deps {
			g.rdeps[dep] = append(g.rdeps[dep], addr)
		}
	}
	for addr := range g.rdeps {
		sort.Strings(g.rdeps[addr])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CyclicDependencyError{Members: cycle}
	}

	g.order = g.topoSort()
	return g, nil
}

// Node returns the node with the given address, or nil.
func (g *Graph) Node(addr string) *ir.ResourceNode {
	return g.nodes[addr]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Addrs returns all node addresses in lexicographic order.
func (g *Graph) Addrs() []string {
	addrs := make([]string, 0, len(g.nodes))
	for addr := range g.nodes {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Dependencies returns the addresses addr depends on.
func (g *Graph) Dependencies(addr string) []string {
	return g.deps[addr]
}

// Dependents returns the addresses that depend on addr.
func (g *Graph) Dependents(addr string) []string {
	return g.rdeps[addr]
}

// CreationOrder returns a topological order. Independent nodes are ordered by
// address so identical inputs always produce identical plans.
func (g *Graph) CreationOrder() []string {
	return g.order
}

// DestructionOrder is the reverse of CreationOrder.
func (g *Graph) DestructionOrder() []string {
	rev := make([]string, len(g.order))
	for i, addr := range g.order {
		rev[len(g.order)-1-i] = addr
	}
	return rev
}

// findCycle runs a depth-first traversal with an explicit recursion stack and
// returns the members of the first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(addr string) []string
	visit = func(addr string) []string {
		state[addr] = inStack
		stack = append(stack, addr)

		for _, dep := range g.deps[addr] {
			switch state[dep] {
			case inStack:
				// Cut the stack at the first occurrence of dep and close
				// the loop.
				for i, member := range stack {
					if member == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[addr] = done
		return nil
	}

	for _, addr := range g.Addrs() {
		if state[addr] == unvisited {
			if cycle := visit(addr); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoSort is Kahn's algorithm with a sorted ready set for determinism.
// Callers must have checked for cycles first.
func (g *Graph) topoSort() []string {
	inDegree := make(map[string]int, len(g.nodes))
	for addr := range g.nodes {
		inDegree[addr] = len(g.deps[addr])
	}

	var ready []string
	for _, addr := range g.Addrs() {
		if inDegree[addr] == 0 {
			ready = append(ready, addr)
		}
	}

	sorted := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		addr := ready[0]
		ready = ready[1:]
		sorted = append(sorted, addr)

		released := false
		for _, dependent := range g.rdeps[addr] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	return sorted
}

// ExtractRefs collects every ref:// string nested in a property value.
func ExtractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, RefScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			refs = append(refs, ExtractRefs(val[k])...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, ExtractRefs(item)...)
		}
	}
	return refs
}

// ParseRef splits ref://type.name/attr into the target address and attribute.
func ParseRef(ref string) (addr, attr string, ok bool) {
	if !strings.HasPrefix(ref, RefScheme) {
		return "", "", false
	}
	path := ref[len(RefScheme):]
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// attrResolvable reports whether a referenced attribute can ever produce a
// value: either declared on the target or the provider-assigned "id".
func attrResolvable(n *ir.ResourceNode, attr string) bool {
	if attr == "id" {
		return true
	}
	_, ok := n.Attributes[attr]
	return ok
}

// ResolveAttrs substitutes ref:// values using lookup, returning a deep copy.
// Unresolvable refs are kept verbatim; the graph builder has already
// guaranteed they point at real nodes, so this only happens for values not
// yet known (e.g. a dependency that has not been created).
func ResolveAttrs(attrs map[string]any, lookup func(addr, attr string) (any, bool)) map[string]any {
	out, _ := resolveValue(attrs, lookup).(map[string]any)
	return out
}

func resolveValue(v any, lookup func(addr, attr string) (any, bool)) any {
	switch val := v.(type) {
	case string:
		if addr, attr, ok := ParseRef(val); ok {
			if resolved, found := lookup(addr, attr); found {
				return resolved
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = resolveValue(item, lookup)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, lookup)
		}
		return out
	default:
		return val
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
