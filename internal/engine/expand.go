package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stratus-iac/stratus/internal/ir"
)

// Expand flattens Count and ForEach declarations into one node per index or
// key. It runs before graph construction so every node afterwards has a fixed
// identity. A declaration may set Count or ForEach, not both.
func Expand(decls []*ir.ResourceNode) ([]*ir.ResourceNode, error) {
	var expanded []*ir.ResourceNode
	for _, decl := range decls {
		switch {
		case decl.Count > 0 && len(decl.ForEach) > 0:
			return nil, fmt.Errorf("%s: count and for_each are mutually exclusive", decl.Addr())

		case decl.Count < 0:
			return nil, fmt.Errorf("%s: count must be >= 0, got %d", decl.Addr(), decl.Count)

		case decl.Count > 0:
			for i := 0; i < decl.Count; i++ {
				clone := cloneNode(decl)
				clone.Key = strconv.Itoa(i)
				clone.Attributes = substituteAll(clone.Attributes, map[string]string{
					"${count.index}": strconv.Itoa(i),
				})
				expanded = append(expanded, clone)
			}

		case len(decl.ForEach) > 0:
			for _, key := range sortedKeys(decl.ForEach) {
				clone := cloneNode(decl)
				clone.Key = key
				clone.Attributes = substituteAll(clone.Attributes, map[string]string{
					"${each.key}":   key,
					"${each.value}": fmt.Sprintf("%v", decl.ForEach[key]),
				})
				expanded = append(expanded, clone)
			}

		default:
			expanded = append(expanded, cloneNode(decl))
		}
	}

	seen := make(map[string]bool, len(expanded))
	for _, n := range expanded {
		addr := n.Addr()
		if seen[addr] {
			return nil, &DuplicateNodeError{Addr: addr}
		}
		seen[addr] = true
	}

	return expanded, nil
}

func cloneNode(n *ir.ResourceNode) *ir.ResourceNode {
	clone := &ir.ResourceNode{
		Type:       n.Type,
		Name:       n.Name,
		Key:        n.Key,
		Provider:   n.Provider,
		Tainted:    n.Tainted,
		DependsOn:  append([]string(nil), n.DependsOn...),
		Attributes: ir.CopyAttrs(n.Attributes),
	}
	if n.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			CreateBeforeDestroy: n.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      n.Lifecycle.PreventDestroy,
			IgnoreChanges:       append([]string(nil), n.Lifecycle.IgnoreChanges...),
		}
	}
	return clone
}

func substituteAll(attrs map[string]any, replacements map[string]string) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = substituteValue(v, replacements)
	}
	return out
}

func substituteValue(v any, replacements map[string]string) any {
	switch val := v.(type) {
	case string:
		result := val
		for old, repl := range replacements {
			result = strings.ReplaceAll(result, old, repl)
		}
		return result
	case map[string]any:
		return substituteAll(val, replacements)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, replacements)
		}
		return out
	default:
		return v
	}
}
