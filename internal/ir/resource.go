package ir

import "fmt"

// ResourceNode is a single declared resource in the desired configuration.
// Nodes are built once by the graph builder and treated as immutable for the
// duration of a plan/apply cycle.
type ResourceNode struct {
	Type       string         `json:"type"` // e.g. "azure.ResourceGroup"
	Name       string         `json:"name"`
	Key        string         `json:"key,omitempty"` // index key from count/for_each expansion
	Provider   string         `json:"provider"`
	Lifecycle  *Lifecycle     `json:"lifecycle,omitempty"`
	Tainted    bool           `json:"tainted,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	Attributes map[string]any `json:"attributes"` // literals or "ref://type.name/attr" strings

	// Count and ForEach are consumed by expansion before graph construction.
	Count   int            `json:"count,omitempty"`
	ForEach map[string]any `json:"forEach,omitempty"`
}

// Lifecycle carries per-resource plan/apply policy flags.
type Lifecycle struct {
	CreateBeforeDestroy bool     `json:"createBeforeDestroy,omitempty"`
	PreventDestroy      bool     `json:"preventDestroy,omitempty"`
	IgnoreChanges       []string `json:"ignoreChanges,omitempty"`
}

// Addr returns the node's identity string: type.name, or type.name["key"]
// for expanded instances.
func (r *ResourceNode) Addr() string {
	return FormatAddr(r.Type, r.Name, r.Key)
}

// FormatAddr renders a (type, name, key) identity as its textual address.
func FormatAddr(typ, name, key string) string {
	if key == "" {
		return fmt.Sprintf("%s.%s", typ, name)
	}
	return fmt.Sprintf("%s.%s[%q]", typ, name, key)
}

// IgnoresChange reports whether the attribute is excluded from diffing.
func (r *ResourceNode) IgnoresChange(attr string) bool {
	if r.Lifecycle == nil {
		return false
	}
	for _, a := range r.Lifecycle.IgnoreChanges {
		if a == attr {
			return true
		}
	}
	return false
}

// PreventsDestroy reports whether destroy-class actions are forbidden.
func (r *ResourceNode) PreventsDestroy() bool {
	return r.Lifecycle != nil && r.Lifecycle.PreventDestroy
}

// CreateBeforeDestroy reports the replacement ordering preference.
func (r *ResourceNode) CreateBeforeDestroy() bool {
	return r.Lifecycle != nil && r.Lifecycle.CreateBeforeDestroy
}
