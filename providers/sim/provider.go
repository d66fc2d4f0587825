// Package sim implements an in-memory provider simulating a small cloud
// surface (resource groups, networks, subnets). It backs local experiments
// and the engine's integration tests: failure behavior is injected through
// reserved attributes, so a config file alone can script error scenarios.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
)

const Name = "sim"

// Reserved attributes interpreted by the provider instead of stored:
//
//	fail            bool  - Create/Update permanently fails
//	fail_transient  int   - first N Create attempts fail with a throttle error
//	fail_delete     bool  - Delete permanently fails
const (
	attrFail          = "fail"
	attrFailTransient = "fail_transient"
	attrFailDelete    = "fail_delete"
)

var schemas = map[string]provider.ResourceSchema{
	"sim_resource_group": {Immutable: []string{"location"}},
	"sim_network":        {Immutable: []string{"resource_group", "address_space"}},
	"sim_subnet":         {Immutable: []string{"network", "cidr"}},
}

type object struct {
	typ   string
	attrs map[string]any
}

type Provider struct {
	mu       sync.Mutex
	seq      int
	objects  map[string]*object
	attempts map[string]int
}

func New() *Provider {
	return &Provider{
		objects:  map[string]*object{},
		attempts: map[string]int{},
	}
}

func Factory() provider.Interface {
	return New()
}

func (p *Provider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	if _, ok := schemas[typ]; !ok {
		return "", nil, fmt.Errorf("sim provider does not support type %q", typ)
	}
	if truthy(attrs[attrFail]) {
		return "", nil, fmt.Errorf("simulated create failure for %s", typ)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n := intAttr(attrs[attrFailTransient]); n > 0 {
		key := fmt.Sprintf("%s/%v", typ, attrs["name"])
		p.attempts[key]++
		if p.attempts[key] <= n {
			return "", nil, fmt.Errorf("throttled: simulated transient failure %d/%d", p.attempts[key], n)
		}
	}

	p.seq++
	id := fmt.Sprintf("sim-%s-%04d", typ, p.seq)
	stored := copyAttrs(attrs)
	stored["id"] = id
	p.objects[id] = &object{typ: typ, attrs: stored}
	return id, copyAttrs(stored), nil
}

func (p *Provider) Read(ctx context.Context, typ, externalID string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return copyAttrs(obj.attrs), nil
}

func (p *Provider) Update(ctx context.Context, typ, externalID string, diff map[string]*ir.AttributeDiff) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	for attr, d := range diff {
		if d.After == nil {
			delete(obj.attrs, attr)
			continue
		}
		if attr == attrFail && truthy(d.After) {
			return nil, fmt.Errorf("simulated update failure for %s", externalID)
		}
		obj.attrs[attr] = d.After
	}
	return copyAttrs(obj.attrs), nil
}

func (p *Provider) Delete(ctx context.Context, typ, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[externalID]
	if !ok {
		return nil
	}
	if truthy(obj.attrs[attrFailDelete]) {
		return fmt.Errorf("simulated delete failure for %s", externalID)
	}
	delete(p.objects, externalID)
	return nil
}

func (p *Provider) ResourceSchema(typ string) (provider.ResourceSchema, bool) {
	schema, ok := schemas[typ]
	return schema, ok
}

// Exists reports whether an object is live on the simulated backend.
func (p *Provider) Exists(externalID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.objects[externalID]
	return ok
}

// Forget drops an object without going through Delete, simulating an
// out-of-band removal that refresh should detect.
func (p *Provider) Forget(externalID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, externalID)
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func intAttr(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64: // JSON numbers decode as float64
		return int(n)
	}
	return 0
}

var (
	_ provider.Interface      = (*Provider)(nil)
	_ provider.SchemaProvider = (*Provider)(nil)
)
