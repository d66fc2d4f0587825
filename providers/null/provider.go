// Package null implements a provider whose resources exist only in state.
// Useful as a dependency anchor and for exercising graph and lifecycle logic
// without touching any real backend.
package null

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
)

const Name = "null"

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

// Factory registers the null provider with a registry.
func Factory() provider.Interface {
	return New()
}

func (p *Provider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	if typ != "null_resource" {
		return "", nil, fmt.Errorf("null provider does not support type %q", typ)
	}
	out := map[string]any{}
	for k, v := range attrs {
		out[k] = v
	}
	return "null-" + uuid.NewString(), out, nil
}

func (p *Provider) Read(ctx context.Context, typ, externalID string) (map[string]any, error) {
	// Null resources never drift; whatever state says is current.
	return map[string]any{}, nil
}

func (p *Provider) Update(ctx context.Context, typ, externalID string, diff map[string]*ir.AttributeDiff) (map[string]any, error) {
	out := map[string]any{}
	for k, d := range diff {
		if d.After != nil {
			out[k] = d.After
		}
	}
	return out, nil
}

func (p *Provider) Delete(ctx context.Context, typ, externalID string) error {
	return nil
}

// ResourceSchema marks triggers as immutable so a trigger change forces a
// replace, which is the whole point of a null resource.
func (p *Provider) ResourceSchema(typ string) (provider.ResourceSchema, bool) {
	if typ != "null_resource" {
		return provider.ResourceSchema{}, false
	}
	return provider.ResourceSchema{Immutable: []string{"triggers"}}, true
}

var (
	_ provider.Interface      = (*Provider)(nil)
	_ provider.SchemaProvider = (*Provider)(nil)
)
