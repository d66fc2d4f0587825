package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-iac/stratus/internal/ir"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrNotFound, false},
		{errors.New("ThrottlingException: rate exceeded"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("dial tcp: i/o timeout"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("503 Service Unavailable"), true},
		{errors.New("invalid attribute value"), false},
		{errors.New("access denied"), false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestResourceSchema_IsImmutable(t *testing.T) {
	schema := ResourceSchema{Immutable: []string{"location", "cidr"}}
	assert.True(t, schema.IsImmutable("location"))
	assert.False(t, schema.IsImmutable("tags"))
	assert.False(t, ResourceSchema{}.IsImmutable("anything"))
}

type staticProvider struct {
	id string
}

func (p *staticProvider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	return p.id, attrs, nil
}

func (p *staticProvider) Read(ctx context.Context, typ, externalID string) (map[string]any, error) {
	return nil, ErrNotFound
}

func (p *staticProvider) Update(ctx context.Context, typ, externalID string, diff map[string]*ir.AttributeDiff) (map[string]any, error) {
	return nil, fmt.Errorf("not supported")
}

func (p *staticProvider) Delete(ctx context.Context, typ, externalID string) error {
	return nil
}

func TestRegistry_LoadAndGet(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("missing")
	require.Error(t, err)

	err = registry.Load("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")

	calls := 0
	registry.RegisterFactory("static", func() Interface {
		calls++
		return &staticProvider{id: "x"}
	})

	require.NoError(t, registry.Load("static"))
	require.NoError(t, registry.Load("static"), "reloading is a no-op")
	assert.Equal(t, 1, calls)

	p, err := registry.Get("static")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestRegistry_ResourceSchema(t *testing.T) {
	registry := NewRegistry()
	registry.Register("plain", &staticProvider{})

	// A provider without schema support reports no schema.
	_, ok := registry.ResourceSchema("plain", "anything")
	assert.False(t, ok)

	_, ok = registry.ResourceSchema("absent", "anything")
	assert.False(t, ok)
}
