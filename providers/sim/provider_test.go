package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
)

func TestCreateReadDelete(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, out, err := p.Create(ctx, "sim_network", map[string]any{"name": "main", "cidr": "10.0.0.0/16"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, out["id"])
	assert.True(t, p.Exists(id))

	attrs, err := p.Read(ctx, "sim_network", id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", attrs["cidr"])

	require.NoError(t, p.Delete(ctx, "sim_network", id))
	assert.False(t, p.Exists(id))

	_, err = p.Read(ctx, "sim_network", id)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}

func TestCreate_UnknownType(t *testing.T) {
	p := New()
	_, _, err := p.Create(context.Background(), "sim_volcano", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sim_volcano")
}

func TestUpdateAppliesDiff(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, _, err := p.Create(ctx, "sim_subnet", map[string]any{"name": "app", "cidr": "10.0.1.0/24", "tag": "v1"})
	require.NoError(t, err)

	out, err := p.Update(ctx, "sim_subnet", id, map[string]*ir.AttributeDiff{
		"tag": {Before: "v1", After: "v2", Action: ir.ActionUpdate},
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", out["tag"])

	attrs, err := p.Read(ctx, "sim_subnet", id)
	require.NoError(t, err)
	assert.Equal(t, "v2", attrs["tag"])
}

func TestResourceSchema(t *testing.T) {
	p := New()

	schema, ok := p.ResourceSchema("sim_resource_group")
	require.True(t, ok)
	assert.True(t, schema.IsImmutable("location"))
	assert.False(t, schema.IsImmutable("tags"))

	_, ok = p.ResourceSchema("sim_volcano")
	assert.False(t, ok)
}

func TestFailureInjection(t *testing.T) {
	ctx := context.Background()
	p := New()

	_, _, err := p.Create(ctx, "sim_network", map[string]any{"name": "bad", "fail": true})
	require.Error(t, err)

	// Transient failures clear after the configured number of attempts.
	attrs := map[string]any{"name": "flaky", "fail_transient": 2}
	_, _, err = p.Create(ctx, "sim_network", attrs)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
	_, _, err = p.Create(ctx, "sim_network", attrs)
	require.Error(t, err)
	id, _, err := p.Create(ctx, "sim_network", attrs)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeleteFailureInjection(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, _, err := p.Create(ctx, "sim_network", map[string]any{"name": "stuck", "fail_delete": true})
	require.NoError(t, err)

	require.Error(t, p.Delete(ctx, "sim_network", id))
	assert.True(t, p.Exists(id))
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, _, err := p.Create(ctx, "sim_network", map[string]any{"name": "gone"})
	require.NoError(t, err)

	p.Forget(id)
	_, err = p.Read(ctx, "sim_network", id)
	assert.ErrorIs(t, err, provider.ErrNotFound)
}
