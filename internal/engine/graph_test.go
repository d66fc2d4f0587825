package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-iac/stratus/internal/ir"
)

func TestBuildGraph_NoDependencies(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "c", Provider: "null"},
		{Type: "null_resource", Name: "a", Provider: "null"},
		{Type: "null_resource", Name: "b", Provider: "null"},
	}

	g, err := BuildGraph(nodes)
	require.NoError(t, err)

	// Independent nodes come out in address order, regardless of input order.
	assert.Equal(t, []string{"null_resource.a", "null_resource.b", "null_resource.c"}, g.CreationOrder())
}

func TestBuildGraph_ExplicitDependsOn(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null"},
		{Type: "null_resource", Name: "c", Provider: "null", DependsOn: []string{"null_resource.a"}},
	}

	g, err := BuildGraph(nodes)
	require.NoError(t, err)

	order := g.CreationOrder()
	require.Len(t, order, 3)

	posB := indexOf(order, "null_resource.b")
	posA := indexOf(order, "null_resource.a")
	posC := indexOf(order, "null_resource.c")

	assert.Less(t, posB, posA, "b should come before a")
	assert.Less(t, posA, posC, "a should come before c")
}

func TestBuildGraph_ImplicitRefEdge(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{
			Type:     "sim_subnet",
			Name:     "app",
			Provider: "sim",
			Attributes: map[string]any{
				"network": "ref://sim_network.main/id",
			},
		},
		{Type: "sim_network", Name: "main", Provider: "sim", Attributes: map[string]any{"cidr": "10.0.0.0/16"}},
	}

	g, err := BuildGraph(nodes)
	require.NoError(t, err)

	order := g.CreationOrder()
	posNet := indexOf(order, "sim_network.main")
	posSub := indexOf(order, "sim_subnet.app")
	assert.Less(t, posNet, posSub, "network should be created before subnet")

	assert.Equal(t, []string{"sim_network.main"}, g.Dependencies("sim_subnet.app"))
	assert.Equal(t, []string{"sim_subnet.app"}, g.Dependents("sim_network.main"))
}

func TestBuildGraph_UnresolvedRef(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{
			Type:     "sim_subnet",
			Name:     "app",
			Provider: "sim",
			Attributes: map[string]any{
				"network": "ref://sim_network.missing/id",
			},
		},
	}

	_, err := BuildGraph(nodes)
	var unresolved *UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "sim_subnet.app", unresolved.Addr)
	assert.True(t, IsConfigError(err))
}

func TestBuildGraph_RefToUndeclaredAttribute(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "sim_network", Name: "main", Provider: "sim", Attributes: map[string]any{"cidr": "10.0.0.0/16"}},
		{
			Type:     "sim_subnet",
			Name:     "app",
			Provider: "sim",
			Attributes: map[string]any{
				"network": "ref://sim_network.main/no_such_attr",
			},
		},
	}

	_, err := BuildGraph(nodes)
	var unresolved *UnresolvedReferenceError
	require.ErrorAs(t, err, &unresolved)
}

func TestBuildGraph_RefToID(t *testing.T) {
	// "id" is always resolvable even though no node declares it.
	nodes := []*ir.ResourceNode{
		{Type: "sim_network", Name: "main", Provider: "sim"},
		{
			Type:       "sim_subnet",
			Name:       "app",
			Provider:   "sim",
			Attributes: map[string]any{"network": "ref://sim_network.main/id"},
		},
	}

	_, err := BuildGraph(nodes)
	require.NoError(t, err)
}

func TestBuildGraph_CycleDetection(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null", DependsOn: []string{"null_resource.c"}},
		{Type: "null_resource", Name: "c", Provider: "null", DependsOn: []string{"null_resource.a"}},
	}

	_, err := BuildGraph(nodes)
	var cyclic *CyclicDependencyError
	require.ErrorAs(t, err, &cyclic)
	assert.Contains(t, cyclic.Members, "null_resource.a")
	assert.Contains(t, cyclic.Members, "null_resource.b")
	assert.Contains(t, cyclic.Members, "null_resource.c")
	assert.True(t, IsConfigError(err))
}

func TestBuildGraph_DuplicateIdentity(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "a", Provider: "null"},
		{Type: "null_resource", Name: "a", Provider: "null"},
	}

	_, err := BuildGraph(nodes)
	var dup *DuplicateNodeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "null_resource.a", dup.Addr)
}

func TestBuildGraph_SelfReferenceIgnored(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.a"}},
	}

	g, err := BuildGraph(nodes)
	require.NoError(t, err)
	assert.Empty(t, g.Dependencies("null_resource.a"))
}

func TestBuildGraph_DeterministicOrder(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "sim_network", Name: "z", Provider: "sim"},
		{Type: "sim_network", Name: "a", Provider: "sim"},
		{Type: "sim_subnet", Name: "s", Provider: "sim", DependsOn: []string{"sim_network.z"}},
	}

	first, err := BuildGraph(nodes)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		g, err := BuildGraph(nodes)
		require.NoError(t, err)
		assert.Equal(t, first.CreationOrder(), g.CreationOrder())
	}
}

func TestDestructionOrder(t *testing.T) {
	nodes := []*ir.ResourceNode{
		{Type: "null_resource", Name: "a", Provider: "null", DependsOn: []string{"null_resource.b"}},
		{Type: "null_resource", Name: "b", Provider: "null"},
	}

	g, err := BuildGraph(nodes)
	require.NoError(t, err)

	rev := g.DestructionOrder()
	posA := indexOf(rev, "null_resource.a")
	posB := indexOf(rev, "null_resource.b")
	assert.Less(t, posA, posB, "a should be destroyed before b")
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantAddr string
		wantAttr string
		wantOK   bool
	}{
		{"ref://sim_network.main/id", "sim_network.main", "id", true},
		{"ref://sim_resource_group.rg1/location", "sim_resource_group.rg1", "location", true},
		{"not-a-ref", "", "", false},
		{"ref://short", "", "", false},
		{"ref://trailing.slash/", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			addr, attr, ok := ParseRef(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantAttr, attr)
		})
	}
}

func TestExtractRefs(t *testing.T) {
	attrs := map[string]any{
		"network": "ref://sim_network.main/id",
		"name":    "my-subnet",
		"tags": map[string]any{
			"owner": "ref://sim_resource_group.rg1/owner",
		},
		"list": []any{
			"ref://sim_network.other/id",
			"plain-string",
		},
	}

	refs := ExtractRefs(attrs)
	assert.Len(t, refs, 3)
	assert.Contains(t, refs, "ref://sim_network.main/id")
	assert.Contains(t, refs, "ref://sim_resource_group.rg1/owner")
	assert.Contains(t, refs, "ref://sim_network.other/id")
}

func TestResolveAttrs(t *testing.T) {
	attrs := map[string]any{
		"network": "ref://sim_network.main/id",
		"nested":  map[string]any{"also": "ref://sim_network.main/id"},
		"plain":   "kept",
		"missing": "ref://sim_network.gone/id",
	}

	resolved := ResolveAttrs(attrs, func(addr, attr string) (any, bool) {
		if addr == "sim_network.main" && attr == "id" {
			return "net-123", true
		}
		return nil, false
	})

	assert.Equal(t, "net-123", resolved["network"])
	assert.Equal(t, "net-123", resolved["nested"].(map[string]any)["also"])
	assert.Equal(t, "kept", resolved["plain"])
	// Unresolvable refs stay verbatim.
	assert.Equal(t, "ref://sim_network.gone/id", resolved["missing"])

	// The input must not be mutated.
	assert.Equal(t, "ref://sim_network.main/id", attrs["network"])
}

func TestIsConfigError_OtherErrors(t *testing.T) {
	assert.False(t, IsConfigError(errors.New("boom")))
	assert.False(t, IsConfigError(nil))
}

func indexOf(slice []string, item string) int {
	for i, s := range slice {
		if s == item {
			return i
		}
	}
	return -1
}
