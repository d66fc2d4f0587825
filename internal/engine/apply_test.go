package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
	"github.com/stratus-iac/stratus/internal/state"
)

// fakeProvider records calls and fails on demand, keyed by the "name"
// attribute for creates/updates and by external ID for deletes.
type fakeProvider struct {
	mu            sync.Mutex
	seq           int
	calls         []string
	failCreate    map[string]string
	failDelete    map[string]string
	transientLeft map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		failCreate:    map[string]string{},
		failDelete:    map[string]string{},
		transientLeft: map[string]int{},
	}
}

func (f *fakeProvider) Create(ctx context.Context, typ string, attrs map[string]any) (string, map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, _ := attrs["name"].(string)
	if n := f.transientLeft[name]; n > 0 {
		f.transientLeft[name] = n - 1
		f.calls = append(f.calls, "create-throttled:"+name)
		return "", nil, errors.New("throttled: simulated")
	}
	if msg := f.failCreate[name]; msg != "" {
		return "", nil, errors.New(msg)
	}
	f.seq++
	id := fmt.Sprintf("id-%d", f.seq)
	f.calls = append(f.calls, "create:"+name)
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return id, out, nil
}

func (f *fakeProvider) Read(ctx context.Context, typ, externalID string) (map[string]any, error) {
	return nil, provider.ErrNotFound
}

func (f *fakeProvider) Update(ctx context.Context, typ, externalID string, diff map[string]*ir.AttributeDiff) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update:"+externalID)
	out := map[string]any{}
	for k, d := range diff {
		out[k] = d.After
	}
	return out, nil
}

func (f *fakeProvider) Delete(ctx context.Context, typ, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg := f.failDelete[externalID]; msg != "" {
		return errors.New(msg)
	}
	f.calls = append(f.calls, "delete:"+externalID)
	return nil
}

func (f *fakeProvider) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestExecutor(fake *fakeProvider) (*Executor, *state.MemoryStore) {
	registry := provider.NewRegistry()
	registry.Register("fake", fake)
	store := state.NewMemoryStore()
	exec := NewExecutor(store, registry)
	exec.RetryPolicy = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return exec, store
}

// seedState commits instances so they carry store-assigned versions.
func seedState(t *testing.T, store state.Store, instances ...*ir.ResourceInstance) *ir.Snapshot {
	t.Helper()
	ctx := context.Background()
	token, err := store.AcquireLock(ctx, state.DefaultWorkspace, state.LockOptions{})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, token)

	muts := make([]state.Mutation, 0, len(instances))
	for _, inst := range instances {
		muts = append(muts, state.Mutation{Instance: inst})
	}
	snap, err := store.Commit(ctx, state.DefaultWorkspace, token, muts)
	require.NoError(t, err)
	return snap
}

func TestApply_CreatesInDependencyOrder(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "rg1", Provider: "fake", Attributes: map[string]any{"name": "rg1"}},
		{Type: "thing", Name: "net1", Provider: "fake", Attributes: map[string]any{
			"name":   "net1",
			"parent": "ref://thing.rg1/id",
		}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, result.Status)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"create:rg1", "create:net1"}, fake.callLog())

	require.Len(t, result.Snapshot.Resources, 2)
	rg := result.Snapshot.Instance("thing.rg1")
	net := result.Snapshot.Instance("thing.net1")
	require.NotNil(t, rg)
	require.NotNil(t, net)
	assert.Equal(t, int64(1), rg.Version)
	// The reference was resolved against the committed upstream instance.
	assert.Equal(t, rg.ExternalID, net.Attributes["parent"])
	assert.Equal(t, []string{"thing.rg1"}, net.Dependencies)
}

func TestApply_SecondPlanIsNoOp(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	nodes := []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
		{Type: "thing", Name: "b", Provider: "fake", Attributes: map[string]any{
			"name":   "b",
			"parent": "ref://thing.a/id",
		}},
	}
	g := mustGraph(t, nodes)
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	_, err = exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	again, err := NewPlanner(nil).Plan(mustGraph(t, nodes), mustRead(t, store))
	require.NoError(t, err)
	assert.Empty(t, again.Entries, "replan after apply must be a no-op")
	assert.Equal(t, 2, again.Summary.NoOp)
}

func TestApply_PartialFailureContainment(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["a"] = "boom"
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
		{Type: "thing", Name: "b", Provider: "fake", DependsOn: []string{"thing.a"},
			Attributes: map[string]any{"name": "b"}},
		{Type: "thing", Name: "c", Provider: "fake", Attributes: map[string]any{"name": "c"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunPartial, result.Status)
	assert.Equal(t, EntryFailed, result.Entries["thing.a"])
	assert.Equal(t, EntryFailed, result.Entries["thing.b"])
	assert.Equal(t, EntryCommitted, result.Entries["thing.c"])

	var sawUpstream bool
	for _, applyErr := range result.Errors {
		if applyErr.Addr == "thing.b" {
			var upstream *UpstreamFailureError
			require.ErrorAs(t, applyErr, &upstream)
			assert.Equal(t, "thing.a", upstream.Upstream)
			sawUpstream = true
		}
	}
	assert.True(t, sawUpstream, "b must fail with an upstream-failure cause")

	// The successful branch is committed, the failed one is absent.
	snap := mustRead(t, store)
	assert.Nil(t, snap.Instance("thing.a"))
	assert.Nil(t, snap.Instance("thing.b"))
	assert.NotNil(t, snap.Instance("thing.c"))
}

func TestApply_CancelledEntriesStayPending(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
		{Type: "thing", Name: "b", Provider: "fake", Attributes: map[string]any{"name": "b"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Apply(ctx, state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, result.Status)
	assert.Equal(t, EntryPending, result.Entries["thing.a"])
	assert.Equal(t, EntryPending, result.Entries["thing.b"])
	assert.Empty(t, fake.callLog(), "no provider call may start after cancellation")
}

func TestApply_ReplaceDestroysThenCreates(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	seedState(t, store, &ir.ResourceInstance{
		Type: "thing", Name: "a", Provider: "fake", ExternalID: "old-1",
		Attributes: map[string]any{"name": "a"}, Tainted: true,
	})

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)
	require.Len(t, cs.Entries, 1)
	require.Equal(t, ir.ActionReplace, cs.Entries[0].Action)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, result.Status)

	assert.Equal(t, []string{"delete:old-1", "create:a"}, fake.callLog())

	inst := result.Snapshot.Instance("thing.a")
	require.NotNil(t, inst)
	assert.NotEqual(t, "old-1", inst.ExternalID)
	assert.False(t, inst.Tainted, "replacement starts untainted")
	assert.Equal(t, int64(1), inst.Version)
}

func TestApply_CreateBeforeDestroyKeepsOldOnFailure(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["a"] = "creation refused"
	exec, store := newTestExecutor(fake)

	seedState(t, store, &ir.ResourceInstance{
		Type: "thing", Name: "a", Provider: "fake", ExternalID: "old-1",
		Attributes: map[string]any{"name": "a"}, Tainted: true,
	})

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake",
			Lifecycle:  &ir.Lifecycle{CreateBeforeDestroy: true},
			Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)
	assert.Equal(t, RunPartial, result.Status)

	// Old instance untouched: never destroyed, still recorded.
	for _, call := range fake.callLog() {
		assert.NotContains(t, call, "delete")
	}
	inst := mustRead(t, store).Instance("thing.a")
	require.NotNil(t, inst)
	assert.Equal(t, "old-1", inst.ExternalID)
}

func TestApply_CreateBeforeDestroySuccess(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	seedState(t, store, &ir.ResourceInstance{
		Type: "thing", Name: "a", Provider: "fake", ExternalID: "old-1",
		Attributes: map[string]any{"name": "a"}, Tainted: true,
	})

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake",
			Lifecycle:  &ir.Lifecycle{CreateBeforeDestroy: true},
			Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, result.Status)
	assert.Equal(t, []string{"create:a", "delete:old-1"}, fake.callLog())
}

func TestApply_TransientErrorsAreRetried(t *testing.T) {
	fake := newFakeProvider()
	fake.transientLeft["a"] = 2
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, result.Status)
	assert.Equal(t, []string{"create-throttled:a", "create-throttled:a", "create:a"}, fake.callLog())
}

func TestApply_PermanentErrorsAreNotRetried(t *testing.T) {
	fake := newFakeProvider()
	fake.failCreate["a"] = "invalid configuration"
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunPartial, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "thing.a", result.Errors[0].Addr)
	assert.Empty(t, fake.callLog(), "a permanent failure must not be retried")
}

func TestApply_ReleasesLock(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	_, err = exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	token, err := store.AcquireLock(context.Background(), state.DefaultWorkspace, state.LockOptions{})
	require.NoError(t, err, "the workspace lock must be free after apply")
	store.ReleaseLock(context.Background(), token)
}

func TestApply_EmitsEvents(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	var mu sync.Mutex
	var events []ApplyEvent
	exec.Callback = func(ev ApplyEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	_, err = exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "committed", events[1].Status)
	assert.Equal(t, "thing.a", events[0].Addr)
}

func TestApply_StalePlanVersionConflict(t *testing.T) {
	fake := newFakeProvider()
	exec, store := newTestExecutor(fake)

	seedState(t, store, &ir.ResourceInstance{
		Type: "thing", Name: "a", Provider: "fake", ExternalID: "old-1",
		Attributes: map[string]any{"name": "a"}, Tainted: true,
	})

	g := mustGraph(t, []*ir.ResourceNode{
		{Type: "thing", Name: "a", Provider: "fake", Attributes: map[string]any{"name": "a"}},
	})
	cs, err := NewPlanner(nil).Plan(g, mustRead(t, store))
	require.NoError(t, err)

	// Another writer bumps the instance after planning.
	inst := mustRead(t, store).Instance("thing.a")
	inst.Attributes["name"] = "a"
	seedStateAt(t, store, inst, inst.Version)

	result, err := exec.Apply(context.Background(), state.DefaultWorkspace, cs)
	require.NoError(t, err)

	assert.Equal(t, RunPartial, result.Status)
	require.Len(t, result.Errors, 1)
	var conflict *state.VersionConflictError
	assert.ErrorAs(t, result.Errors[0], &conflict)
}

// seedStateAt commits one instance at an explicit expected version.
func seedStateAt(t *testing.T, store state.Store, inst *ir.ResourceInstance, expected int64) {
	t.Helper()
	ctx := context.Background()
	token, err := store.AcquireLock(ctx, state.DefaultWorkspace, state.LockOptions{})
	require.NoError(t, err)
	defer store.ReleaseLock(ctx, token)
	_, err = store.Commit(ctx, state.DefaultWorkspace, token, []state.Mutation{
		{Instance: inst, ExpectedVersion: expected},
	})
	require.NoError(t, err)
}

func mustRead(t *testing.T, store state.Store) *ir.Snapshot {
	t.Helper()
	snap, err := store.Read(context.Background(), state.DefaultWorkspace)
	require.NoError(t, err)
	return snap
}
