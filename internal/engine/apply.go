package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/logging"
	"github.com/stratus-iac/stratus/internal/provider"
	"github.com/stratus-iac/stratus/internal/state"
)

const defaultParallelism = 10

// EntryStatus tracks one change-set entry through the apply state machine:
// Pending -> Running -> {Committed, Failed}.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCommitted EntryStatus = "committed"
	EntryFailed    EntryStatus = "failed"
)

// RunStatus summarizes a whole apply run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial-failure"
	RunCancelled RunStatus = "cancelled"
)

// ApplyEvent is a progress event emitted while applying.
type ApplyEvent struct {
	Addr     string
	Action   ir.Action
	Status   string // "started", "committed", "failed"
	Duration time.Duration
	Error    error
}

// ApplyCallback receives apply progress events, if set.
type ApplyCallback func(ApplyEvent)

// ApplyResult is what an apply run produced: the final snapshot, per-entry
// failures, and the run status. Callers always get both what succeeded and
// what failed.
type ApplyResult struct {
	Snapshot *ir.Snapshot
	Errors   []*ApplyError
	Status   RunStatus
	Entries  map[string]EntryStatus
}

// Executor walks a change set, invoking provider operations concurrently
// across independent subgraphs and committing each success to the state store
// immediately, so a crash never loses already-applied resources.
type Executor struct {
	store       state.Store
	registry    *provider.Registry
	Parallelism int
	RetryPolicy *RetryPolicy
	Callback    ApplyCallback
}

func NewExecutor(store state.Store, registry *provider.Registry) *Executor {
	return &Executor{
		store:       store,
		registry:    registry,
		Parallelism: defaultParallelism,
		RetryPolicy: DefaultRetryPolicy(),
	}
}

// run is the shared mutable bookkeeping of one apply call. All fields are
// guarded by mu; cond wakes entries waiting on their dependencies.
type run struct {
	mu      sync.Mutex
	cond    *sync.Cond
	status  map[string]EntryStatus
	errs    []*ApplyError
	current *ir.Snapshot
}

// Apply executes the change set against the workspace. It acquires the
// workspace lock once and releases it on every exit path. A single entry's
// failure fails its dependents with an upstream-failure cause but leaves
// independent branches running.
func (e *Executor) Apply(ctx context.Context, workspace string, cs *ir.ChangeSet) (*ApplyResult, error) {
	token, err := e.store.AcquireLock(ctx, workspace, state.LockOptions{})
	if err != nil {
		return nil, err
	}
	// Release must survive cancellation of the caller's context.
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if rerr := e.store.ReleaseLock(releaseCtx, token); rerr != nil {
			logging.Warn("failed to release workspace lock", "workspace", workspace, "error", rerr)
		}
	}()

	snap, err := e.store.Read(ctx, workspace)
	if err != nil {
		return nil, err
	}

	r := &run{
		status:  make(map[string]EntryStatus, len(cs.Entries)),
		current: snap,
	}
	r.cond = sync.NewCond(&r.mu)
	for _, entry := range cs.Entries {
		r.status[entry.Addr] = EntryPending
	}

	sem := make(chan struct{}, e.parallelism())
	var wg sync.WaitGroup
	for _, entry := range cs.Entries {
		wg.Add(1)
		go func(entry *ir.ChangeSetEntry) {
			defer wg.Done()
			e.runEntry(ctx, workspace, token, entry, r, sem)
		}(entry)
	}
	wg.Wait()

	result := &ApplyResult{
		Snapshot: r.current,
		Errors:   r.errs,
		Entries:  r.status,
		Status:   RunSucceeded,
	}
	if ctx.Err() != nil {
		result.Status = RunCancelled
	} else if len(r.errs) > 0 {
		result.Status = RunPartial
	}
	logging.Info("apply finished", "workspace", workspace, "status", result.Status,
		"entries", len(cs.Entries), "failed", len(r.errs))
	return result, nil
}

// runEntry drives one entry through the state machine.
func (e *Executor) runEntry(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run, sem chan struct{}) {
	// Wait for upstream entries to reach a terminal state.
	r.mu.Lock()
	for {
		allDone := true
		var failedDep string
		for _, dep := range entry.DependsOn {
			switch r.status[dep] {
			case EntryCommitted:
			case EntryFailed:
				failedDep = dep
			default:
				allDone = false
			}
			if failedDep != "" || !allDone {
				break
			}
		}
		if failedDep != "" {
			r.status[entry.Addr] = EntryFailed
			r.errs = append(r.errs, &ApplyError{
				Addr:   entry.Addr,
				Action: entry.Action,
				Err:    &UpstreamFailureError{Addr: entry.Addr, Upstream: failedDep},
			})
			r.mu.Unlock()
			r.cond.Broadcast()
			e.emit(ApplyEvent{Addr: entry.Addr, Action: entry.Action, Status: "failed",
				Error: &UpstreamFailureError{Addr: entry.Addr, Upstream: failedDep}})
			return
		}
		if allDone {
			break
		}
		if ctx.Err() != nil {
			// Cancelled while waiting: stay Pending so the plan is
			// resumable on the next apply.
			r.mu.Unlock()
			r.cond.Broadcast()
			return
		}
		r.cond.Wait()
	}
	r.mu.Unlock()

	// Cancellation is honored at entry boundaries only; entries already
	// running are allowed to finish.
	if ctx.Err() != nil {
		r.cond.Broadcast()
		return
	}

	sem <- struct{}{}
	defer func() { <-sem }()

	r.mu.Lock()
	r.status[entry.Addr] = EntryRunning
	r.mu.Unlock()

	start := time.Now()
	e.emit(ApplyEvent{Addr: entry.Addr, Action: entry.Action, Status: "started"})
	logging.Debug("applying entry", "addr", entry.Addr, "action", entry.Action)

	err := e.applyEntry(ctx, workspace, token, entry, r)

	r.mu.Lock()
	if err != nil {
		r.status[entry.Addr] = EntryFailed
		r.errs = append(r.errs, &ApplyError{Addr: entry.Addr, Action: entry.Action, Err: err})
	} else {
		r.status[entry.Addr] = EntryCommitted
	}
	r.mu.Unlock()
	r.cond.Broadcast()

	if err != nil {
		e.emit(ApplyEvent{Addr: entry.Addr, Action: entry.Action, Status: "failed", Duration: time.Since(start), Error: err})
	} else {
		e.emit(ApplyEvent{Addr: entry.Addr, Action: entry.Action, Status: "committed", Duration: time.Since(start)})
	}
}

// applyEntry performs the provider operations for one entry and commits the
// result. Commit happens per entry, not batched, so partial progress is
// durable.
func (e *Executor) applyEntry(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	switch entry.Action {
	case ir.ActionCreate:
		return e.applyCreate(ctx, workspace, token, entry, r)
	case ir.ActionUpdate:
		return e.applyUpdate(ctx, workspace, token, entry, r)
	case ir.ActionDelete:
		return e.applyDelete(ctx, workspace, token, entry, r)
	case ir.ActionReplace:
		if entry.CreateBeforeDestroy {
			return e.applyReplaceCreateFirst(ctx, workspace, token, entry, r)
		}
		return e.applyReplaceDestroyFirst(ctx, workspace, token, entry, r)
	default:
		return nil
	}
}

func (e *Executor) applyCreate(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	prov, err := e.registry.Get(entry.Node.Provider)
	if err != nil {
		return err
	}
	attrs := e.resolvedAttrs(entry.Node, r)

	var externalID string
	var outputs map[string]any
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		var callErr error
		externalID, outputs, callErr = prov.Create(ctx, entry.Node.Type, attrs)
		return callErr
	}, provider.IsTransient)
	if err != nil {
		return err
	}

	inst := e.instanceFor(entry, externalID, attrs, outputs)
	return e.commit(ctx, workspace, token, r, state.Mutation{Instance: inst, ExpectedVersion: 0})
}

func (e *Executor) applyUpdate(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	prov, err := e.registry.Get(entry.Node.Provider)
	if err != nil {
		return err
	}
	attrs := e.resolvedAttrs(entry.Node, r)

	var outputs map[string]any
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		var callErr error
		outputs, callErr = prov.Update(ctx, entry.Node.Type, entry.Prior.ExternalID, entry.Diff)
		return callErr
	}, provider.IsTransient)
	if err != nil {
		return err
	}

	inst := e.instanceFor(entry, entry.Prior.ExternalID, attrs, outputs)
	return e.commit(ctx, workspace, token, r, state.Mutation{Instance: inst, ExpectedVersion: entry.Prior.Version})
}

func (e *Executor) applyDelete(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	prov, err := e.registry.Get(entry.Prior.Provider)
	if err != nil {
		return err
	}
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		return prov.Delete(ctx, entry.Prior.Type, entry.Prior.ExternalID)
	}, provider.IsTransient)
	if err != nil {
		return err
	}
	return e.commit(ctx, workspace, token, r, state.Mutation{
		Addr:            entry.Addr,
		Remove:          true,
		ExpectedVersion: entry.Prior.Version,
	})
}

// applyReplaceDestroyFirst is the default replace ordering: destroy the old
// instance, then create the new one. The removal is committed before the
// create starts so a crash in between still leaves state accurate.
func (e *Executor) applyReplaceDestroyFirst(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	prov, err := e.registry.Get(entry.Node.Provider)
	if err != nil {
		return err
	}

	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		return prov.Delete(ctx, entry.Prior.Type, entry.Prior.ExternalID)
	}, provider.IsTransient)
	if err != nil {
		return err
	}
	if err := e.commit(ctx, workspace, token, r, state.Mutation{
		Addr:            entry.Addr,
		Remove:          true,
		ExpectedVersion: entry.Prior.Version,
	}); err != nil {
		return err
	}

	attrs := e.resolvedAttrs(entry.Node, r)
	var externalID string
	var outputs map[string]any
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		var callErr error
		externalID, outputs, callErr = prov.Create(ctx, entry.Node.Type, attrs)
		return callErr
	}, provider.IsTransient)
	if err != nil {
		return err
	}

	inst := e.instanceFor(entry, externalID, attrs, outputs)
	return e.commit(ctx, workspace, token, r, state.Mutation{Instance: inst, ExpectedVersion: 0})
}

// applyReplaceCreateFirst creates the replacement before destroying the old
// instance. If the create fails the old resource is left untouched.
func (e *Executor) applyReplaceCreateFirst(ctx context.Context, workspace string, token *state.LockToken, entry *ir.ChangeSetEntry, r *run) error {
	prov, err := e.registry.Get(entry.Node.Provider)
	if err != nil {
		return err
	}
	attrs := e.resolvedAttrs(entry.Node, r)

	var externalID string
	var outputs map[string]any
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		var callErr error
		externalID, outputs, callErr = prov.Create(ctx, entry.Node.Type, attrs)
		return callErr
	}, provider.IsTransient)
	if err != nil {
		return err
	}

	inst := e.instanceFor(entry, externalID, attrs, outputs)
	if err := e.commit(ctx, workspace, token, r, state.Mutation{Instance: inst, ExpectedVersion: entry.Prior.Version}); err != nil {
		return err
	}

	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		return prov.Delete(ctx, entry.Prior.Type, entry.Prior.ExternalID)
	}, provider.IsTransient)
	if err != nil {
		logging.Warn("replacement committed but old resource not destroyed",
			"addr", entry.Addr, "externalId", entry.Prior.ExternalID, "error", err)
		return err
	}
	return nil
}

// commit writes one mutation to the store and refreshes the run's view of the
// snapshot for downstream reference resolution.
func (e *Executor) commit(ctx context.Context, workspace string, token *state.LockToken, r *run, mut state.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := e.store.Commit(ctx, workspace, token, []state.Mutation{mut})
	if err != nil {
		return err
	}
	r.current = next
	return nil
}

// resolvedAttrs substitutes references with values from the run's latest
// committed snapshot. Upstream entries are guaranteed committed before this
// entry runs.
func (e *Executor) resolvedAttrs(node *ir.ResourceNode, r *run) map[string]any {
	r.mu.Lock()
	snap := r.current
	r.mu.Unlock()
	return ResolveAttrs(node.Attributes, snapshotLookup(snap))
}

func (e *Executor) instanceFor(entry *ir.ChangeSetEntry, externalID string, attrs, outputs map[string]any) *ir.ResourceInstance {
	node := entry.Node
	return &ir.ResourceInstance{
		Type:           node.Type,
		Name:           node.Name,
		Key:            node.Key,
		Provider:       node.Provider,
		ExternalID:     externalID,
		Attributes:     attrs,
		Outputs:        outputs,
		Dependencies:   append([]string(nil), entry.NodeDependencies...),
		PreventDestroy: node.PreventsDestroy(),
	}
}

func (e *Executor) parallelism() int {
	if e.Parallelism > 0 {
		return e.Parallelism
	}
	return defaultParallelism
}

func (e *Executor) emit(event ApplyEvent) {
	if e.Callback != nil {
		e.Callback(event)
	}
}
