package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratus-iac/stratus/internal/ir"
)

// MemoryStore is an in-process Store used by tests and ephemeral runs. It
// keeps full snapshot history per workspace.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string][]*ir.Snapshot
	locks      map[string]*LockToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: map[string][]*ir.Snapshot{
			DefaultWorkspace: {emptySnapshot()},
		},
		locks: make(map[string]*LockToken),
	}
}

func (s *MemoryStore) CreateWorkspace(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workspaces[name]; exists {
		return &WorkspaceExistsError{Workspace: name}
	}
	s.workspaces[name] = []*ir.Snapshot{emptySnapshot()}
	return nil
}

func (s *MemoryStore) DeleteWorkspace(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history, exists := s.workspaces[name]
	if !exists {
		return &WorkspaceNotFoundError{Workspace: name}
	}
	current := history[len(history)-1]
	if !current.Empty() {
		return &WorkspaceNotEmptyError{Workspace: name, Resources: len(current.Resources)}
	}
	delete(s.workspaces, name)
	delete(s.locks, name)
	return nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.workspaces))
	for name := range s.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, error) {
	for {
		token, conflict, err := s.tryLock(workspace, opts)
		if err != nil {
			return nil, err
		}
		if conflict == nil {
			return token, nil
		}
		if !opts.Wait {
			return nil, conflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *MemoryStore) tryLock(workspace string, opts LockOptions) (*LockToken, *LockConflictError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workspaces[workspace]; !exists {
		return nil, nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if held, ok := s.locks[workspace]; ok && !held.Expired() {
		return nil, &LockConflictError{
			Workspace:  workspace,
			Holder:     held.Holder,
			AcquiredAt: held.AcquiredAt,
		}, nil
	}
	token := newLockToken(workspace, opts)
	s.locks[workspace] = token
	return token, nil, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, token *LockToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[token.Workspace]; ok && held.ID == token.ID {
		delete(s.locks, token.Workspace)
	}
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, workspace string) (*ir.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, exists := s.workspaces[workspace]
	if !exists {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	return history[len(history)-1].Clone(), nil
}

func (s *MemoryStore) Commit(ctx context.Context, workspace string, token *LockToken, muts []Mutation) (*ir.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.workspaces[workspace]
	if !exists {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if err := s.validateToken(workspace, token); err != nil {
		return nil, err
	}

	next, err := nextSnapshot(history[len(history)-1], muts)
	if err != nil {
		return nil, err
	}
	s.workspaces[workspace] = append(history, next)
	return next.Clone(), nil
}

func (s *MemoryStore) Snapshots(ctx context.Context, workspace string) ([]ir.SnapshotMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, exists := s.workspaces[workspace]
	if !exists {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	metas := make([]ir.SnapshotMeta, 0, len(history))
	for _, snap := range history {
		metas = append(metas, ir.SnapshotMeta{
			Serial:    snap.Serial,
			TakenAt:   snap.TakenAt,
			Resources: len(snap.Resources),
		})
	}
	return metas, nil
}

func (s *MemoryStore) SnapshotAt(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, exists := s.workspaces[workspace]
	if !exists {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	for _, snap := range history {
		if snap.Serial == serial {
			return snap.Clone(), nil
		}
	}
	return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
}

func (s *MemoryStore) Restore(ctx context.Context, workspace string, token *LockToken, serial int64) (*ir.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.workspaces[workspace]
	if !exists {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if err := s.validateToken(workspace, token); err != nil {
		return nil, err
	}

	var target *ir.Snapshot
	for _, snap := range history {
		if snap.Serial == serial {
			target = snap
			break
		}
	}
	if target == nil {
		return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
	}

	current := history[len(history)-1]
	restored := target.Clone()
	restored.Serial = current.Serial + 1
	restored.TakenAt = time.Now().UTC()
	s.workspaces[workspace] = append(history, restored)
	return restored.Clone(), nil
}

func (s *MemoryStore) validateToken(workspace string, token *LockToken) error {
	if token == nil {
		return &StaleLockError{Workspace: workspace}
	}
	held, ok := s.locks[workspace]
	if !ok || held.ID != token.ID || token.Expired() {
		return &StaleLockError{Workspace: workspace, ID: token.ID}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
