package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/stratus-iac/stratus/internal/ir"
)

// LocalStore keeps each workspace as a directory of append-only snapshot
// files plus an advisory lock file. Snapshot files are never rewritten; the
// highest serial on disk is the current snapshot. Content is transparently
// encrypted at rest when an encryption key is configured.
type LocalStore struct {
	root string
}

const (
	snapPrefix   = "snap-"
	snapSuffix   = ".json"
	lockFileName = ".lock"
)

// NewLocalStore opens (creating if needed) a store rooted at dir. The default
// workspace always exists.
func NewLocalStore(dir string) (*LocalStore, error) {
	s := &LocalStore{root: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if _, err := os.Stat(s.workspaceDir(DefaultWorkspace)); os.IsNotExist(err) {
		if err := s.initWorkspace(DefaultWorkspace); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *LocalStore) workspaceDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *LocalStore) initWorkspace(name string) error {
	dir := s.workspaceDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return s.writeSnapshot(name, emptySnapshot())
}

func (s *LocalStore) CreateWorkspace(ctx context.Context, name string) error {
	if _, err := os.Stat(s.workspaceDir(name)); err == nil {
		return &WorkspaceExistsError{Workspace: name}
	}
	return s.initWorkspace(name)
}

func (s *LocalStore) DeleteWorkspace(ctx context.Context, name string) error {
	if name == DefaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}
	current, err := s.Read(ctx, name)
	if err != nil {
		return err
	}
	if !current.Empty() {
		return &WorkspaceNotEmptyError{Workspace: name, Resources: len(current.Resources)}
	}
	return os.RemoveAll(s.workspaceDir(name))
}

func (s *LocalStore) ListWorkspaces(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Unrelated directories under the state root are not workspaces;
		// every workspace holds at least the initial empty snapshot.
		if _, err := s.serials(entry.Name()); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) AcquireLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, error) {
	if _, err := os.Stat(s.workspaceDir(workspace)); os.IsNotExist(err) {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
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
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *LocalStore) tryLock(workspace string, opts LockOptions) (*LockToken, *LockConflictError, error) {
	lockPath := s.lockPath(workspace)

	if held, err := s.readLock(workspace); err == nil {
		if held.Expired() {
			// Abandoned lock past its TTL: break it.
			os.Remove(lockPath)
		} else {
			return nil, &LockConflictError{
				Workspace:  workspace,
				Holder:     held.Holder,
				AcquiredAt: held.AcquiredAt,
			}, nil
		}
	}

	token := newLockToken(workspace, opts)
	data, err := json.Marshal(token)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			held, rerr := s.readLock(workspace)
			if rerr == nil {
				return nil, &LockConflictError{
					Workspace:  workspace,
					Holder:     held.Holder,
					AcquiredAt: held.AcquiredAt,
				}, nil
			}
			return nil, &LockConflictError{Workspace: workspace, Holder: "unknown"}, nil
		}
		return nil, nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return token, nil, nil
}

func (s *LocalStore) ReleaseLock(ctx context.Context, token *LockToken) error {
	held, err := s.readLock(token.Workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if held.ID != token.ID {
		return nil // superseded; not ours to remove
	}
	if err := os.Remove(s.lockPath(token.Workspace)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (s *LocalStore) Read(ctx context.Context, workspace string) (*ir.Snapshot, error) {
	serials, err := s.serials(workspace)
	if err != nil {
		return nil, err
	}
	return s.readSnapshot(workspace, serials[len(serials)-1])
}

func (s *LocalStore) Commit(ctx context.Context, workspace string, token *LockToken, muts []Mutation) (*ir.Snapshot, error) {
	if err := s.validateToken(workspace, token); err != nil {
		return nil, err
	}
	current, err := s.Read(ctx, workspace)
	if err != nil {
		return nil, err
	}
	next, err := nextSnapshot(current, muts)
	if err != nil {
		return nil, err
	}
	// Writing a brand-new file per serial makes the commit all-or-nothing:
	// readers either see the previous snapshot or the complete new one.
	if err := s.writeSnapshot(workspace, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *LocalStore) Snapshots(ctx context.Context, workspace string) ([]ir.SnapshotMeta, error) {
	serials, err := s.serials(workspace)
	if err != nil {
		return nil, err
	}
	metas := make([]ir.SnapshotMeta, 0, len(serials))
	for _, serial := range serials {
		snap, err := s.readSnapshot(workspace, serial)
		if err != nil {
			return nil, err
		}
		metas = append(metas, ir.SnapshotMeta{
			Serial:    snap.Serial,
			TakenAt:   snap.TakenAt,
			Resources: len(snap.Resources),
		})
	}
	return metas, nil
}

func (s *LocalStore) SnapshotAt(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error) {
	serials, err := s.serials(workspace)
	if err != nil {
		return nil, err
	}
	for _, have := range serials {
		if have == serial {
			return s.readSnapshot(workspace, serial)
		}
	}
	return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
}

func (s *LocalStore) Restore(ctx context.Context, workspace string, token *LockToken, serial int64) (*ir.Snapshot, error) {
	if err := s.validateToken(workspace, token); err != nil {
		return nil, err
	}
	target, err := s.SnapshotAt(ctx, workspace, serial)
	if err != nil {
		return nil, err
	}
	current, err := s.Read(ctx, workspace)
	if err != nil {
		return nil, err
	}
	restored := target.Clone()
	restored.Serial = current.Serial + 1
	restored.TakenAt = time.Now().UTC()
	if err := s.writeSnapshot(workspace, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *LocalStore) validateToken(workspace string, token *LockToken) error {
	if token == nil || token.Expired() {
		return &StaleLockError{Workspace: workspace}
	}
	held, err := s.readLock(workspace)
	if err != nil || held.ID != token.ID {
		return &StaleLockError{Workspace: workspace, ID: token.ID}
	}
	return nil
}

func (s *LocalStore) lockPath(workspace string) string {
	return filepath.Join(s.workspaceDir(workspace), lockFileName)
}

func (s *LocalStore) readLock(workspace string) (*LockToken, error) {
	data, err := os.ReadFile(s.lockPath(workspace))
	if err != nil {
		return nil, err
	}
	var token LockToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("corrupt lock file: %w", err)
	}
	return &token, nil
}

func (s *LocalStore) snapshotPath(workspace string, serial int64) string {
	return filepath.Join(s.workspaceDir(workspace), fmt.Sprintf("%s%08d%s", snapPrefix, serial, snapSuffix))
}

// serials lists snapshot serials on disk, ascending. A workspace directory
// with no snapshots is corrupt.
func (s *LocalStore) serials(workspace string) ([]int64, error) {
	entries, err := os.ReadDir(s.workspaceDir(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &WorkspaceNotFoundError{Workspace: workspace}
		}
		return nil, err
	}
	var serials []int64
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, snapPrefix) || !strings.HasSuffix(name, snapSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, snapPrefix), snapSuffix)
		serial, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		serials = append(serials, serial)
	}
	if len(serials) == 0 {
		return nil, fmt.Errorf("workspace %q has no snapshots", workspace)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })
	return serials, nil
}

func (s *LocalStore) readSnapshot(workspace string, serial int64) (*ir.Snapshot, error) {
	raw, err := os.ReadFile(s.snapshotPath(workspace, serial))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	raw, err = DecryptState(raw)
	if err != nil {
		return nil, err
	}
	var snap ir.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %d in workspace %q: %w", serial, workspace, err)
	}
	return &snap, nil
}

func (s *LocalStore) writeSnapshot(workspace string, snap *ir.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	data, err = EncryptState(data)
	if err != nil {
		return err
	}

	path := s.snapshotPath(workspace, snap.Serial)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

var _ Store = (*LocalStore)(nil)
