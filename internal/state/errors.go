package state

import (
	"fmt"
	"time"
)

// LockConflictError means another holder owns the workspace lock. Callers may
// retry after backoff; the store never retries on its own.
type LockConflictError struct {
	Workspace  string
	Holder     string
	AcquiredAt time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("workspace %q is locked by %s since %s",
		e.Workspace, e.Holder, e.AcquiredAt.UTC().Format(time.RFC3339))
}

// StaleLockError means a commit presented a token that expired or was
// superseded. The caller must re-acquire the lock and re-plan.
type StaleLockError struct {
	Workspace string
	ID        string
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("lock token %s for workspace %q is no longer valid", e.ID, e.Workspace)
}

// VersionConflictError signals optimistic-concurrency failure: the stored
// instance version does not match what the writer expected.
type VersionConflictError struct {
	Addr     string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, found %d", e.Addr, e.Expected, e.Actual)
}

// WorkspaceNotEmptyError rejects deletion of a workspace that still tracks
// resources.
type WorkspaceNotEmptyError struct {
	Workspace string
	Resources int
}

func (e *WorkspaceNotEmptyError) Error() string {
	return fmt.Sprintf("workspace %q still tracks %d resource(s)", e.Workspace, e.Resources)
}

// WorkspaceExistsError rejects creating a workspace twice.
type WorkspaceExistsError struct {
	Workspace string
}

func (e *WorkspaceExistsError) Error() string {
	return fmt.Sprintf("workspace %q already exists", e.Workspace)
}

// WorkspaceNotFoundError reports an operation on an unknown workspace.
type WorkspaceNotFoundError struct {
	Workspace string
}

func (e *WorkspaceNotFoundError) Error() string {
	return fmt.Sprintf("workspace %q does not exist", e.Workspace)
}

// SnapshotNotFoundError reports a point-in-time read of a missing serial.
type SnapshotNotFoundError struct {
	Workspace string
	Serial    int64
}

func (e *SnapshotNotFoundError) Error() string {
	return fmt.Sprintf("workspace %q has no snapshot with serial %d", e.Workspace, e.Serial)
}
