// Package state persists resource instances as append-only, serial-numbered
// snapshots partitioned by workspace, and manages the advisory workspace lock
// that serializes writers.
package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-iac/stratus/internal/ir"
)

// DefaultLockTTL is how long a lock token stays valid without renewal.
// Matches the staleness window after which an abandoned lock is broken.
const DefaultLockTTL = 10 * time.Minute

// DefaultWorkspace always exists and cannot be deleted.
const DefaultWorkspace = "default"

// LockToken proves lock ownership for a workspace. Commit rejects tokens that
// expired or were superseded.
type LockToken struct {
	ID         string    `json:"id"`
	Workspace  string    `json:"workspace"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the token's TTL has lapsed.
func (t *LockToken) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// LockOptions control lock acquisition.
type LockOptions struct {
	// Wait polls until the lock frees instead of failing fast.
	Wait bool
	// Holder identifies the owner in conflict errors; defaults to pid@host.
	Holder string
	// TTL overrides DefaultLockTTL.
	TTL time.Duration
}

// Mutation is one instance-level change inside an atomic commit.
type Mutation struct {
	// Instance is the new record; nil when Remove is set.
	Instance *ir.ResourceInstance
	// Addr identifies the record to remove.
	Addr string
	// Remove deletes the record instead of upserting it.
	Remove bool
	// ExpectedVersion is the stored version the writer observed; zero means
	// the instance must not exist yet.
	ExpectedVersion int64
}

// Store is the durable mapping from (workspace, resource identity) to
// resource instance, with snapshot history and lock management. Reads never
// block on the lock; all mutating operations are all-or-nothing.
type Store interface {
	CreateWorkspace(ctx context.Context, name string) error
	// DeleteWorkspace fails with WorkspaceNotEmptyError while any resource
	// instance remains.
	DeleteWorkspace(ctx context.Context, name string) error
	ListWorkspaces(ctx context.Context) ([]string, error)

	AcquireLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, error)
	// ReleaseLock must be called on every exit path of a locked section.
	ReleaseLock(ctx context.Context, token *LockToken) error

	// Read returns the last committed snapshot; an empty snapshot for a
	// workspace that exists but was never written.
	Read(ctx context.Context, workspace string) (*ir.Snapshot, error)

	// Commit atomically applies mutations as a new snapshot and returns it.
	Commit(ctx context.Context, workspace string, token *LockToken, muts []Mutation) (*ir.Snapshot, error)

	// Snapshots lists historical snapshots, oldest first.
	Snapshots(ctx context.Context, workspace string) ([]ir.SnapshotMeta, error)
	// SnapshotAt returns the historical snapshot with the given serial.
	SnapshotAt(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error)
	// Restore appends a new snapshot with the contents of an old serial.
	// History is never rewritten.
	Restore(ctx context.Context, workspace string, token *LockToken, serial int64) (*ir.Snapshot, error)
}

// defaultHolder identifies this process in lock records.
func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%d@%s", os.Getpid(), host)
}

// newLockToken builds a token with defaults filled in.
func newLockToken(workspace string, opts LockOptions) *LockToken {
	holder := opts.Holder
	if holder == "" {
		holder = defaultHolder()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := time.Now()
	return &LockToken{
		ID:         uuid.New().String(),
		Workspace:  workspace,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

// nextSnapshot validates mutations against base and produces the successor
// snapshot. The base is never modified.
func nextSnapshot(base *ir.Snapshot, muts []Mutation) (*ir.Snapshot, error) {
	next := base.Clone()
	next.Serial = base.Serial + 1
	next.TakenAt = time.Now().UTC()
	if next.Lineage == "" {
		next.Lineage = uuid.New().String()
	}

	index := make(map[string]int, len(next.Resources))
	for i, inst := range next.Resources {
		index[inst.Addr()] = i
	}

	for _, mut := range muts {
		if mut.Remove {
			i, ok := index[mut.Addr]
			if !ok {
				return nil, &VersionConflictError{Addr: mut.Addr, Expected: mut.ExpectedVersion, Actual: 0}
			}
			if next.Resources[i].Version != mut.ExpectedVersion {
				return nil, &VersionConflictError{
					Addr:     mut.Addr,
					Expected: mut.ExpectedVersion,
					Actual:   next.Resources[i].Version,
				}
			}
			next.Resources = append(next.Resources[:i], next.Resources[i+1:]...)
			index = reindex(next.Resources)
			continue
		}

		if mut.Instance == nil {
			return nil, fmt.Errorf("mutation without instance or removal target")
		}
		addr := mut.Instance.Addr()
		record := mut.Instance.Clone()
		record.Version = mut.ExpectedVersion + 1

		if i, exists := index[addr]; exists {
			if mut.ExpectedVersion == 0 {
				return nil, &VersionConflictError{Addr: addr, Expected: 0, Actual: next.Resources[i].Version}
			}
			if next.Resources[i].Version != mut.ExpectedVersion {
				return nil, &VersionConflictError{
					Addr:     addr,
					Expected: mut.ExpectedVersion,
					Actual:   next.Resources[i].Version,
				}
			}
			next.Resources[i] = record
		} else {
			if mut.ExpectedVersion != 0 {
				return nil, &VersionConflictError{Addr: addr, Expected: mut.ExpectedVersion, Actual: 0}
			}
			next.Resources = append(next.Resources, record)
			index[addr] = len(next.Resources) - 1
		}
	}

	return next, nil
}

func reindex(instances []*ir.ResourceInstance) map[string]int {
	index := make(map[string]int, len(instances))
	for i, inst := range instances {
		index[inst.Addr()] = i
	}
	return index
}

// emptySnapshot is the zero state of a freshly created workspace.
func emptySnapshot() *ir.Snapshot {
	return &ir.Snapshot{
		Serial:  0,
		Lineage: uuid.New().String(),
		TakenAt: time.Now().UTC(),
	}
}
