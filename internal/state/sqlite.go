package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stratus-iac/stratus/internal/ir"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists workspaces, append-only snapshots, and locks in a
// single SQLite database. Suitable for a shared state file on one machine or
// a network volume with exclusive access.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path, runs migrations, and ensures the
// default workspace exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; SQLite serializes anyway
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.ensureWorkspace(ctx, DefaultWorkspace); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureWorkspace(ctx context.Context, name string) error {
	err := s.CreateWorkspace(ctx, name)
	var exists *WorkspaceExistsError
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

func (s *SQLiteStore) CreateWorkspace(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT name FROM workspaces WHERE name = ?`, name).Scan(&existing)
	if err == nil {
		return &WorkspaceExistsError{Workspace: name}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO workspaces (name, created_at) VALUES (?, ?)`, name, now); err != nil {
		return err
	}
	if err := insertSnapshot(ctx, tx, name, emptySnapshot()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, name string) error {
	if name == DefaultWorkspace {
		return fmt.Errorf("cannot delete the default workspace")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := latestSnapshot(ctx, tx, name)
	if err != nil {
		return err
	}
	if !current.Empty() {
		return &WorkspaceNotEmptyError{Workspace: name, Resources: len(current.Resources)}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE name = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) AcquireLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, error) {
	for {
		token, conflict, err := s.tryLock(ctx, workspace, opts)
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

func (s *SQLiteStore) tryLock(ctx context.Context, workspace string, opts LockOptions) (*LockToken, *LockConflictError, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT name FROM workspaces WHERE name = ?`, workspace).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if err != nil {
		return nil, nil, err
	}

	var holder, acquiredAt, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT holder, acquired_at, expires_at FROM locks WHERE workspace = ?`, workspace).
		Scan(&holder, &acquiredAt, &expiresAt)
	switch {
	case err == nil:
		expiry, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr == nil && time.Now().After(expiry) {
			// Abandoned lock: break it and fall through to acquire.
			if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE workspace = ?`, workspace); err != nil {
				return nil, nil, err
			}
		} else {
			acquired, _ := time.Parse(time.RFC3339Nano, acquiredAt)
			return nil, &LockConflictError{Workspace: workspace, Holder: holder, AcquiredAt: acquired}, nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, nil, err
	}

	token := newLockToken(workspace, opts)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (workspace, id, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		workspace, token.ID, token.Holder,
		token.AcquiredAt.UTC().Format(time.RFC3339Nano),
		token.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return token, nil, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, token *LockToken) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE workspace = ? AND id = ?`, token.Workspace, token.ID)
	return err
}

func (s *SQLiteStore) Read(ctx context.Context, workspace string) (*ir.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return latestSnapshot(ctx, tx, workspace)
}

func (s *SQLiteStore) Commit(ctx context.Context, workspace string, token *LockToken, muts []Mutation) (*ir.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := validateTokenTx(ctx, tx, workspace, token); err != nil {
		return nil, err
	}
	current, err := latestSnapshot(ctx, tx, workspace)
	if err != nil {
		return nil, err
	}
	next, err := nextSnapshot(current, muts)
	if err != nil {
		return nil, err
	}
	if err := insertSnapshot(ctx, tx, workspace, next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *SQLiteStore) Snapshots(ctx context.Context, workspace string) ([]ir.SnapshotMeta, error) {
	if err := s.requireWorkspace(ctx, workspace); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial, taken_at, resources FROM snapshots WHERE workspace = ? ORDER BY serial`, workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []ir.SnapshotMeta
	for rows.Next() {
		var meta ir.SnapshotMeta
		var takenAt string
		if err := rows.Scan(&meta.Serial, &takenAt, &meta.Resources); err != nil {
			return nil, err
		}
		meta.TakenAt, _ = time.Parse(time.RFC3339Nano, takenAt)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *SQLiteStore) SnapshotAt(ctx context.Context, workspace string, serial int64) (*ir.Snapshot, error) {
	if err := s.requireWorkspace(ctx, workspace); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE workspace = ? AND serial = ?`, workspace, serial).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(data))
}

func (s *SQLiteStore) Restore(ctx context.Context, workspace string, token *LockToken, serial int64) (*ir.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := validateTokenTx(ctx, tx, workspace, token); err != nil {
		return nil, err
	}
	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE workspace = ? AND serial = ?`, workspace, serial).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SnapshotNotFoundError{Workspace: workspace, Serial: serial}
	}
	if err != nil {
		return nil, err
	}
	target, err := decodeSnapshot([]byte(data))
	if err != nil {
		return nil, err
	}
	current, err := latestSnapshot(ctx, tx, workspace)
	if err != nil {
		return nil, err
	}

	restored := target.Clone()
	restored.Serial = current.Serial + 1
	restored.TakenAt = time.Now().UTC()
	if err := insertSnapshot(ctx, tx, workspace, restored); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return restored, nil
}

func (s *SQLiteStore) requireWorkspace(ctx context.Context, workspace string) error {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM workspaces WHERE name = ?`, workspace).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return &WorkspaceNotFoundError{Workspace: workspace}
	}
	return err
}

func validateTokenTx(ctx context.Context, tx *sql.Tx, workspace string, token *LockToken) error {
	if token == nil || token.Expired() {
		return &StaleLockError{Workspace: workspace}
	}
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM locks WHERE workspace = ?`, workspace).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && id != token.ID) {
		return &StaleLockError{Workspace: workspace, ID: token.ID}
	}
	return err
}

func latestSnapshot(ctx context.Context, tx *sql.Tx, workspace string) (*ir.Snapshot, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE workspace = ? ORDER BY serial DESC LIMIT 1`, workspace).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &WorkspaceNotFoundError{Workspace: workspace}
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot([]byte(data))
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, workspace string, snap *ir.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (workspace, serial, taken_at, resources, data) VALUES (?, ?, ?, ?, ?)`,
		workspace, snap.Serial, snap.TakenAt.UTC().Format(time.RFC3339Nano), len(snap.Resources), string(data))
	return err
}

func decodeSnapshot(data []byte) (*ir.Snapshot, error) {
	var snap ir.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt snapshot record: %w", err)
	}
	return &snap, nil
}

var _ Store = (*SQLiteStore)(nil)
