// Package lock manages lease-based task locks. A task has at most one active
// lock; soft and helper locks are advisory and may coexist with it.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/storage"
)

// Type is the kind of lock a session holds on a task.
type Type string

const (
	TypeActive Type = "active" // exclusive; the holder may change task status
	TypeSoft   Type = "soft"   // advisory interest
	TypeHelper Type = "helper" // granted to a session assisting the holder
)

// Valid reports whether t is a known lock type.
func (t Type) Valid() bool {
	return t == TypeActive || t == TypeSoft || t == TypeHelper
}

// Lock is a time-limited claim by a session on a task.
type Lock struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Type       Type      `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

var (
	// ErrLockHeld is returned when another session holds the active lock.
	ErrLockHeld = errors.New("lock held")

	// ErrNoLock is returned by Get when the session holds no lock on the task.
	ErrNoLock = errors.New("no lock")
)

// HeldError reports the session that holds a contested active lock.
// errors.Is(err, ErrLockHeld) is true for it.
type HeldError struct {
	TaskID string
	Holder string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("task %s: active lock held by %s", e.TaskID, e.Holder)
}

func (e *HeldError) Is(target error) bool { return target == ErrLockHeld }

const schema = `
CREATE TABLE IF NOT EXISTS locks (
	task_id     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	lock_type   TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	PRIMARY KEY (task_id, session_id)
)`

const (
	indexOneActive = `CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_one_active ON locks(task_id) WHERE lock_type = 'active'`
	indexSession   = `CREATE INDEX IF NOT EXISTS idx_locks_session ON locks(session_id)`
	indexExpiry    = `CREATE INDEX IF NOT EXISTS idx_locks_expiry ON locks(expires_at)`
)

const columns = `task_id, session_id, lock_type, acquired_at, expires_at`

// Manager persists locks in SQLite.
type Manager struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the lease clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager ensures the locks table exists on db.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if err := storage.Migrate(context.Background(), db, schema, indexOneActive, indexSession, indexExpiry); err != nil {
		return nil, fmt.Errorf("create locks schema: %w", err)
	}
	m := &Manager{db: db, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire grants sessionID a lock of type typ on taskID for ttl.
//
// An active lock held by a different session yields a *HeldError unless its
// lease has already expired, in which case it is replaced. Re-acquiring by the
// same session refreshes the lease. An existing active lock is never
// downgraded to soft or helper.
func (m *Manager) Acquire(ctx context.Context, taskID, sessionID string, typ Type, ttl time.Duration) (*Lock, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown lock type %q", typ)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	now := m.now().UTC()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if typ == TypeActive {
		holder, err := scanLock(tx.QueryRowContext(ctx,
			`SELECT `+columns+` FROM locks WHERE task_id = ? AND lock_type = 'active' AND session_id != ?`,
			taskID, sessionID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("check active lock: %w", err)
		case !holder.Expired(now):
			return nil, &HeldError{TaskID: taskID, Holder: holder.SessionID}
		default:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM locks WHERE task_id = ? AND session_id = ?`, taskID, holder.SessionID); err != nil {
				return nil, fmt.Errorf("replace expired lock: %w", err)
			}
		}
	}

	existing, err := scanLock(tx.QueryRowContext(ctx,
		`SELECT `+columns+` FROM locks WHERE task_id = ? AND session_id = ?`, taskID, sessionID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if err == nil && existing.Type == TypeActive && typ != TypeActive {
		return existing, tx.Commit()
	}

	l := &Lock{TaskID: taskID, SessionID: sessionID, Type: typ, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if err == nil && existing.Type == typ {
		l.AcquiredAt = existing.AcquiredAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (task_id, session_id, lock_type, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, session_id) DO UPDATE SET
			lock_type = excluded.lock_type,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`,
		l.TaskID, l.SessionID, string(l.Type), storage.Nanos(l.AcquiredAt), storage.Nanos(l.ExpiresAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrLockHeld)
		}
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire: %w", err)
	}
	return l, nil
}

// Release removes sessionID's lock on taskID. Releasing a lock that does not
// exist is not an error.
func (m *Manager) Release(ctx context.Context, taskID, sessionID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE task_id = ? AND session_id = ?`, taskID, sessionID)
	if err != nil {
		return fmt.Errorf("release lock %s/%s: %w", taskID, sessionID, err)
	}
	return nil
}

// ReleaseType removes sessionID's lock on taskID only if it has type typ.
func (m *Manager) ReleaseType(ctx context.Context, taskID, sessionID string, typ Type) error {
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM locks WHERE task_id = ? AND session_id = ? AND lock_type = ?`, taskID, sessionID, string(typ))
	if err != nil {
		return fmt.Errorf("release %s lock %s/%s: %w", typ, taskID, sessionID, err)
	}
	return nil
}

// ReleaseExpired removes sessionID's lock on taskID only if its lease lapsed
// at or before now, and reports whether a lock was removed.
func (m *Manager) ReleaseExpired(ctx context.Context, taskID, sessionID string, now time.Time) (bool, error) {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM locks WHERE task_id = ? AND session_id = ? AND expires_at <= ?`,
		taskID, sessionID, storage.Nanos(now))
	if err != nil {
		return false, fmt.Errorf("release expired lock %s/%s: %w", taskID, sessionID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseTask removes every lock on taskID and returns what was removed.
func (m *Manager) ReleaseTask(ctx context.Context, taskID string) ([]*Lock, error) {
	return m.deleteWhere(ctx, "task_id = ?", taskID)
}

// ReleaseAll removes every lock held by sessionID and returns what was removed.
func (m *Manager) ReleaseAll(ctx context.Context, sessionID string) ([]*Lock, error) {
	return m.deleteWhere(ctx, "session_id = ?", sessionID)
}

func (m *Manager) deleteWhere(ctx context.Context, where string, arg any) ([]*Lock, error) {
	locks, err := m.query(ctx, `SELECT `+columns+` FROM locks WHERE `+where, arg)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM locks WHERE `+where, arg); err != nil {
		return nil, fmt.Errorf("delete locks: %w", err)
	}
	return locks, nil
}

// Extend pushes the expiry of sessionID's unexpired locks to now+ttl and
// returns how many were extended. With no types only active locks are extended.
func (m *Manager) Extend(ctx context.Context, sessionID string, ttl time.Duration, types ...Type) (int64, error) {
	if len(types) == 0 {
		types = []Type{TypeActive}
	}
	now := m.now().UTC()
	args := []any{storage.Nanos(now.Add(ttl)), sessionID, storage.Nanos(now)}
	for _, t := range types {
		args = append(args, string(t))
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE session_id = ? AND expires_at > ? AND lock_type IN (`+
			placeholders(len(types))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("extend locks for %s: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// Get returns sessionID's lock on taskID or ErrNoLock.
func (m *Manager) Get(ctx context.Context, taskID, sessionID string) (*Lock, error) {
	l, err := scanLock(m.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM locks WHERE task_id = ? AND session_id = ?`, taskID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s session %s: %w", taskID, sessionID, ErrNoLock)
	}
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	return l, nil
}

// Active returns the active lock on taskID, or nil if there is none.
func (m *Manager) Active(ctx context.Context, taskID string) (*Lock, error) {
	l, err := scanLock(m.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM locks WHERE task_id = ? AND lock_type = 'active'`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active lock: %w", err)
	}
	return l, nil
}

// HoldsActive reports whether sessionID holds the active lock on taskID.
func (m *Manager) HoldsActive(ctx context.Context, taskID, sessionID string) (bool, error) {
	l, err := m.Active(ctx, taskID)
	if err != nil {
		return false, err
	}
	return l != nil && l.SessionID == sessionID, nil
}

// List returns every lock on taskID, active first.
func (m *Manager) List(ctx context.Context, taskID string) ([]*Lock, error) {
	return m.query(ctx, `SELECT `+columns+` FROM locks WHERE task_id = ?
		ORDER BY lock_type = 'active' DESC, acquired_at ASC`, taskID)
}

// ListBySession returns every lock held by sessionID.
func (m *Manager) ListBySession(ctx context.Context, sessionID string) ([]*Lock, error) {
	return m.query(ctx, `SELECT `+columns+` FROM locks WHERE session_id = ? ORDER BY acquired_at ASC`, sessionID)
}

// Expired returns the locks whose lease lapsed at or before now.
func (m *Manager) Expired(ctx context.Context, now time.Time) ([]*Lock, error) {
	return m.query(ctx, `SELECT `+columns+` FROM locks WHERE expires_at <= ? ORDER BY expires_at ASC`,
		storage.Nanos(now))
}

func (m *Manager) query(ctx context.Context, q string, args ...any) ([]*Lock, error) {
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var locks []*Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLock(s scanner) (*Lock, error) {
	var l Lock
	var typ string
	var acquired, expires int64
	if err := s.Scan(&l.TaskID, &l.SessionID, &typ, &acquired, &expires); err != nil {
		return nil, err
	}
	l.Type = Type(typ)
	l.AcquiredAt = storage.Time(acquired)
	l.ExpiresAt = storage.Time(expires)
	return &l, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
