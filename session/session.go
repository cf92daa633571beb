// Package session tracks connected agents and their liveness.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/google/uuid"
)

// Status is the liveness state of a session.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrUnknownSession is returned for session IDs that do not exist or are offline.
var ErrUnknownSession = errors.New("unknown session")

// Session is one connected agent.
type Session struct {
	ID            string    `json:"id"`
	AgentName     string    `json:"agent_name"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Online reports whether the session is online.
func (s *Session) Online() bool { return s.Status == StatusOnline }

// LockExtender extends a session's lock leases on heartbeat.
type LockExtender interface {
	Extend(ctx context.Context, sessionID string, ttl time.Duration, types ...lock.Type) (int64, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	agent_name     TEXT NOT NULL,
	capabilities   TEXT NOT NULL DEFAULT '[]',
	last_heartbeat INTEGER NOT NULL,
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL
)`

const columns = `id, agent_name, capabilities, last_heartbeat, status, created_at`

// DefaultLease is the lock lease applied on heartbeat when none is configured.
const DefaultLease = 60 * time.Minute

// Registry persists sessions in SQLite.
type Registry struct {
	db    *sql.DB
	locks LockExtender
	now   func() time.Time
	lease atomic.Int64
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the heartbeat clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLease sets the lock lease granted on each heartbeat.
func WithLease(d time.Duration) Option {
	return func(r *Registry) { r.SetLease(d) }
}

// NewRegistry ensures the sessions table exists. locks may be nil, in which
// case heartbeats only refresh liveness.
func NewRegistry(db *sql.DB, locks LockExtender, opts ...Option) (*Registry, error) {
	if err := storage.Migrate(context.Background(), db, schema); err != nil {
		return nil, fmt.Errorf("create sessions schema: %w", err)
	}
	r := &Registry{db: db, locks: locks, now: time.Now}
	r.lease.Store(int64(DefaultLease))
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetLease changes the lease window used by Heartbeat. Non-positive values are ignored.
func (r *Registry) SetLease(d time.Duration) {
	if d > 0 {
		r.lease.Store(int64(d))
	}
}

// Lease returns the current lease window.
func (r *Registry) Lease() time.Duration { return time.Duration(r.lease.Load()) }

// CheckIn registers a new online session.
func (r *Registry) CheckIn(ctx context.Context, agentName string, capabilities []string) (*Session, error) {
	agentName = strings.TrimSpace(agentName)
	if agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	now := r.now().UTC()
	s := &Session{
		ID:            uuid.New().String(),
		AgentName:     agentName,
		Capabilities:  normalizeCaps(capabilities),
		LastHeartbeat: now,
		Status:        StatusOnline,
		CreatedAt:     now,
	}
	caps, _ := json.Marshal(s.Capabilities)
	if len(s.Capabilities) == 0 {
		s.Capabilities = nil
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (`+columns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentName, string(caps), storage.Nanos(now), string(s.Status), storage.Nanos(now))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// Heartbeat refreshes liveness for an online session and extends its active
// and helper lock leases.
func (r *Registry) Heartbeat(ctx context.Context, id string) (*Session, error) {
	now := r.now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = ? WHERE id = ? AND status = 'online'`, storage.Nanos(now), id)
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	if r.locks != nil {
		if _, err := r.locks.Extend(ctx, id, r.Lease(), lock.TypeActive, lock.TypeHelper); err != nil {
			return nil, fmt.Errorf("extend leases for %s: %w", id, err)
		}
	}
	return r.Get(ctx, id)
}

// MarkOffline transitions the session to offline.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = 'offline' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark offline %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

// Get returns the session regardless of status.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// Require returns the session if it exists and is online.
func (r *Registry) Require(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("missing session id: %w", ErrUnknownSession)
	}
	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Online() {
		return nil, fmt.Errorf("session %s is offline: %w", id, ErrUnknownSession)
	}
	return s, nil
}

// List returns sessions, most recently seen first.
func (r *Registry) List(ctx context.Context, onlineOnly bool) ([]*Session, error) {
	q := `SELECT ` + columns + ` FROM sessions`
	if onlineOnly {
		q += ` WHERE status = 'online'`
	}
	q += ` ORDER BY last_heartbeat DESC, id ASC`

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkStale marks offline every online session whose last heartbeat is older
// than timeout and returns the IDs it changed. The check and the update are
// one statement, so a session that heartbeats concurrently is never reported.
func (r *Registry) MarkStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := storage.Nanos(r.now().UTC().Add(-timeout))
	rows, err := r.db.QueryContext(ctx,
		`UPDATE sessions SET status = 'offline' WHERE status = 'online' AND last_heartbeat < ? RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	var caps, status string
	var hb, created int64
	if err := sc.Scan(&s.ID, &s.AgentName, &caps, &hb, &status, &created); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(caps), &s.Capabilities)
	if len(s.Capabilities) == 0 {
		s.Capabilities = nil
	}
	s.Status = Status(status)
	s.LastHeartbeat = storage.Time(hb)
	s.CreatedAt = storage.Time(created)
	return &s, nil
}

func normalizeCaps(caps []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
