// Package handoff passes context objects between sessions working on the
// same task. Each task has at most one live handoff; it is archived after it
// has been read a bounded number of times.
package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/GoCodeAlone/baton/task"
)

// ErrNoHandoff is returned when a task has no live handoff.
var ErrNoHandoff = errors.New("no handoff for task")

// DefaultMaxReads is how many reads a handoff survives before archiving.
const DefaultMaxReads = 3

// Object is the context one session leaves for the next.
type Object struct {
	TaskID      string          `json:"task_id"`
	FromSession string          `json:"from_session"`
	ToSession   string          `json:"to_session,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	Reads       int             `json:"reads"`
	Archived    bool            `json:"archived"`
}

const schema = `
CREATE TABLE IF NOT EXISTS handoffs (
	task_id      TEXT PRIMARY KEY,
	from_session TEXT NOT NULL,
	to_session   TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	reads        INTEGER NOT NULL DEFAULT 0
)`

const archiveSchema = `
CREATE TABLE IF NOT EXISTS handoff_archive (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id      TEXT NOT NULL,
	from_session TEXT NOT NULL,
	to_session   TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	reads        INTEGER NOT NULL,
	archived_at  INTEGER NOT NULL
)`

const archiveIndex = `CREATE INDEX IF NOT EXISTS idx_handoff_archive_task ON handoff_archive(task_id, archived_at)`

const columns = `task_id, from_session, to_session, payload, created_at, reads`

// Relay stores handoffs and pushes them to connected targets.
type Relay struct {
	db       *sql.DB
	pub      comms.Publisher
	now      func() time.Time
	logger   *slog.Logger
	maxReads atomic.Int64
}

// Option customises a Relay.
type Option func(*Relay)

func WithPublisher(p comms.Publisher) Option { return func(r *Relay) { r.pub = p } }
func WithClock(now func() time.Time) Option  { return func(r *Relay) { r.now = now } }
func WithLogger(l *slog.Logger) Option       { return func(r *Relay) { r.logger = l } }
func WithMaxReads(n int) Option              { return func(r *Relay) { r.SetMaxReads(n) } }

// NewRelay ensures the handoff tables exist.
func NewRelay(db *sql.DB, opts ...Option) (*Relay, error) {
	if err := storage.Migrate(context.Background(), db, schema, archiveSchema, archiveIndex); err != nil {
		return nil, fmt.Errorf("create handoff schema: %w", err)
	}
	r := &Relay{db: db, pub: comms.Nop{}, now: time.Now, logger: slog.Default()}
	r.maxReads.Store(DefaultMaxReads)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetMaxReads changes the read budget for handoffs. Values below 1 are ignored.
func (r *Relay) SetMaxReads(n int) {
	if n > 0 {
		r.maxReads.Store(int64(n))
	}
}

// Relay stores obj as the task's handoff, replacing any previous one, and
// reports whether it was pushed to a connected ToSession.
func (r *Relay) Relay(ctx context.Context, obj Object) (bool, error) {
	if obj.TaskID == "" || obj.FromSession == "" {
		return false, fmt.Errorf("handoff requires task and sender")
	}
	if len(obj.Payload) == 0 {
		obj.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(obj.Payload) {
		return false, fmt.Errorf("handoff payload is not valid JSON")
	}
	obj.CreatedAt = r.now().UTC()
	obj.Reads = 0
	obj.Archived = false

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO handoffs (`+columns+`) VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(task_id) DO UPDATE SET
			from_session = excluded.from_session,
			to_session = excluded.to_session,
			payload = excluded.payload,
			created_at = excluded.created_at,
			reads = 0`,
		obj.TaskID, obj.FromSession, obj.ToSession, string(obj.Payload), storage.Nanos(obj.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("store handoff: %w", err)
	}

	delivered := false
	if obj.ToSession != "" && r.pub.Connected(obj.ToSession) {
		out := obj
		delivered = r.pub.Send(obj.ToSession, comms.Event{
			Kind:      comms.KindHandoffDelivered,
			TaskID:    obj.TaskID,
			SessionID: obj.FromSession,
			Data:      &out,
		})
	}
	r.logger.Info("handoff stored",
		slog.String("task", obj.TaskID),
		slog.String("from", obj.FromSession),
		slog.String("to", obj.ToSession),
		slog.Bool("delivered", delivered),
	)
	return delivered, nil
}

// GetContext reads the task's handoff on behalf of sessionID and counts the
// read. The read that exhausts the budget archives the handoff and returns it
// with Archived set.
func (r *Relay) GetContext(ctx context.Context, taskID, sessionID string) (*Object, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin handoff read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	obj, err := scanObject(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM handoffs WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoHandoff)
	}
	if err != nil {
		return nil, fmt.Errorf("read handoff: %w", err)
	}
	if obj.ToSession != "" && obj.ToSession != sessionID {
		return nil, fmt.Errorf("handoff for %s is addressed to %s: %w", taskID, obj.ToSession, task.ErrNotAuthorized)
	}

	obj.Reads++
	if int64(obj.Reads) >= r.maxReads.Load() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO handoff_archive (task_id, from_session, to_session, payload, created_at, reads, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			obj.TaskID, obj.FromSession, obj.ToSession, string(obj.Payload), storage.Nanos(obj.CreatedAt),
			obj.Reads, storage.Nanos(r.now().UTC())); err != nil {
			return nil, fmt.Errorf("archive handoff: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM handoffs WHERE task_id = ?`, taskID); err != nil {
			return nil, fmt.Errorf("archive handoff: %w", err)
		}
		obj.Archived = true
	} else if _, err := tx.ExecContext(ctx, `UPDATE handoffs SET reads = ? WHERE task_id = ?`, obj.Reads, taskID); err != nil {
		return nil, fmt.Errorf("count handoff read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit handoff read: %w", err)
	}
	if obj.Archived {
		r.logger.Debug("handoff archived", slog.String("task", taskID), slog.Int("reads", obj.Reads))
	}
	return obj, nil
}

// History returns the archived handoffs for taskID, oldest first.
func (r *Relay) History(ctx context.Context, taskID string) ([]*Object, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+columns+` FROM handoff_archive WHERE task_id = ? ORDER BY archived_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list handoff history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		obj.Archived = true
		out = append(out, obj)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(s scanner) (*Object, error) {
	var o Object
	var payload string
	var created int64
	if err := s.Scan(&o.TaskID, &o.FromSession, &o.ToSession, &payload, &created, &o.Reads); err != nil {
		return nil, err
	}
	o.Payload = json.RawMessage(payload)
	o.CreatedAt = storage.Time(created)
	return &o, nil
}
