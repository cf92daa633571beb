// Package diag records structured failure records for failed and reclaimed
// tasks so that an external self-healing collaborator can react to them.
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/google/uuid"
)

// Kind classifies a failure record.
type Kind string

const (
	KindFailed    Kind = "failed"    // the holder called Fail
	KindReclaimed Kind = "reclaimed" // the lease expired and the reaper requeued the task
)

// FailureRecord describes one failure event.
type FailureRecord struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	ErrorMessage string    `json:"error_message"`
	Kind         Kind      `json:"kind"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
}

const schema = `
CREATE TABLE IF NOT EXISTS failures (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	signature     TEXT NOT NULL,
	created_at    INTEGER NOT NULL
)`

const indexTask = `CREATE INDEX IF NOT EXISTS idx_failures_task ON failures(task_id, created_at)`

// Recorder persists failure records and broadcasts them.
type Recorder struct {
	db     *sql.DB
	pub    comms.Publisher
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLogger sets the recorder's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder ensures the failures table exists. pub may be nil.
func NewRecorder(db *sql.DB, pub comms.Publisher, opts ...Option) (*Recorder, error) {
	if err := storage.Migrate(context.Background(), db, schema, indexTask); err != nil {
		return nil, fmt.Errorf("create failures schema: %w", err)
	}
	if pub == nil {
		pub = comms.Nop{}
	}
	r := &Recorder{db: db, pub: pub, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record fills in ID, Signature and Timestamp when empty, persists rec and
// publishes a diagnostic.failure event.
func (r *Recorder) Record(ctx context.Context, rec FailureRecord) (*FailureRecord, error) {
	if rec.TaskID == "" {
		return nil, fmt.Errorf("failure record requires a task id")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Kind == "" {
		rec.Kind = KindFailed
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}
	if rec.Signature == "" {
		rec.Signature = Signature(string(rec.Kind), rec.ErrorMessage)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failures (id, task_id, session_id, error_message, kind, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.SessionID, rec.ErrorMessage, string(rec.Kind), rec.Signature,
		storage.Nanos(rec.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("insert failure record: %w", err)
	}

	r.logger.Info("task failure recorded",
		slog.String("task", rec.TaskID),
		slog.String("session", rec.SessionID),
		slog.String("kind", string(rec.Kind)),
		slog.String("signature", rec.Signature),
	)
	out := rec
	r.pub.Publish(comms.Event{
		Kind:      comms.KindDiagnosticFailure,
		TaskID:    rec.TaskID,
		SessionID: rec.SessionID,
		Data:      &out,
	})
	return &rec, nil
}

// List returns failure records, newest first. An empty taskID lists all tasks.
// A limit of zero or less defaults to 100.
func (r *Recorder) List(ctx context.Context, taskID string, limit int) ([]*FailureRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, task_id, session_id, error_message, kind, signature, created_at FROM failures`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FailureRecord
	for rows.Next() {
		var rec FailureRecord
		var kind string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.SessionID, &rec.ErrorMessage, &kind,
			&rec.Signature, &created); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.Timestamp = storage.Time(created)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

var (
	reUUID   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	reHex    = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b|\b[0-9a-fA-F]{8,}\b`)
	reNumber = regexp.MustCompile(`\d+`)
	reSpace  = regexp.MustCompile(`\s+`)
)

// Signature normalises an error message so that failures differing only in
// identifiers, addresses or counts share a signature.
func Signature(kind, msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = reUUID.ReplaceAllString(s, "<id>")
	s = reHex.ReplaceAllString(s, "<hex>")
	s = reNumber.ReplaceAllString(s, "<n>")
	s = reSpace.ReplaceAllString(s, " ")
	if s == "" {
		return kind
	}
	return kind + ":" + s
}
