package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/baton/storage"
	"github.com/google/uuid"
)

// Store persists and retrieves tasks. CompareAndSwap is the only write path for
// existing tasks.
type Store interface {
	// Create persists a new queued task and returns its ID.
	Create(ctx context.Context, t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter ordered by priority (highest first)
	// then creation time (oldest first).
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// CompareAndSwap applies m to the task if its version still equals expected,
	// incrementing the version. It returns the stored result.
	CompareAndSwap(ctx context.Context, id string, expected int64, m Mutation) (*Task, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	priority       TEXT NOT NULL,
	priority_rank  INTEGER NOT NULL,
	status         TEXT NOT NULL,
	depends_on     TEXT NOT NULL DEFAULT '[]',
	assignee       TEXT NOT NULL DEFAULT '',
	version        INTEGER NOT NULL,
	labels         TEXT NOT NULL DEFAULT '[]',
	reserved       TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	result         TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);`

const indexClaimOrder = `CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority_rank DESC, created_at ASC)`

const columns = `id, title, description, priority, status, depends_on, assignee, version,
	labels, reserved, blocked_reason, result, error, created_at, updated_at`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Option customises a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore ensures the tasks table exists on db.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if err := storage.Migrate(context.Background(), db, schema, indexClaimOrder); err != nil {
		return nil, fmt.Errorf("create tasks schema: %w", err)
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create validates t and inserts it with status queued and version 1.
// An empty ID is replaced by a random UUID. Every dependency must already exist.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) (string, error) {
	if strings.TrimSpace(t.Title) == "" {
		return "", fmt.Errorf("task title is required: %w", ErrInvalid)
	}
	p, err := ParsePriority(string(t.Priority))
	if err != nil {
		return "", err
	}
	t.Priority = p
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if slices.Contains(t.DependsOn, t.ID) {
		return "", fmt.Errorf("task %s depends on itself: %w", t.ID, ErrInvalidTransition)
	}
	t.DependsOn = dedupe(t.DependsOn)
	t.Labels = normalizeLabels(t.Labels)
	for _, dep := range t.DependsOn {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dependency %s: %w", dep, ErrUnknownTask)
		}
		if err != nil {
			return "", fmt.Errorf("check dependency %s: %w", dep, err)
		}
	}

	now := s.now().UTC()
	t.Status = StatusQueued
	t.Assignee = ""
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	dependsOn, _ := json.Marshal(nonNil(t.DependsOn))
	labels, _ := json.Marshal(nonNil(t.Labels))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, title, description, priority, priority_rank, status, depends_on, assignee, version,
			 labels, reserved, blocked_reason, result, error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Priority), t.Priority.Rank(), string(t.Status),
		string(dependsOn), t.Assignee, t.Version,
		string(labels), t.Reserved, t.BlockedReason, t.Result, t.Error,
		storage.Nanos(t.CreatedAt), storage.Nanos(t.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", fmt.Errorf("task %s: %w", t.ID, ErrExists)
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching the filter in claim order.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if len(filter.Statuses) > 0 {
		q.WriteString(" AND status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",") + ")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, filter.Assignee)
	}
	if filter.Label != "" {
		q.WriteString(" AND EXISTS (SELECT 1 FROM json_each(tasks.labels) WHERE json_each.value = ?)")
		args = append(args, strings.ToLower(strings.TrimSpace(filter.Label)))
	}
	if filter.ExcludeReserved {
		q.WriteString(" AND reserved=''")
	}
	q.WriteString(" ORDER BY priority_rank DESC, created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CompareAndSwap reads the task, checks its version, applies m to a copy,
// validates the status change and writes it back guarded by the version.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expected int64, m Mutation) (*Task, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expected {
		return nil, fmt.Errorf("task %s at version %d, expected %d: %w", id, cur.Version, expected, ErrConflict)
	}

	next := cur.Clone()
	if err := m(next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status && !CanTransition(cur.Status, next.Status) {
		return nil, fmt.Errorf("task %s %s -> %s: %w", id, cur.Status, next.Status, ErrInvalidTransition)
	}
	p, err := ParsePriority(string(next.Priority))
	if err != nil {
		return nil, err
	}
	next.Priority = p
	next.Labels = normalizeLabels(next.Labels)
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()

	dependsOn, _ := json.Marshal(nonNil(next.DependsOn))
	labels, _ := json.Marshal(nonNil(next.Labels))

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title=?, description=?, priority=?, priority_rank=?, status=?, depends_on=?, assignee=?,
			version=?, labels=?, reserved=?, blocked_reason=?, result=?, error=?, updated_at=?
		WHERE id=? AND version=?`,
		next.Title, next.Description, string(next.Priority), next.Priority.Rank(), string(next.Status),
		string(dependsOn), next.Assignee,
		next.Version, string(labels), next.Reserved, next.BlockedReason, next.Result, next.Error,
		storage.Nanos(next.UpdatedAt),
		id, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s changed concurrently: %w", id, ErrConflict)
	}
	return next, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var priority, status, dependsOnJSON, labelsJSON string
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &priority, &status,
		&dependsOnJSON, &t.Assignee, &t.Version,
		&labelsJSON, &t.Reserved, &t.BlockedReason, &t.Result, &t.Error,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Priority = Priority(priority)
	t.Status = Status(status)
	t.CreatedAt = storage.Time(createdAt)
	t.UpdatedAt = storage.Time(updatedAt)

	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(labelsJSON), &t.Labels)
	if len(t.DependsOn) == 0 {
		t.DependsOn = nil
	}
	if len(t.Labels) == 0 {
		t.Labels = nil
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// normalizeLabels lower-cases and dedupes labels so they compare equal to
// session capabilities.
func normalizeLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
