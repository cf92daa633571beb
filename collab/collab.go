// Package collab implements help requests between agents: a task holder asks
// for help, another session accepts and receives a helper lock, and the
// requester closes the request.
package collab

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/storage"
	"github.com/GoCodeAlone/baton/task"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a help request.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	// StatusClosed marks an open request whose task left the requester's
	// hands before anyone accepted it.
	StatusClosed Status = "closed"
)

// Urgency levels, lowest first.
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

func urgencyRank(u string) int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyNormal:
		return 2
	case UrgencyHigh:
		return 3
	case UrgencyCritical:
		return 4
	}
	return 0
}

var (
	// ErrNotFound is returned for unknown help request IDs.
	ErrNotFound = errors.New("help request not found")

	// ErrInvalidState is returned when a request is not in a state that
	// permits the operation.
	ErrInvalidState = errors.New("invalid help request state")
)

// HelpRequest asks other sessions for assistance with a held task.
type HelpRequest struct {
	ID                 string    `json:"id"`
	TaskID             string    `json:"task_id"`
	RequesterSessionID string    `json:"requester_session_id"`
	HelperSessionID    string    `json:"helper_session_id,omitempty"`
	HelpType           string    `json:"help_type"`
	Urgency            string    `json:"urgency"`
	Context            string    `json:"context,omitempty"`
	Status             Status    `json:"status"`
	Outcome            string    `json:"outcome,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Locker is the subset of lock.Manager the service needs.
type Locker interface {
	HoldsActive(ctx context.Context, taskID, sessionID string) (bool, error)
	Acquire(ctx context.Context, taskID, sessionID string, typ lock.Type, ttl time.Duration) (*lock.Lock, error)
	ReleaseType(ctx context.Context, taskID, sessionID string, typ lock.Type) error
}

// SessionLister lists sessions for FindBestAgent.
type SessionLister interface {
	List(ctx context.Context, onlineOnly bool) ([]*session.Session, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS help_requests (
	id                   TEXT PRIMARY KEY,
	task_id              TEXT NOT NULL,
	requester_session_id TEXT NOT NULL,
	helper_session_id    TEXT NOT NULL DEFAULT '',
	help_type            TEXT NOT NULL,
	urgency              TEXT NOT NULL,
	urgency_rank         INTEGER NOT NULL,
	context              TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	outcome              TEXT NOT NULL DEFAULT '',
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
)`

const indexStatus = `CREATE INDEX IF NOT EXISTS idx_help_status ON help_requests(status, urgency_rank DESC, created_at ASC)`

const columns = `id, task_id, requester_session_id, helper_session_id, help_type, urgency, context,
	status, outcome, created_at, updated_at`

// DefaultHelperLease is the lease granted with a helper lock.
const DefaultHelperLease = 60 * time.Minute

// Service manages help requests.
type Service struct {
	db       *sql.DB
	locks    Locker
	sessions SessionLister
	pub      comms.Publisher
	now      func() time.Time
	lease    atomic.Int64
	logger   *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher sets where help events are broadcast.
func WithPublisher(p comms.Publisher) Option { return func(s *Service) { s.pub = p } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLease sets the helper lock lease.
func WithLease(d time.Duration) Option { return func(s *Service) { s.SetLease(d) } }

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService ensures the help_requests table exists.
func NewService(db *sql.DB, locks Locker, sessions SessionLister, opts ...Option) (*Service, error) {
	if err := storage.Migrate(context.Background(), db, schema, indexStatus); err != nil {
		return nil, fmt.Errorf("create help schema: %w", err)
	}
	s := &Service{db: db, locks: locks, sessions: sessions, pub: comms.Nop{}, now: time.Now, logger: slog.Default()}
	s.lease.Store(int64(DefaultHelperLease))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetLease changes the helper lock lease. Non-positive values are ignored.
func (s *Service) SetLease(d time.Duration) {
	if d > 0 {
		s.lease.Store(int64(d))
	}
}

// RequestHelp opens a help request on taskID. The requester must hold the
// task's active lock.
func (s *Service) RequestHelp(ctx context.Context, taskID, sessionID, helpType, urgency, helpContext string) (*HelpRequest, error) {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	if urgencyRank(urgency) == 0 {
		return nil, fmt.Errorf("unknown urgency %q", urgency)
	}
	if helpType == "" {
		helpType = "general"
	}
	held, err := s.locks.HoldsActive(ctx, taskID, sessionID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("session %s does not hold %s: %w", sessionID, taskID, task.ErrNotAuthorized)
	}

	now := s.now().UTC()
	req := &HelpRequest{
		ID:                 uuid.New().String(),
		TaskID:             taskID,
		RequesterSessionID: sessionID,
		HelpType:           helpType,
		Urgency:            urgency,
		Context:            helpContext,
		Status:             StatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO help_requests
			(id, task_id, requester_session_id, helper_session_id, help_type, urgency, urgency_rank,
			 context, status, outcome, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?, ?, ?, 'open', '', ?, ?)`,
		req.ID, req.TaskID, req.RequesterSessionID, req.HelpType, req.Urgency, urgencyRank(req.Urgency),
		req.Context, storage.Nanos(now), storage.Nanos(now))
	if err != nil {
		return nil, fmt.Errorf("create help request: %w", err)
	}

	s.logger.Info("help requested",
		slog.String("request", req.ID), slog.String("task", taskID), slog.String("urgency", urgency))
	s.publish(comms.KindHelpRequested, req, sessionID)
	return req, nil
}

// AcceptHelp assigns helperSessionID to an open request and grants it a
// helper lock on the task.
func (s *Service) AcceptHelp(ctx context.Context, requestID, helperSessionID string) (*HelpRequest, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusOpen {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrInvalidState)
	}
	if req.RequesterSessionID == helperSessionID {
		return nil, fmt.Errorf("requester cannot accept own request %s: %w", requestID, task.ErrNotAuthorized)
	}
	if err := s.requireHeld(ctx, req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE help_requests SET status = 'accepted', helper_session_id = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		helperSessionID, storage.Nanos(now), requestID)
	if err != nil {
		return nil, fmt.Errorf("accept help request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("request %s was accepted concurrently: %w", requestID, ErrInvalidState)
	}

	if _, err := s.locks.Acquire(ctx, req.TaskID, helperSessionID, lock.TypeHelper, time.Duration(s.lease.Load())); err != nil {
		_, _ = s.db.ExecContext(context.WithoutCancel(ctx),
			`UPDATE help_requests SET status = 'open', helper_session_id = '' WHERE id = ? AND status = 'accepted'`, requestID)
		return nil, fmt.Errorf("grant helper lock: %w", err)
	}
	// The requester may have finished or dropped the task meanwhile.
	if err := s.requireHeld(ctx, req); err != nil {
		cleanup := context.WithoutCancel(ctx)
		_ = s.locks.ReleaseType(cleanup, req.TaskID, helperSessionID, lock.TypeHelper)
		_, _ = s.db.ExecContext(cleanup,
			`UPDATE help_requests SET status = 'closed', helper_session_id = '' WHERE id = ? AND status = 'accepted'`, requestID)
		return nil, err
	}

	req.Status = StatusAccepted
	req.HelperSessionID = helperSessionID
	req.UpdatedAt = now
	s.logger.Info("help accepted", slog.String("request", requestID), slog.String("helper", helperSessionID))
	s.publish(comms.KindHelpAccepted, req, helperSessionID)
	return req, nil
}

// CompleteHelp closes a request with an outcome and releases the helper lock.
// Only the original requester may complete it.
func (s *Service) CompleteHelp(ctx context.Context, requestID, sessionID, outcome string) (*HelpRequest, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterSessionID != sessionID {
		return nil, fmt.Errorf("only the requester may complete %s: %w", requestID, task.ErrNotAuthorized)
	}
	if req.Status != StatusOpen && req.Status != StatusAccepted {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, ErrInvalidState)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE help_requests SET status = 'completed', outcome = ?, updated_at = ?
		WHERE id = ? AND status IN ('open', 'accepted')`,
		outcome, storage.Nanos(now), requestID)
	if err != nil {
		return nil, fmt.Errorf("complete help request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("request %s was completed concurrently: %w", requestID, ErrInvalidState)
	}
	if req.HelperSessionID != "" {
		if err := s.locks.ReleaseType(ctx, req.TaskID, req.HelperSessionID, lock.TypeHelper); err != nil {
			s.logger.Error("release helper lock", slog.String("request", requestID), slog.Any("err", err))
		}
	}

	req.Status = StatusCompleted
	req.Outcome = outcome
	req.UpdatedAt = now
	s.publish(comms.KindHelpCompleted, req, sessionID)
	return req, nil
}

// CloseOpen closes the unaccepted requests on taskID and returns how many it
// closed. Accepted requests stay accepted so the requester can still record
// an outcome.
func (s *Service) CloseOpen(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE help_requests SET status = 'closed', updated_at = ? WHERE task_id = ? AND status = 'open'`,
		storage.Nanos(s.now().UTC()), taskID)
	if err != nil {
		return 0, fmt.Errorf("close help requests on %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if n > 0 {
		s.logger.Info("help requests closed", slog.String("task", taskID), slog.Int64("count", n))
	}
	return n, err
}

// requireHeld fails with ErrInvalidState once the requester no longer holds
// the task's active lock, closing the request if it is still open.
func (s *Service) requireHeld(ctx context.Context, req *HelpRequest) error {
	held, err := s.locks.HoldsActive(ctx, req.TaskID, req.RequesterSessionID)
	if err != nil {
		return err
	}
	if held {
		return nil
	}
	_, _ = s.db.ExecContext(ctx,
		`UPDATE help_requests SET status = 'closed', updated_at = ? WHERE id = ? AND status = 'open'`,
		storage.Nanos(s.now().UTC()), req.ID)
	return fmt.Errorf("task %s is no longer held by %s: %w", req.TaskID, req.RequesterSessionID, ErrInvalidState)
}

// Get returns a help request by ID.
func (s *Service) Get(ctx context.Context, id string) (*HelpRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM help_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get help request: %w", err)
	}
	return req, nil
}

// ListOpen returns open requests, most urgent first and oldest first within
// an urgency.
func (s *Service) ListOpen(ctx context.Context) ([]*HelpRequest, error) {
	return s.query(ctx, `SELECT `+columns+` FROM help_requests WHERE status = 'open'
		ORDER BY urgency_rank DESC, created_at ASC`)
}

// ListByTask returns every request for taskID, oldest first.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]*HelpRequest, error) {
	return s.query(ctx, `SELECT `+columns+` FROM help_requests WHERE task_id = ? ORDER BY created_at ASC`, taskID)
}

func (s *Service) query(ctx context.Context, q string, args ...any) ([]*HelpRequest, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list help requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*HelpRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan help request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Match is a FindBestAgent result.
type Match struct {
	Session *session.Session `json:"session"`
	Score   int              `json:"score"`
}

// FindBestAgent scores online sessions against tags and a task description
// and returns the best. Each capability equal to a tag scores 2; each other
// capability appearing as a word in the description scores 1. Ties go to the
// most recent heartbeat. Sessions in exclude are skipped. A nil Match means
// no candidate is online.
func (s *Service) FindBestAgent(ctx context.Context, description string, tags []string, exclude ...string) (*Match, error) {
	sessions, err := s.sessions.List(ctx, true)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			wanted[t] = true
		}
	}
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '+' && r != '#'
	}) {
		words[w] = true
	}

	var best *Match
	for _, sess := range sessions {
		if slices.Contains(exclude, sess.ID) {
			continue
		}
		score := 0
		for _, c := range sess.Capabilities {
			switch {
			case wanted[c]:
				score += 2
			case words[c]:
				score++
			}
		}
		if best == nil || score > best.Score || (score == best.Score && sess.LastHeartbeat.After(best.Session.LastHeartbeat)) {
			best = &Match{Session: sess, Score: score}
		}
	}
	return best, nil
}

func (s *Service) publish(kind comms.Kind, req *HelpRequest, sessionID string) {
	out := *req
	s.pub.Publish(comms.Event{Kind: kind, TaskID: req.TaskID, SessionID: sessionID, Data: &out})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*HelpRequest, error) {
	var r HelpRequest
	var status string
	var created, updated int64
	if err := sc.Scan(&r.ID, &r.TaskID, &r.RequesterSessionID, &r.HelperSessionID, &r.HelpType, &r.Urgency,
		&r.Context, &status, &r.Outcome, &created, &updated); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedAt = storage.Time(created)
	r.UpdatedAt = storage.Time(updated)
	return &r, nil
}
