// Package broker is the entry point for every agent-facing operation. It
// wires the stores and engines together, validates the calling session and
// composes multi-step operations such as check-out.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/baton/claim"
	"github.com/GoCodeAlone/baton/collab"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/handoff"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/reaper"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/task"
)

// Settings are the tunables that can change while the broker runs.
type Settings struct {
	Lease           time.Duration
	HandoffMaxReads int
}

// Broker exposes the external operations over a shared database.
type Broker struct {
	tasks    *task.SQLiteStore
	sessions *session.Registry
	locks    *lock.Manager
	engine   *claim.Engine
	help     *collab.Service
	handoffs *handoff.Relay
	failures *diag.Recorder
	hub      *comms.Hub
	now      func() time.Time
	logger   *slog.Logger
	settings Settings
}

// Option customises a Broker.
type Option func(*Broker)

// WithClock overrides the clock of every component. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithSettings sets the initial tunables.
func WithSettings(s Settings) Option { return func(b *Broker) { b.settings = s } }

// New creates all stores on db and wires them to hub.
func New(db *sql.DB, hub *comms.Hub, opts ...Option) (*Broker, error) {
	b := &Broker{
		hub:    hub,
		now:    time.Now,
		logger: slog.Default(),
		settings: Settings{
			Lease:           claim.DefaultLease,
			HandoffMaxReads: handoff.DefaultMaxReads,
		},
	}
	for _, opt := range opts {
		opt(b)
	}

	var err error
	if b.tasks, err = task.NewSQLiteStore(db, task.WithClock(b.now)); err != nil {
		return nil, err
	}
	if b.locks, err = lock.NewManager(db, lock.WithClock(b.now)); err != nil {
		return nil, err
	}
	if b.sessions, err = session.NewRegistry(db, b.locks, session.WithClock(b.now), session.WithLease(b.settings.Lease)); err != nil {
		return nil, err
	}
	if b.failures, err = diag.NewRecorder(db, hub, diag.WithClock(b.now), diag.WithLogger(b.logger)); err != nil {
		return nil, err
	}
	b.engine = claim.NewEngine(b.tasks, b.locks,
		claim.WithPublisher(hub),
		claim.WithSessions(b.sessions),
		claim.WithRecorder(b.failures),
		claim.WithLease(b.settings.Lease),
		claim.WithLogger(b.logger),
	)
	if b.help, err = collab.NewService(db, b.locks, b.sessions,
		collab.WithPublisher(hub),
		collab.WithClock(b.now),
		collab.WithLease(b.settings.Lease),
		collab.WithLogger(b.logger),
	); err != nil {
		return nil, err
	}
	if b.handoffs, err = handoff.NewRelay(db,
		handoff.WithPublisher(hub),
		handoff.WithClock(b.now),
		handoff.WithLogger(b.logger),
		handoff.WithMaxReads(b.settings.HandoffMaxReads),
	); err != nil {
		return nil, err
	}
	return b, nil
}

// NewReaper returns a reaper loop over the broker's stores.
func (b *Broker) NewReaper(opts ...reaper.Option) *reaper.Loop {
	base := []reaper.Option{
		reaper.WithSessions(b.sessions),
		reaper.WithPublisher(b.hub),
		reaper.WithRecorder(b.failures),
		reaper.WithClock(b.now),
		reaper.WithLogger(b.logger),
		reaper.OnReclaim(b.closeHelp),
	}
	return reaper.New(b.tasks, b.locks, append(base, opts...)...)
}

// ApplySettings updates the running tunables. Zero fields are left unchanged.
func (b *Broker) ApplySettings(s Settings) {
	if s.Lease > 0 {
		b.engine.SetLease(s.Lease)
		b.sessions.SetLease(s.Lease)
		b.help.SetLease(s.Lease)
	}
	if s.HandoffMaxReads > 0 {
		b.handoffs.SetMaxReads(s.HandoffMaxReads)
	}
	b.logger.Info("broker settings applied",
		slog.Duration("lease", b.engine.Lease()),
		slog.Int("handoff_max_reads", s.HandoffMaxReads),
	)
}

// Hub returns the broadcast hub.
func (b *Broker) Hub() *comms.Hub { return b.hub }

// --- sessions ---

// CheckIn registers a new online session.
func (b *Broker) CheckIn(ctx context.Context, agentName string, capabilities []string) (*session.Session, error) {
	if agentName == "" {
		return nil, errors.New("agent name is required")
	}
	s, err := b.sessions.CheckIn(ctx, agentName, capabilities)
	if err != nil {
		return nil, err
	}
	b.logger.Info("session checked in", slog.String("session", s.ID), slog.String("agent", agentName))
	b.hub.Publish(comms.Event{Kind: comms.KindSessionCheckedIn, SessionID: s.ID, Data: s})
	return s, nil
}

// Heartbeat refreshes a session and extends its leases.
func (b *Broker) Heartbeat(ctx context.Context, sessionID string) (*session.Session, error) {
	return b.sessions.Heartbeat(ctx, sessionID)
}

// CheckOut marks a session offline, releases its locks and returns its
// claimed and in-progress tasks to the queue. The requeued tasks are returned.
func (b *Broker) CheckOut(ctx context.Context, sessionID string) ([]*task.Task, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := b.sessions.MarkOffline(ctx, sessionID); err != nil {
		return nil, err
	}
	requeued, err := b.engine.Abandon(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check out %s: %w", sessionID, err)
	}
	for _, t := range requeued {
		b.closeHelp(ctx, t)
	}
	b.logger.Info("session checked out", slog.String("session", sessionID), slog.Int("requeued", len(requeued)))
	b.hub.Publish(comms.Event{Kind: comms.KindSessionCheckedOut, SessionID: sessionID,
		Data: map[string]string{"reason": "checkout"}})
	return requeued, nil
}

// GetSession returns a session regardless of its status.
func (b *Broker) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	return b.sessions.Get(ctx, sessionID)
}

// ListSessions lists sessions, most recently seen first.
func (b *Broker) ListSessions(ctx context.Context, onlineOnly bool) ([]*session.Session, error) {
	return b.sessions.List(ctx, onlineOnly)
}

// --- tasks ---

// CreateTask adds a queued task on behalf of sessionID.
func (b *Broker) CreateTask(ctx context.Context, sessionID string, t *task.Task) (*task.Task, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	id, err := b.tasks.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	created, err := b.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	b.hub.Publish(comms.Event{Kind: comms.KindTaskCreated, TaskID: id, SessionID: sessionID, Data: created.Clone()})
	return created, nil
}

// GetTask returns a task by ID.
func (b *Broker) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return b.tasks.Get(ctx, taskID)
}

// ListTasks returns tasks in claim order. This is the board projection.
func (b *Broker) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return b.tasks.List(ctx, f)
}

// ClaimSpecific claims one task by ID.
func (b *Broker) ClaimSpecific(ctx context.Context, sessionID, taskID string) (*task.Task, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.engine.ClaimSpecific(ctx, taskID, sessionID)
}

// ClaimNext claims the highest priority eligible task.
func (b *Broker) ClaimNext(ctx context.Context, sessionID string, opts claim.NextOptions) (*task.Task, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.engine.ClaimNext(ctx, sessionID, opts)
}

func (b *Broker) StartTask(ctx context.Context, sessionID, taskID string) (*task.Task, error) {
	return b.holderOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Start(ctx, taskID, sessionID) })
}

func (b *Broker) BlockTask(ctx context.Context, sessionID, taskID, reason string) (*task.Task, error) {
	return b.holderOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Block(ctx, taskID, sessionID, reason) })
}

func (b *Broker) ResumeTask(ctx context.Context, sessionID, taskID string) (*task.Task, error) {
	return b.holderOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Resume(ctx, taskID, sessionID) })
}

func (b *Broker) CompleteTask(ctx context.Context, sessionID, taskID, result string) (*task.Task, error) {
	return b.releasingOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Complete(ctx, taskID, sessionID, result) })
}

func (b *Broker) FailTask(ctx context.Context, sessionID, taskID, reason string) (*task.Task, error) {
	return b.releasingOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Fail(ctx, taskID, sessionID, reason) })
}

func (b *Broker) ReleaseTask(ctx context.Context, sessionID, taskID string) (*task.Task, error) {
	return b.releasingOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Release(ctx, taskID, sessionID) })
}

func (b *Broker) CancelTask(ctx context.Context, sessionID, taskID, reason string) (*task.Task, error) {
	return b.releasingOp(ctx, sessionID, func() (*task.Task, error) { return b.engine.Cancel(ctx, taskID, sessionID, reason) })
}

func (b *Broker) holderOp(ctx context.Context, sessionID string, op func() (*task.Task, error)) (*task.Task, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return op()
}

// releasingOp is holderOp for transitions that take the task away from its
// holder; unanswered help requests on it are closed.
func (b *Broker) releasingOp(ctx context.Context, sessionID string, op func() (*task.Task, error)) (*task.Task, error) {
	t, err := b.holderOp(ctx, sessionID, op)
	if err != nil {
		return nil, err
	}
	b.closeHelp(ctx, t)
	return t, nil
}

func (b *Broker) closeHelp(ctx context.Context, t *task.Task) {
	if _, err := b.help.CloseOpen(context.WithoutCancel(ctx), t.ID); err != nil {
		b.logger.Error("close help requests", slog.String("task", t.ID), slog.Any("err", err))
	}
}

// ListLocks returns every lock on taskID, active first.
func (b *Broker) ListLocks(ctx context.Context, taskID string) ([]*lock.Lock, error) {
	return b.locks.List(ctx, taskID)
}

// --- collaboration ---

func (b *Broker) RequestHelp(ctx context.Context, sessionID, taskID, helpType, urgency, helpContext string) (*collab.HelpRequest, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	if _, err := b.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return b.help.RequestHelp(ctx, taskID, sessionID, helpType, urgency, helpContext)
}

func (b *Broker) AcceptHelp(ctx context.Context, sessionID, requestID string) (*collab.HelpRequest, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.help.AcceptHelp(ctx, requestID, sessionID)
}

func (b *Broker) CompleteHelp(ctx context.Context, sessionID, requestID, outcome string) (*collab.HelpRequest, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.help.CompleteHelp(ctx, requestID, sessionID, outcome)
}

// GetHelp returns one help request.
func (b *Broker) GetHelp(ctx context.Context, requestID string) (*collab.HelpRequest, error) {
	return b.help.Get(ctx, requestID)
}

// ListHelp returns open help requests, or every request on taskID when set.
func (b *Broker) ListHelp(ctx context.Context, taskID string) ([]*collab.HelpRequest, error) {
	if taskID != "" {
		return b.help.ListByTask(ctx, taskID)
	}
	return b.help.ListOpen(ctx)
}

// FindBestAgent picks the online session best suited to a description and
// tag set, skipping the sessions in exclude.
func (b *Broker) FindBestAgent(ctx context.Context, description string, tags []string, exclude ...string) (*collab.Match, error) {
	return b.help.FindBestAgent(ctx, description, tags, exclude...)
}

// --- handoffs ---

// RelayHandoff stores a handoff for taskID. The sender must be the task's
// assignee or hold a lock on it.
func (b *Broker) RelayHandoff(ctx context.Context, sessionID, taskID, toSession string, payload []byte) (bool, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return false, err
	}
	t, err := b.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Assignee != sessionID {
		if _, err := b.locks.Get(ctx, taskID, sessionID); err != nil {
			if errors.Is(err, lock.ErrNoLock) {
				return false, fmt.Errorf("session %s has no relationship to %s: %w", sessionID, taskID, task.ErrNotAuthorized)
			}
			return false, err
		}
	}
	return b.handoffs.Relay(ctx, handoff.Object{
		TaskID:      taskID,
		FromSession: sessionID,
		ToSession:   toSession,
		Payload:     payload,
	})
}

// GetHandoffContext reads the handoff for taskID on behalf of sessionID.
func (b *Broker) GetHandoffContext(ctx context.Context, sessionID, taskID string) (*handoff.Object, error) {
	if _, err := b.sessions.Require(ctx, sessionID); err != nil {
		return nil, err
	}
	return b.handoffs.GetContext(ctx, taskID, sessionID)
}

// HandoffHistory returns archived handoffs for taskID.
func (b *Broker) HandoffHistory(ctx context.Context, taskID string) ([]*handoff.Object, error) {
	return b.handoffs.History(ctx, taskID)
}

// --- diagnostics ---

// ListFailures returns failure records, newest first.
func (b *Broker) ListFailures(ctx context.Context, taskID string, limit int) ([]*diag.FailureRecord, error) {
	return b.failures.List(ctx, taskID, limit)
}

// Status summarises the broker for dashboards.
type Status struct {
	Tasks          map[task.Status]int `json:"tasks"`
	OnlineSessions int                 `json:"online_sessions"`
	Subscribers    int                 `json:"subscribers"`
	Lease          string              `json:"lease"`
	RecentEvents   []comms.Event       `json:"recent_events,omitempty"`
}

// Status counts tasks by status and reports connected observers.
func (b *Broker) Status(ctx context.Context, recent int) (*Status, error) {
	all, err := b.tasks.List(ctx, task.Filter{})
	if err != nil {
		return nil, err
	}
	st := &Status{Tasks: map[task.Status]int{}}
	for _, t := range all {
		st.Tasks[t.Status]++
	}
	online, err := b.sessions.List(ctx, true)
	if err != nil {
		return nil, err
	}
	st.OnlineSessions = len(online)
	st.Subscribers = b.hub.Subscribers()
	st.Lease = b.engine.Lease().String()
	if recent > 0 {
		st.RecentEvents = b.hub.Recent(recent)
	}
	return st, nil
}
