// Package reaper reclaims work from sessions whose lock leases have expired.
// It is the only component that moves a task out of claimed or in_progress
// without the holder's consent.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/task"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultSessionTimeout = 5 * time.Minute
)

// Locker is the subset of lock.Manager the reaper needs.
type Locker interface {
	Expired(ctx context.Context, now time.Time) ([]*lock.Lock, error)
	ReleaseExpired(ctx context.Context, taskID, sessionID string, now time.Time) (bool, error)
	Active(ctx context.Context, taskID string) (*lock.Lock, error)
	List(ctx context.Context, taskID string) ([]*lock.Lock, error)
	ReleaseType(ctx context.Context, taskID, sessionID string, typ lock.Type) error
}

// ReclaimFunc is called after a task has been returned to the queue.
type ReclaimFunc func(ctx context.Context, t *task.Task)

// SessionMarker marks silent sessions offline.
type SessionMarker interface {
	MarkStale(ctx context.Context, timeout time.Duration) ([]string, error)
}

// FailureRecorder receives a record for every reclaimed task.
type FailureRecorder interface {
	Record(ctx context.Context, rec diag.FailureRecord) (*diag.FailureRecord, error)
}

// Report summarises one sweep.
type Report struct {
	Reclaimed     []string // tasks returned to the queue
	Released      int      // expired locks removed
	KeptBlocked   int      // expired active locks left on blocked tasks
	StaleSessions []string // sessions marked offline
}

// Loop periodically sweeps expired locks and silent sessions.
type Loop struct {
	tasks    task.Store
	locks    Locker
	sessions SessionMarker
	pub      comms.Publisher
	failures FailureRecorder
	onClaim  ReclaimFunc
	now      func() time.Time
	logger   *slog.Logger

	interval       atomic.Int64
	sessionTimeout atomic.Int64
}

// Option customises a Loop.
type Option func(*Loop)

func WithSessions(s SessionMarker) Option       { return func(l *Loop) { l.sessions = s } }
func WithPublisher(p comms.Publisher) Option    { return func(l *Loop) { l.pub = p } }
func WithRecorder(r FailureRecorder) Option     { return func(l *Loop) { l.failures = r } }
func WithLogger(lg *slog.Logger) Option         { return func(l *Loop) { l.logger = lg } }
func WithInterval(d time.Duration) Option       { return func(l *Loop) { l.SetInterval(d) } }
func WithSessionTimeout(d time.Duration) Option { return func(l *Loop) { l.SetSessionTimeout(d) } }
func OnReclaim(fn ReclaimFunc) Option           { return func(l *Loop) { l.onClaim = fn } }

// WithClock overrides the clock used to decide expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Loop.
func New(tasks task.Store, locks Locker, opts ...Option) *Loop {
	l := &Loop{tasks: tasks, locks: locks, pub: comms.Nop{}, now: time.Now, logger: slog.Default()}
	l.interval.Store(int64(DefaultInterval))
	l.sessionTimeout.Store(int64(DefaultSessionTimeout))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetInterval changes the sweep interval; it takes effect after the next tick.
func (l *Loop) SetInterval(d time.Duration) {
	if d > 0 {
		l.interval.Store(int64(d))
	}
}

// SetSessionTimeout changes how long a session may stay silent before it is
// marked offline.
func (l *Loop) SetSessionTimeout(d time.Duration) {
	if d > 0 {
		l.sessionTimeout.Store(int64(d))
	}
}

func (l *Loop) Interval() time.Duration { return time.Duration(l.interval.Load()) }

// Run sweeps on every tick until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	current := l.Interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	l.logger.Info("reaper started", slog.Duration("interval", current))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
				l.logger.Error("reaper sweep", slog.Any("err", err))
			}
			if next := l.Interval(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

// Sweep runs one reclaim pass.
func (l *Loop) Sweep(ctx context.Context) (*Report, error) {
	now := l.now().UTC()
	rep := &Report{}

	expired, err := l.locks.Expired(ctx, now)
	if err != nil {
		return rep, err
	}
	for _, lk := range expired {
		if lk.Type != lock.TypeActive {
			l.release(ctx, lk, now, rep)
			continue
		}
		t, err := l.tasks.Get(ctx, lk.TaskID)
		if errors.Is(err, task.ErrUnknownTask) {
			l.release(ctx, lk, now, rep)
			continue
		}
		if err != nil {
			l.logger.Error("reaper read task", slog.String("task", lk.TaskID), slog.Any("err", err))
			continue
		}
		if t.Status == task.StatusBlocked {
			rep.KeptBlocked++
			l.logger.Debug("lease expired on blocked task, keeping lock",
				slog.String("task", t.ID), slog.String("session", lk.SessionID))
			continue
		}

		reclaimed, err := l.requeue(ctx, t, lk.SessionID)
		if err != nil {
			l.logger.Error("reaper requeue", slog.String("task", t.ID), slog.Any("err", err))
			continue
		}
		l.release(ctx, lk, now, rep)
		if reclaimed != nil {
			rep.Reclaimed = append(rep.Reclaimed, t.ID)
			l.reclaimed(ctx, reclaimed, t.Status, lk.SessionID, "lease expired")
		}
	}

	if err := l.sweepOrphans(ctx, rep); err != nil {
		return rep, err
	}

	if l.sessions != nil {
		stale, err := l.sessions.MarkStale(ctx, time.Duration(l.sessionTimeout.Load()))
		if err != nil {
			return rep, err
		}
		for _, id := range stale {
			l.logger.Info("session timed out", slog.String("session", id))
			l.pub.Publish(comms.Event{Kind: comms.KindSessionCheckedOut, SessionID: id, Data: map[string]string{"reason": "timeout"}})
		}
		rep.StaleSessions = stale
	}
	return rep, nil
}

// requeue returns t to the queue if sessionID still holds it in claimed or
// in_progress. A conflict is retried once against fresh state; a task that is
// no longer reclaimable yields nil.
func (l *Loop) requeue(ctx context.Context, t *task.Task, sessionID string) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		if t.Assignee != sessionID || (t.Status != task.StatusClaimed && t.Status != task.StatusInProgress) {
			return nil, nil
		}
		next, err := l.tasks.CompareAndSwap(ctx, t.ID, t.Version, func(n *task.Task) error {
			n.Status = task.StatusQueued
			n.Assignee = ""
			return nil
		})
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, task.ErrConflict) || attempt > 0 {
			return nil, err
		}
		if t, err = l.tasks.Get(ctx, t.ID); err != nil {
			return nil, err
		}
	}
}

func (l *Loop) release(ctx context.Context, lk *lock.Lock, now time.Time, rep *Report) {
	ok, err := l.locks.ReleaseExpired(ctx, lk.TaskID, lk.SessionID, now)
	if err != nil {
		l.logger.Error("reaper release lock", slog.String("task", lk.TaskID), slog.Any("err", err))
		return
	}
	if ok {
		rep.Released++
	}
}

// sweepOrphans requeues held tasks whose assignee has no active lock, such as
// a claim interrupted before its lock was written.
func (l *Loop) sweepOrphans(ctx context.Context, rep *Report) error {
	held, err := l.tasks.List(ctx, task.Filter{Statuses: []task.Status{task.StatusClaimed, task.StatusInProgress}})
	if err != nil {
		return err
	}
	for _, t := range held {
		active, err := l.locks.Active(ctx, t.ID)
		if err != nil {
			l.logger.Error("reaper read lock", slog.String("task", t.ID), slog.Any("err", err))
			continue
		}
		if active != nil && active.SessionID == t.Assignee {
			continue
		}
		reclaimed, err := l.requeue(ctx, t, t.Assignee)
		if err != nil {
			l.logger.Error("reaper requeue orphan", slog.String("task", t.ID), slog.Any("err", err))
			continue
		}
		if reclaimed != nil {
			rep.Reclaimed = append(rep.Reclaimed, t.ID)
			l.reclaimed(ctx, reclaimed, t.Status, t.Assignee, "no active lock")
		}
	}
	return nil
}

// reclaimed drops helper locks on a requeued task and reports it.
func (l *Loop) reclaimed(ctx context.Context, t *task.Task, from task.Status, sessionID, reason string) {
	locks, err := l.locks.List(ctx, t.ID)
	if err != nil {
		l.logger.Error("reaper list locks", slog.String("task", t.ID), slog.Any("err", err))
	}
	for _, lk := range locks {
		if lk.Type != lock.TypeHelper {
			continue
		}
		if err := l.locks.ReleaseType(ctx, t.ID, lk.SessionID, lock.TypeHelper); err != nil {
			l.logger.Error("reaper release helper", slog.String("task", t.ID), slog.Any("err", err))
		}
	}

	l.logger.Info("task reclaimed",
		slog.String("task", t.ID),
		slog.String("session", sessionID),
		slog.String("reason", reason),
	)
	l.pub.Publish(comms.Event{
		Kind:      comms.KindTaskReclaimed,
		TaskID:    t.ID,
		SessionID: sessionID,
		Data:      &task.Change{From: from, To: t.Status, Task: t},
	})
	if l.onClaim != nil {
		l.onClaim(ctx, t)
	}
	if l.failures == nil {
		return
	}
	if _, err := l.failures.Record(ctx, diag.FailureRecord{
		TaskID:       t.ID,
		SessionID:    sessionID,
		ErrorMessage: reason,
		Kind:         diag.KindReclaimed,
	}); err != nil {
		l.logger.Error("record reclaim", slog.String("task", t.ID), slog.Any("err", err))
	}
}
