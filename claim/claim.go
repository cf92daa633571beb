// Package claim implements first-come-first-served task claiming and the
// holder-driven status transitions that follow a claim.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/session"
	"github.com/GoCodeAlone/baton/task"
)

var (
	// ErrAlreadyClaimed is matched by *AlreadyClaimedError.
	ErrAlreadyClaimed = errors.New("already claimed")

	// ErrNoEligibleTask is returned by ClaimNext when no queued task qualifies.
	ErrNoEligibleTask = errors.New("no eligible task")
)

// AlreadyClaimedError names the session that won a claim race.
type AlreadyClaimedError struct {
	TaskID string
	Holder string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("task %s already claimed by %s", e.TaskID, e.Holder)
}

func (e *AlreadyClaimedError) Is(target error) bool { return target == ErrAlreadyClaimed }

// Locker is the subset of lock.Manager the engine needs.
type Locker interface {
	Acquire(ctx context.Context, taskID, sessionID string, typ lock.Type, ttl time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, taskID, sessionID string) error
	ReleaseType(ctx context.Context, taskID, sessionID string, typ lock.Type) error
	ReleaseTask(ctx context.Context, taskID string) ([]*lock.Lock, error)
	ReleaseAll(ctx context.Context, sessionID string) ([]*lock.Lock, error)
	ListBySession(ctx context.Context, sessionID string) ([]*lock.Lock, error)
	Active(ctx context.Context, taskID string) (*lock.Lock, error)
	List(ctx context.Context, taskID string) ([]*lock.Lock, error)
}

// SessionLookup resolves a session's capabilities for capability-aware claiming.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// FailureRecorder receives a record for every failed task.
type FailureRecorder interface {
	Record(ctx context.Context, rec diag.FailureRecord) (*diag.FailureRecord, error)
}

// DefaultLease is the active lock lease granted on claim.
const DefaultLease = 60 * time.Minute

// NextOptions tunes ClaimNext. The zero value skips reserved tasks.
type NextOptions struct {
	// IncludeBatched also considers tasks reserved for an external channel.
	IncludeBatched bool `json:"include_batched,omitempty"`
	// PreferCapabilities moves tasks whose labels match the session's
	// capabilities ahead of others within the same priority.
	PreferCapabilities bool `json:"prefer_capabilities,omitempty"`
}

// Engine claims tasks and applies holder transitions.
type Engine struct {
	tasks    task.Store
	locks    Locker
	sessions SessionLookup
	pub      comms.Publisher
	failures FailureRecorder
	lease    atomic.Int64
	logger   *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithPublisher sets where claim and status events are broadcast.
func WithPublisher(p comms.Publisher) Option { return func(e *Engine) { e.pub = p } }

// WithSessions enables PreferCapabilities.
func WithSessions(s SessionLookup) Option { return func(e *Engine) { e.sessions = s } }

// WithRecorder sets the failure recorder used by Fail.
func WithRecorder(r FailureRecorder) Option { return func(e *Engine) { e.failures = r } }

// WithLease sets the lease granted with each active lock.
func WithLease(d time.Duration) Option { return func(e *Engine) { e.SetLease(d) } }

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an Engine over the given task store and lock manager.
func NewEngine(tasks task.Store, locks Locker, opts ...Option) *Engine {
	e := &Engine{tasks: tasks, locks: locks, pub: comms.Nop{}, logger: slog.Default()}
	e.lease.Store(int64(DefaultLease))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLease changes the claim lease. Non-positive values are ignored.
func (e *Engine) SetLease(d time.Duration) {
	if d > 0 {
		e.lease.Store(int64(d))
	}
}

// Lease returns the current claim lease.
func (e *Engine) Lease() time.Duration { return time.Duration(e.lease.Load()) }

// ClaimSpecific claims taskID for sessionID. It never waits: a task held by
// another session yields an *AlreadyClaimedError naming the holder.
func (e *Engine) ClaimSpecific(ctx context.Context, taskID, sessionID string) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status.Held():
		return nil, &AlreadyClaimedError{TaskID: t.ID, Holder: t.Assignee}
	case t.Status != task.StatusQueued:
		return nil, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, task.ErrInvalidTransition)
	}
	if err := e.checkDependencies(ctx, t); err != nil {
		return nil, err
	}

	// The active lock goes first: a task is never claimed without one, and a
	// claim that dies after this point leaves only a lock the reaper expires.
	if _, err := e.locks.Acquire(ctx, t.ID, sessionID, lock.TypeActive, e.Lease()); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, &AlreadyClaimedError{TaskID: t.ID, Holder: held.Holder}
		}
		if errors.Is(err, lock.ErrLockHeld) {
			holder := ""
			if active, aerr := e.locks.Active(ctx, t.ID); aerr == nil && active != nil {
				holder = active.SessionID
			}
			return nil, &AlreadyClaimedError{TaskID: t.ID, Holder: holder}
		}
		return nil, fmt.Errorf("acquire lock on %s: %w", t.ID, err)
	}

	claimed, err := e.tasks.CompareAndSwap(ctx, t.ID, t.Version, func(n *task.Task) error {
		n.Status = task.StatusClaimed
		n.Assignee = sessionID
		return nil
	})
	if err != nil {
		cleanup := context.WithoutCancel(ctx)
		if rerr := e.locks.ReleaseType(cleanup, t.ID, sessionID, lock.TypeActive); rerr != nil {
			e.logger.Error("drop lock after failed claim",
				slog.String("task", t.ID), slog.String("session", sessionID), slog.Any("err", rerr))
		}
		if errors.Is(err, task.ErrConflict) {
			if cur, gerr := e.tasks.Get(cleanup, t.ID); gerr == nil && cur.Status.Held() {
				return nil, &AlreadyClaimedError{TaskID: t.ID, Holder: cur.Assignee}
			}
		}
		return nil, err
	}

	e.logger.Info("task claimed", slog.String("task", t.ID), slog.String("session", sessionID))
	e.pub.Publish(comms.Event{
		Kind:      comms.KindTaskClaimed,
		TaskID:    t.ID,
		SessionID: sessionID,
		Data:      &task.Change{From: task.StatusQueued, To: task.StatusClaimed, Task: claimed},
	})
	return claimed, nil
}

// ClaimNext claims the best queued task for sessionID: highest priority first,
// oldest first within a priority. Candidates lost to a concurrent claimer are
// skipped.
func (e *Engine) ClaimNext(ctx context.Context, sessionID string, opts NextOptions) (*task.Task, error) {
	candidates, err := e.tasks.List(ctx, task.Filter{
		Statuses:        []task.Status{task.StatusQueued},
		ExcludeReserved: !opts.IncludeBatched,
	})
	if err != nil {
		return nil, err
	}
	if opts.PreferCapabilities && e.sessions != nil {
		if s, err := e.sessions.Get(ctx, sessionID); err == nil && len(s.Capabilities) > 0 {
			preferMatching(candidates, s.Capabilities)
		}
	}

	done := map[string]bool{}
	for _, c := range candidates {
		if !e.dependenciesDone(ctx, c, done) {
			continue
		}
		t, err := e.ClaimSpecific(ctx, c.ID, sessionID)
		switch {
		case err == nil:
			return t, nil
		case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, task.ErrConflict),
			errors.Is(err, task.ErrInvalidTransition):
			e.logger.Debug("claim candidate skipped", slog.String("task", c.ID), slog.Any("err", err))
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNoEligibleTask
}

// preferMatching stably moves capability matches ahead within each priority band.
func preferMatching(tasks []*task.Task, caps []string) {
	matches := func(t *task.Task) bool {
		for _, l := range t.Labels {
			if slices.Contains(caps, l) {
				return true
			}
		}
		return false
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return matches(tasks[i]) && !matches(tasks[j])
	})
}

func (e *Engine) checkDependencies(ctx context.Context, t *task.Task) error {
	for _, dep := range t.DependsOn {
		d, err := e.tasks.Get(ctx, dep)
		if err != nil {
			return fmt.Errorf("dependency of %s: %w", t.ID, err)
		}
		if d.Status != task.StatusDone {
			return fmt.Errorf("task %s waits on %s (%s): %w", t.ID, dep, d.Status, task.ErrInvalidTransition)
		}
	}
	return nil
}

// dependenciesDone is checkDependencies with a per-scan cache of done tasks.
func (e *Engine) dependenciesDone(ctx context.Context, t *task.Task, done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if done[dep] {
			continue
		}
		d, err := e.tasks.Get(ctx, dep)
		if err != nil || d.Status != task.StatusDone {
			return false
		}
		done[dep] = true
	}
	return true
}
