package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
	"github.com/GoCodeAlone/baton/lock"
	"github.com/GoCodeAlone/baton/task"
)

// Start moves a claimed task to in_progress.
func (e *Engine) Start(ctx context.Context, taskID, sessionID string) (*task.Task, error) {
	return e.transition(ctx, taskID, sessionID, []task.Status{task.StatusClaimed}, task.StatusInProgress, nil)
}

// Block parks an in-progress task on an external dependency. The active lock
// is kept and is not reclaimed on lease expiry.
func (e *Engine) Block(ctx context.Context, taskID, sessionID, reason string) (*task.Task, error) {
	return e.transition(ctx, taskID, sessionID, nil, task.StatusBlocked, func(t *task.Task) {
		t.BlockedReason = reason
	})
}

// Resume moves a blocked task back to in_progress.
func (e *Engine) Resume(ctx context.Context, taskID, sessionID string) (*task.Task, error) {
	return e.transition(ctx, taskID, sessionID, []task.Status{task.StatusBlocked}, task.StatusInProgress, func(t *task.Task) {
		t.BlockedReason = ""
	})
}

// Complete marks the task done and releases every lock on it, including
// helper locks. A task still in claimed is started first.
func (e *Engine) Complete(ctx context.Context, taskID, sessionID, result string) (*task.Task, error) {
	if err := e.startIfClaimed(ctx, taskID, sessionID); err != nil {
		return nil, err
	}
	t, err := e.transition(ctx, taskID, sessionID, nil, task.StatusDone, func(t *task.Task) {
		t.Result = result
		t.BlockedReason = ""
	})
	if err != nil {
		return nil, err
	}
	e.releaseTask(ctx, taskID)
	return t, nil
}

// Fail marks the task failed, releases every lock on it and emits a
// diagnostic failure record.
func (e *Engine) Fail(ctx context.Context, taskID, sessionID, reason string) (*task.Task, error) {
	if err := e.startIfClaimed(ctx, taskID, sessionID); err != nil {
		return nil, err
	}
	t, err := e.transition(ctx, taskID, sessionID, nil, task.StatusFailed, func(t *task.Task) {
		t.Error = reason
		t.BlockedReason = ""
	})
	if err != nil {
		return nil, err
	}
	e.releaseTask(ctx, taskID)
	if e.failures != nil {
		if _, err := e.failures.Record(ctx, diag.FailureRecord{
			TaskID:       taskID,
			SessionID:    sessionID,
			ErrorMessage: reason,
			Kind:         diag.KindFailed,
		}); err != nil {
			e.logger.Error("record failure", slog.String("task", taskID), slog.Any("err", err))
		}
	}
	return t, nil
}

// Release voluntarily returns a claimed or in-progress task to the queue.
func (e *Engine) Release(ctx context.Context, taskID, sessionID string) (*task.Task, error) {
	t, err := e.transition(ctx, taskID, sessionID, nil, task.StatusQueued, func(t *task.Task) {
		t.Assignee = ""
	})
	if err != nil {
		return nil, err
	}
	if err := e.locks.Release(ctx, taskID, sessionID); err != nil {
		e.logger.Error("release lock", slog.String("task", taskID), slog.Any("err", err))
	}
	e.releaseHelpers(ctx, taskID)
	return t, nil
}

// Cancel cancels a task. The holder of the active lock may cancel at any
// time; anyone may cancel a queued task or a blocked task whose lock is gone.
func (e *Engine) Cancel(ctx context.Context, taskID, sessionID, reason string) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("task %s is %s: %w", taskID, cur.Status, task.ErrInvalidTransition)
		}
		active, err := e.locks.Active(ctx, taskID)
		if err != nil {
			return nil, err
		}
		holder := active != nil && active.SessionID == sessionID && cur.Assignee == sessionID
		orphan := active == nil && (cur.Status == task.StatusQueued || cur.Status == task.StatusBlocked)
		if !holder && !orphan {
			return nil, fmt.Errorf("session %s cannot cancel %s: %w", sessionID, taskID, task.ErrNotAuthorized)
		}

		next, err := e.tasks.CompareAndSwap(ctx, taskID, cur.Version, func(t *task.Task) error {
			t.Status = task.StatusCanceled
			t.Error = reason
			return nil
		})
		if errors.Is(err, task.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.releaseTask(ctx, taskID)
		e.publishChange(cur.Status, next, sessionID)
		return next, nil
	}
}

// Abandon returns sessionID's claimed and in-progress tasks to the queue and
// then releases every lock it holds. Blocked tasks stay blocked. The requeued
// tasks are returned.
func (e *Engine) Abandon(ctx context.Context, sessionID string) ([]*task.Task, error) {
	held, err := e.locks.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var requeued []*task.Task
	for _, l := range held {
		if l.Type != lock.TypeActive {
			continue
		}
		t, err := e.requeue(ctx, l.TaskID, sessionID)
		if err != nil {
			e.logger.Warn("requeue on checkout", slog.String("task", l.TaskID), slog.Any("err", err))
			continue
		}
		if t != nil {
			e.releaseHelpers(ctx, l.TaskID)
			requeued = append(requeued, t)
		}
	}
	if _, err := e.locks.ReleaseAll(ctx, sessionID); err != nil {
		return requeued, err
	}
	return requeued, nil
}

// requeue reverts taskID to queued if sessionID still holds it in claimed or
// in_progress. It returns nil without error when there is nothing to do.
func (e *Engine) requeue(ctx context.Context, taskID, sessionID string) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cur.Assignee != sessionID || (cur.Status != task.StatusClaimed && cur.Status != task.StatusInProgress) {
			return nil, nil
		}
		next, err := e.tasks.CompareAndSwap(ctx, taskID, cur.Version, func(t *task.Task) error {
			t.Status = task.StatusQueued
			t.Assignee = ""
			return nil
		})
		if errors.Is(err, task.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.publishChange(cur.Status, next, sessionID)
		return next, nil
	}
}

func (e *Engine) startIfClaimed(ctx context.Context, taskID, sessionID string) error {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusClaimed {
		return nil
	}
	_, err = e.Start(ctx, taskID, sessionID)
	return err
}

// transition applies a holder-only status change. When from is non-empty the
// current status must be one of it. A single conflict is retried against
// fresh state.
func (e *Engine) transition(ctx context.Context, taskID, sessionID string, from []task.Status, to task.Status, mutate func(*task.Task)) (*task.Task, error) {
	for attempt := 0; ; attempt++ {
		cur, err := e.tasks.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("task %s is %s: %w", taskID, cur.Status, task.ErrInvalidTransition)
		}
		if err := e.authorize(ctx, cur, sessionID); err != nil {
			return nil, err
		}
		if !task.CanTransition(cur.Status, to) || (len(from) > 0 && !slices.Contains(from, cur.Status)) {
			return nil, fmt.Errorf("task %s %s -> %s: %w", taskID, cur.Status, to, task.ErrInvalidTransition)
		}
		next, err := e.tasks.CompareAndSwap(ctx, taskID, cur.Version, func(t *task.Task) error {
			t.Status = to
			if mutate != nil {
				mutate(t)
			}
			return nil
		})
		if errors.Is(err, task.ErrConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		e.logger.Info("task status changed",
			slog.String("task", taskID),
			slog.String("from", string(cur.Status)),
			slog.String("to", string(to)),
			slog.String("session", sessionID),
		)
		e.publishChange(cur.Status, next, sessionID)
		return next, nil
	}
}

// authorize requires sessionID to be the assignee and to hold the active lock.
func (e *Engine) authorize(ctx context.Context, t *task.Task, sessionID string) error {
	if t.Assignee != sessionID {
		return fmt.Errorf("session %s is not the assignee of %s: %w", sessionID, t.ID, task.ErrNotAuthorized)
	}
	active, err := e.locks.Active(ctx, t.ID)
	if err != nil {
		return err
	}
	if active == nil || active.SessionID != sessionID {
		return fmt.Errorf("session %s does not hold the active lock on %s: %w", sessionID, t.ID, task.ErrNotAuthorized)
	}
	return nil
}

func (e *Engine) releaseTask(ctx context.Context, taskID string) {
	if _, err := e.locks.ReleaseTask(ctx, taskID); err != nil {
		e.logger.Error("release task locks", slog.String("task", taskID), slog.Any("err", err))
	}
}

func (e *Engine) releaseHelpers(ctx context.Context, taskID string) {
	locks, err := e.locks.List(ctx, taskID)
	if err != nil {
		e.logger.Error("list task locks", slog.String("task", taskID), slog.Any("err", err))
		return
	}
	for _, l := range locks {
		if l.Type == lock.TypeHelper {
			_ = e.locks.ReleaseType(ctx, taskID, l.SessionID, lock.TypeHelper)
		}
	}
}

func (e *Engine) publishChange(from task.Status, t *task.Task, sessionID string) {
	e.pub.Publish(comms.Event{
		Kind:      comms.KindTaskStatusChanged,
		TaskID:    t.ID,
		SessionID: sessionID,
		Data:      &task.Change{From: from, To: t.Status, Task: t},
	})
}
