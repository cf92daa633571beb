// Package task defines the task model, its status state machine and the
// compare-and-swap store that is the only write path for task state.
package task

import (
	"fmt"
	"slices"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// Held reports whether a task in status s has an assignee working on it.
func (s Status) Held() bool {
	return s == StatusClaimed || s == StatusInProgress || s == StatusBlocked
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok || s.Terminal()
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusClaimed, StatusCanceled},
	StatusClaimed:    {StatusInProgress, StatusQueued, StatusCanceled},
	StatusInProgress: {StatusBlocked, StatusDone, StatusFailed, StatusCanceled, StatusQueued},
	StatusBlocked:    {StatusInProgress, StatusDone, StatusFailed, StatusCanceled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// Priority determines task scheduling order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher ranks are claimed first. Unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

// ParsePriority validates s, defaulting the empty string to medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if p.Rank() == 0 {
		return "", fmt.Errorf("unknown priority %q: %w", s, ErrInvalid)
	}
	return p, nil
}

// Task is a unit of work on the shared board.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Priority      Priority  `json:"priority"`
	Status        Status    `json:"status"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	Assignee      string    `json:"assignee,omitempty"` // session ID
	Version       int64     `json:"version"`
	Labels        []string  `json:"labels,omitempty"`
	Reserved      string    `json:"reserved,omitempty"` // external channel the task is delegated to
	BlockedReason string    `json:"blocked_reason,omitempty"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Labels = slices.Clone(t.Labels)
	return &c
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Statuses        []Status `json:"statuses,omitempty"`
	Assignee        string   `json:"assignee,omitempty"`
	Label           string   `json:"label,omitempty"`
	ExcludeReserved bool     `json:"exclude_reserved,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	Offset          int      `json:"offset,omitempty"`
}

// Mutation edits a fresh copy of a task inside CompareAndSwap. ID, Version and
// the timestamps are owned by the store and are restored after the mutation runs.
type Mutation func(t *Task) error

// Change is the payload broadcast when a task changes status.
type Change struct {
	From Status `json:"from"`
	To   Status `json:"to"`
	Task *Task  `json:"task"`
}
