package task

import "errors"

var (
	// ErrUnknownTask is returned when a task ID does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrConflict is returned by CompareAndSwap when the expected version is stale.
	// Callers re-read the task and retry against the fresh state.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned for status changes the state machine forbids,
	// and for claims on tasks whose dependencies are not done.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotAuthorized is returned when a session acts on a task or request it
	// has no relationship with.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrExists is returned by Create when the ID is already taken.
	ErrExists = errors.New("task already exists")

	// ErrInvalid is returned by Create for malformed tasks.
	ErrInvalid = errors.New("invalid task")
)
