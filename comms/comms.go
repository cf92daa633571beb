// Package comms provides the broadcast hub that fans broker state changes out
// to every connected agent.
package comms

import "time"

// Kind identifies the kind of event.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskClaimed       Kind = "task.claimed"
	KindTaskStatusChanged Kind = "task.status_changed"
	KindTaskReclaimed     Kind = "task.reclaimed"
	KindHelpRequested     Kind = "help.requested"
	KindHelpAccepted      Kind = "help.accepted"
	KindHelpCompleted     Kind = "help.completed"
	KindHandoffDelivered  Kind = "handoff.delivered"
	KindSessionCheckedIn  Kind = "session.checked_in"
	KindSessionCheckedOut Kind = "session.checked_out"
	KindDiagnosticFailure Kind = "diagnostic.failure"
)

// Event is a single state change broadcast to subscribers.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"` // acting session
	Target    string    `json:"target,omitempty"`     // set on targeted events
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the write side of the hub that broker components depend on.
type Publisher interface {
	// Publish broadcasts ev to every subscriber. It never blocks.
	Publish(ev Event)

	// Send delivers ev only to subscriptions opened for sessionID and reports
	// whether at least one received it.
	Send(sessionID string, ev Event) bool

	// Connected reports whether sessionID has an open subscription.
	Connected(sessionID string) bool
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// SessionID enables targeted delivery via Send. Empty receives broadcasts only.
	SessionID string
	// Buffer is the channel capacity. Zero uses the hub default.
	Buffer int
	// Kinds restricts delivery to the listed kinds. Empty receives everything.
	Kinds []Kind
}

// Nop is a Publisher that discards everything.
type Nop struct{}

func (Nop) Publish(Event)           {}
func (Nop) Send(string, Event) bool { return false }
func (Nop) Connected(string) bool   { return false }
