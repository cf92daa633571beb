package comms

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	defaultBuffer  = 64
	defaultHistory = 256
)

// Hub is a thread-safe in-process event fan-out. Delivery is non-blocking: a
// subscriber whose buffer is full is dropped and its channel closed, so one
// slow consumer never stalls the broker.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	seq     uint64
	history []Event
	maxHist int
	buffer  int
	now     func() time.Time
	logger  *slog.Logger
}

// Option customises a Hub.
type Option func(*Hub)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithLogger sets the logger used to report dropped subscribers.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithBuffer sets the default per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub creates a Hub that keeps the most recent broadcast events in memory.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:    make(map[*Subscription]struct{}),
		maxHist: defaultHistory,
		buffer:  defaultBuffer,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription is one consumer's view of the hub.
type Subscription struct {
	C <-chan Event

	ch        chan Event
	hub       *Hub
	sessionID string
	kinds     []Kind
	closed    bool
	dropped   bool
}

// SessionID returns the session the subscription was opened for.
func (s *Subscription) SessionID() string { return s.sessionID }

// Close unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

// Dropped reports whether the hub closed the subscription because its buffer
// was full.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Subscribe registers a new subscription.
func (h *Hub) Subscribe(opts SubscribeOptions) *Subscription {
	buf := opts.Buffer
	if buf <= 0 {
		buf = h.buffer
	}
	ch := make(chan Event, buf)
	s := &Subscription{
		C:         ch,
		ch:        ch,
		hub:       h,
		sessionID: opts.SessionID,
		kinds:     slices.Clone(opts.Kinds),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish stamps ev with the next sequence number and delivers it to every
// subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev = h.stampLocked(ev)
	h.history = append(h.history, ev)
	if len(h.history) > h.maxHist {
		h.history = h.history[len(h.history)-h.maxHist:]
	}
	for s := range h.subs {
		h.deliverLocked(s, ev)
	}
}

// Send delivers ev to the subscriptions opened for sessionID. Targeted events
// are not kept in the history.
func (h *Hub) Send(sessionID string, ev Event) bool {
	if sessionID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ev.Target = sessionID
	ev = h.stampLocked(ev)
	delivered := false
	for s := range h.subs {
		if s.sessionID == sessionID && h.deliverLocked(s, ev) {
			delivered = true
		}
	}
	return delivered
}

// Connected reports whether sessionID has at least one open subscription.
func (h *Hub) Connected(sessionID string) bool {
	if sessionID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if s.sessionID == sessionID {
			return true
		}
	}
	return false
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Recent returns up to limit of the latest broadcast events, oldest first.
// A limit of zero or less returns the whole retained history.
func (h *Hub) Recent(limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if limit > 0 && len(h.history) > limit {
		start = len(h.history) - limit
	}
	return slices.Clone(h.history[start:])
}

func (h *Hub) stampLocked(ev Event) Event {
	h.seq++
	ev.Seq = h.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}
	return ev
}

// deliverLocked offers ev to s without blocking. A full buffer drops s.
func (h *Hub) deliverLocked(s *Subscription, ev Event) bool {
	if !s.wants(ev.Kind) {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped = true
		h.removeLocked(s)
		h.logger.Warn("dropped slow subscriber",
			slog.String("session", s.sessionID),
			slog.Uint64("seq", ev.Seq),
		)
		return false
	}
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
	close(s.ch)
}
