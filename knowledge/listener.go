package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
)

// Subscriber is the read side of the broadcast hub.
type Subscriber interface {
	Subscribe(opts comms.SubscribeOptions) *comms.Subscription
}

// SuggestionFunc receives the solutions found for a failure.
type SuggestionFunc func(rec *diag.FailureRecord, solutions []Solution)

// Listener asks an Assistant about every diagnostic failure broadcast on the
// hub and logs what it suggests.
type Listener struct {
	hub       Subscriber
	assistant Assistant
	logger    *slog.Logger
	onSuggest SuggestionFunc
	timeout   time.Duration
}

// ListenerOption customises a Listener.
type ListenerOption func(*Listener)

// WithLogger sets the listener's logger.
func WithLogger(l *slog.Logger) ListenerOption { return func(li *Listener) { li.logger = l } }

// OnSuggestion registers a callback invoked when a lookup returns solutions.
func OnSuggestion(fn SuggestionFunc) ListenerOption { return func(li *Listener) { li.onSuggest = fn } }

// WithLookupTimeout bounds each Assistant call.
func WithLookupTimeout(d time.Duration) ListenerOption {
	return func(li *Listener) {
		if d > 0 {
			li.timeout = d
		}
	}
}

// NewListener returns a Listener. A nil assistant is replaced by NopAssistant.
func NewListener(hub Subscriber, a Assistant, opts ...ListenerOption) *Listener {
	if a == nil {
		a = NopAssistant{}
	}
	l := &Listener{hub: hub, assistant: a, logger: slog.Default(), timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes to failure events and processes them in a goroutine until
// ctx is canceled. The returned channel is closed when the goroutine exits.
func (l *Listener) Start(ctx context.Context) <-chan struct{} {
	return consume(ctx, l.hub, comms.KindDiagnosticFailure, l.logger, l.handle)
}

// consume subscribes synchronously, so no event published after it returns is
// missed, then feeds matching events to fn until ctx is canceled.
func consume(ctx context.Context, hub Subscriber, kind comms.Kind, logger *slog.Logger, fn func(context.Context, comms.Event)) <-chan struct{} {
	subscribe := func() *comms.Subscription {
		return hub.Subscribe(comms.SubscribeOptions{Kinds: []comms.Kind{kind}})
	}
	sub := subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					// Dropped for falling behind; anything missed meanwhile is
					// still in the database.
					logger.Warn("knowledge consumer resubscribing", slog.String("kind", string(kind)))
					sub = subscribe()
					continue
				}
				fn(ctx, ev)
			}
		}
	}()
	return done
}

func (l *Listener) handle(ctx context.Context, ev comms.Event) {
	var rec *diag.FailureRecord
	switch d := ev.Data.(type) {
	case *diag.FailureRecord:
		rec = d
	case diag.FailureRecord:
		rec = &d
	default:
		return
	}
	if rec.Signature == "" {
		return
	}

	lctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	solutions, err := l.assistant.Lookup(lctx, rec.Signature)
	if err != nil {
		l.logger.Warn("knowledge lookup failed", slog.String("signature", rec.Signature), slog.Any("err", err))
		return
	}
	if len(solutions) == 0 {
		return
	}
	for _, s := range solutions {
		l.logger.Info("known fix for failure",
			slog.String("task", rec.TaskID),
			slog.String("signature", rec.Signature),
			slog.String("solution", s.Summary),
		)
	}
	if l.onSuggest != nil {
		l.onSuggest(rec, solutions)
	}
}
