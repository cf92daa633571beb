package knowledge

import (
	"context"
	"log/slog"

	"github.com/GoCodeAlone/baton/collab"
	"github.com/GoCodeAlone/baton/comms"
	"github.com/GoCodeAlone/baton/diag"
)

// FailureLister reads recorded failures, newest first.
type FailureLister interface {
	List(ctx context.Context, taskID string, limit int) ([]*diag.FailureRecord, error)
}

// FailureListFunc adapts a function to FailureLister.
type FailureListFunc func(ctx context.Context, taskID string, limit int) ([]*diag.FailureRecord, error)

func (f FailureListFunc) List(ctx context.Context, taskID string, limit int) ([]*diag.FailureRecord, error) {
	return f(ctx, taskID, limit)
}

// SolutionSaver persists solutions.
type SolutionSaver interface {
	Save(ctx context.Context, s Solution) (*Solution, error)
}

// Harvester files the outcome of a completed help request as a solution for
// the task's most recent failure, so the next agent to hit the same error
// gets it suggested.
type Harvester struct {
	hub      Subscriber
	failures FailureLister
	store    SolutionSaver
	logger   *slog.Logger
}

// NewHarvester returns a Harvester. A nil logger uses slog.Default.
func NewHarvester(hub Subscriber, failures FailureLister, store SolutionSaver, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{hub: hub, failures: failures, store: store, logger: logger}
}

// Start consumes help.completed events until ctx is canceled.
func (h *Harvester) Start(ctx context.Context) <-chan struct{} {
	return consume(ctx, h.hub, comms.KindHelpCompleted, h.logger, h.handle)
}

func (h *Harvester) handle(ctx context.Context, ev comms.Event) {
	req, ok := ev.Data.(*collab.HelpRequest)
	if !ok || req.Outcome == "" {
		return
	}
	recs, err := h.failures.List(ctx, req.TaskID, 1)
	if err != nil {
		h.logger.Warn("harvest: list failures", slog.String("task", req.TaskID), slog.Any("err", err))
		return
	}
	if len(recs) == 0 {
		return
	}
	s, err := h.store.Save(ctx, Solution{
		Signature: recs[0].Signature,
		Summary:   req.Outcome,
		Detail:    req.Context,
		Source:    "help:" + req.ID,
	})
	if err != nil {
		h.logger.Warn("harvest: save solution", slog.String("task", req.TaskID), slog.Any("err", err))
		return
	}
	h.logger.Info("solution recorded",
		slog.String("task", req.TaskID),
		slog.String("signature", s.Signature),
		slog.String("solution", s.ID),
	)
}
