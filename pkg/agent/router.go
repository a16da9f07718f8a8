package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coe/pkg/protocol"
)

// Answerer answers a ticket. *Runner implements it.
type Answerer interface {
	Answer(ctx context.Context, t *protocol.Ticket) (string, error)
}

// TicketUpdater is the slice of the ticket store the router writes through.
type TicketUpdater interface {
	Update(ctx context.Context, id string, p protocol.Patch) (*protocol.Ticket, error)
}

// AnswerRouter hands human-to-AI tickets to the answer agent and writes the
// answer back to the ticket thread. It implements dispatcher.Router.
type AnswerRouter struct {
	agent  Answerer
	store  TicketUpdater
	logger *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewAnswerRouter creates an AnswerRouter.
func NewAnswerRouter(a Answerer, store TicketUpdater, logger *slog.Logger) *AnswerRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnswerRouter{agent: a, store: store, logger: logger.With("component", "answer-router"), nowFunc: time.Now}
}

// Route claims the ticket for the answer agent, asks, and records the answer.
// The ticket is done when the answer lands; a failed run leaves it open and
// unassigned so it can be picked up by hand.
func (r *AnswerRouter) Route(ctx context.Context, t *protocol.Ticket) error {
	claimed, err := r.store.Update(ctx, t.ID, protocol.Patch{
		Assignee:        protocol.Ptr(string(KindAnswer) + "-agent"),
		ExpectedVersion: t.Version,
	})
	if err != nil {
		return fmt.Errorf("claim ticket %s: %w", t.ID, err)
	}

	answer, err := r.agent.Answer(ctx, claimed)
	if err != nil {
		if _, uerr := r.store.Update(context.WithoutCancel(ctx), t.ID, protocol.Patch{Assignee: protocol.Ptr("")}); uerr != nil {
			r.logger.Warn("release ticket failed", "ticket", t.ID, "error", uerr)
		}
		return fmt.Errorf("answer ticket %s: %w", t.ID, err)
	}

	if _, err := r.store.Update(ctx, t.ID, protocol.Patch{
		Status:     protocol.Ptr(protocol.StatusDone),
		Resolution: protocol.Ptr(answer),
		AppendMessages: []protocol.Message{{
			Role:      "assistant",
			Content:   answer,
			Timestamp: r.nowFunc().UTC(),
		}},
	}); err != nil {
		return fmt.Errorf("record answer for %s: %w", t.ID, err)
	}
	r.logger.Info("ticket answered", "ticket", t.ID)
	return nil
}
