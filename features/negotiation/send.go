package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// SendProcessor owns the one irreversible side effect of the negotiation
// pipeline: publishing the outbound email. The message carries a send ID the
// mailer dedupes on, so a redelivered job can republish safely. State only
// advances after the publish succeeds.
type SendProcessor struct {
	flow     Flow
	outbound Publisher
}

func NewSendProcessor(flow Flow, outbound Publisher) *SendProcessor {
	return &SendProcessor{flow: flow, outbound: outbound}
}

func (p *SendProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	if pl.Body == "" {
		return pipeline.Result{}, pipeline.Validation(errors.New("send: body is required"))
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() {
		slog.InfoContext(ctx, "entity is terminal, dropping send", "entity_id", e.ID, "state", e.State)
		return pipeline.Result{}, nil
	}

	msg, _ := json.Marshal(map[string]any{
		"send_id":        job.ID,
		"entity_id":      e.ID,
		"to":             e.BrandEmail,
		"subject":        pl.Subject,
		"body":           pl.Body,
		"correlation_id": pl.CorrelationID,
	})
	if err := p.outbound.Publish(config.TopicEmailOutbound, msg); err != nil {
		return pipeline.Result{}, fmt.Errorf("publish outbound email: %w", err)
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Amount:    pl.Amount,
		Body:      pl.Body,
		DedupeKey: "send:" + job.ID,
	}
	if _, err := p.flow.RecordOutbound(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if e.State == workflow.StateActive {
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID:    e.ID,
			From:        workflow.StateActive,
			To:          workflow.StateAwaitingReply,
			TriggeredBy: workflow.TriggerJob,
			Reason:      "message sent, waiting on brand",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return pipeline.Result{}, err
		}
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueNegotiationDealUpdate,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID, Amount: pl.Amount, Decision: pl.Decision},
		Opts:    queue.Options{DedupeKey: nextDedupe("dealupdate", job)},
	}}}, nil
}
