package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// ExtractProcessor parses an inbound brand email into structured terms and
// appends it to the entity history. First inbound on a NEW thread activates it.
type ExtractProcessor struct {
	flow    Flow
	model   Model
	timeout time.Duration
}

func NewExtractProcessor(flow Flow, model Model, timeout time.Duration) *ExtractProcessor {
	return &ExtractProcessor{flow: flow, model: model, timeout: timeout}
}

func (p *ExtractProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() {
		slog.InfoContext(ctx, "entity is terminal, dropping inbound", "entity_id", e.ID, "state", e.State)
		return pipeline.Result{}, nil
	}

	out := p.extract(ctx, pl.Body)

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      pl.Body,
		DedupeKey: inboundDedupe(pl, job),
	}
	if amt := floatField(out, "amount"); amt > 0 {
		ev.Amount = &amt
	}
	if conf, ok := out["confidence"].(float64); ok {
		ev.Confidence = &conf
	}
	if raw, err := json.Marshal(out); err == nil {
		ev.Raw = raw
	}
	if _, err := p.flow.RecordInbound(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if e.State == workflow.StateNew {
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID:    e.ID,
			From:        workflow.StateNew,
			To:          workflow.StateActive,
			TriggeredBy: workflow.TriggerJob,
			Reason:      "first inbound message",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return pipeline.Result{}, err
		}
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueNegotiationPolicyCheck,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID},
		Opts:    queue.Options{DedupeKey: nextDedupe("policycheck", job)},
	}}}, nil
}

// extract never fails the job on a model error: the raw body is preserved in
// the event either way, so the fallback is a neutral, zero-confidence parse.
func (p *ExtractProcessor) extract(ctx context.Context, body string) map[string]any {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.model.CompleteJSON(tctx, extractPrompt(body))
	if err != nil {
		slog.WarnContext(ctx, "extract model call failed, using neutral fallback", "error", err)
		return map[string]any{
			"amount":     nil,
			"sentiment":  "neutral",
			"confidence": 0.0,
			"summary":    truncate(body, 280),
		}
	}
	return out
}

// inboundDedupe prefers the provider message ID so the same email arriving
// through different retries collapses to one event.
func inboundDedupe(pl *Payload, job *queue.Job) string {
	if pl.MessageID != "" {
		return "inbound:" + pl.MessageID
	}
	return "inbound:" + job.ID
}
