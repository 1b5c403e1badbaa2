package negotiation

import (
	"context"
	"fmt"
	"log/slog"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// DecisionProcessor closes out a negotiation turn. It records what the turn
// concluded and where the thread now waits, which is the marker operators and
// the scanners key off between turns.
type DecisionProcessor struct {
	flow Flow
}

func NewDecisionProcessor(flow Flow) *DecisionProcessor {
	return &DecisionProcessor{flow: flow}
}

func (p *DecisionProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() {
		return pipeline.Result{}, nil
	}

	body := fmt.Sprintf("turn complete, thread in %s", e.State)
	if pl.Decision != "" {
		body = fmt.Sprintf("turn complete (%s), thread in %s", pl.Decision, e.State)
	}
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      body,
		DedupeKey: "turn:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	slog.InfoContext(ctx, "negotiation turn complete", "entity_id", e.ID, "state", e.State, "decision", pl.Decision)
	return pipeline.Result{}, nil
}
