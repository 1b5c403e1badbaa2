package negotiation

import (
	"context"
	"fmt"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// DealUpdateProcessor keeps the deal bookkeeping current after a turn: the
// standing offer is re-derived from the history and written into an audit
// event, so dashboards read one place instead of replaying the thread.
type DealUpdateProcessor struct {
	flow Flow
}

func NewDealUpdateProcessor(flow Flow) *DealUpdateProcessor {
	return &DealUpdateProcessor{flow: flow}
}

func (p *DealUpdateProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
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

	offer, err := p.flow.LastOffer(ctx, e.ID)
	if err != nil {
		return pipeline.Result{}, err
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "deal terms updated",
		DedupeKey: "dealupdate:" + job.ID,
	}
	if offer != nil && offer.Amount != nil {
		ev.Amount = offer.Amount
		ev.Body = fmt.Sprintf("deal terms updated, standing offer %.2f", *offer.Amount)
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueNegotiationDecision,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID, Decision: pl.Decision},
		Opts:    queue.Options{DedupeKey: nextDedupe("decision", job)},
	}}}, nil
}
