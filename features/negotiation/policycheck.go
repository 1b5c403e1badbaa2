package negotiation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// PolicyCheckProcessor screens the standing offer against the agent policy
// before any drafting happens. Flags are advisory: they ride along in the
// history so the counter-offer stage and human reviewers see them.
type PolicyCheckProcessor struct {
	flow   Flow
	policy PolicySource
}

func NewPolicyCheckProcessor(flow Flow, policy PolicySource) *PolicyCheckProcessor {
	return &PolicyCheckProcessor{flow: flow, policy: policy}
}

func (p *PolicyCheckProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
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

	pol, err := p.policy.Get(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}
	offer, err := p.flow.LastOffer(ctx, e.ID)
	if err != nil {
		return pipeline.Result{}, err
	}

	flags := policyFlags(pol.MinRate, ceilingRate(pol), offer)
	if len(flags) > 0 {
		raw, _ := json.Marshal(map[string]any{"flags": flags})
		ev := &workflow.Event{
			EntityID:  e.ID,
			Body:      "policy check: " + strings.Join(flags, ", "),
			Raw:       raw,
			DedupeKey: "policycheck:" + job.ID,
		}
		if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
			return pipeline.Result{}, err
		}
		slog.InfoContext(ctx, "policy flags raised", "entity_id", e.ID, "flags", flags)
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueNegotiationCounterOffer,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID},
		Opts:    queue.Options{DedupeKey: nextDedupe("counteroffer", job)},
	}}}, nil
}

func policyFlags(minRate, ceiling float64, offer *workflow.Event) []string {
	if offer == nil || offer.Amount == nil {
		return []string{"no_offer_on_record"}
	}
	var flags []string
	if *offer.Amount < minRate {
		flags = append(flags, "below_min_rate")
	}
	if ceiling > 0 && *offer.Amount > ceiling*3 {
		flags = append(flags, "implausible_amount")
	}
	return flags
}
