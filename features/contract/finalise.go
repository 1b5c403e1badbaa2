package contract

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

// FinaliseProcessor wraps up an agreed deal: it records the finalisation and
// hands the contract paperwork email to the mailer. It runs both for contract
// review entities passing review and for negotiation threads that just closed
// won, so a terminal CLOSED_WON entity is a normal input here, not a drop.
type FinaliseProcessor struct {
	flow     Flow
	policy   PolicySource
	outbound Publisher
}

func NewFinaliseProcessor(flow Flow, policy PolicySource, outbound Publisher) *FinaliseProcessor {
	return &FinaliseProcessor{flow: flow, policy: policy, outbound: outbound}
}

func (p *FinaliseProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State == workflow.StateClosedLost || e.State == workflow.StateFailed {
		slog.InfoContext(ctx, "entity closed without a deal, skipping finalisation", "entity_id", e.ID, "state", e.State)
		return pipeline.Result{}, nil
	}

	body := fmt.Sprintf("Hi %s team, great to have the terms agreed. The contract paperwork is attached, looking forward to kicking this off.", e.BrandName)
	if e.FinalRate != nil {
		body = fmt.Sprintf("Hi %s team, confirming the agreed rate of %.2f. The contract paperwork is attached, looking forward to kicking this off.", e.BrandName, *e.FinalRate)
	}

	pol, err := p.policy.Get(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}
	if pol.AutoSendAllowed() {
		msg, _ := json.Marshal(map[string]any{
			"send_id":        job.ID,
			"entity_id":      e.ID,
			"to":             e.BrandEmail,
			"subject":        "Contract for our partnership",
			"body":           body,
			"correlation_id": pl.CorrelationID,
		})
		if err := p.outbound.Publish(config.TopicEmailOutbound, msg); err != nil {
			return pipeline.Result{}, fmt.Errorf("publish contract email: %w", err)
		}
	} else {
		slog.InfoContext(ctx, "auto send disabled, contract email left for human", "entity_id", e.ID)
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "contract finalised",
		DedupeKey: "finalised:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if !e.State.Terminal() {
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID:    e.ID,
			From:        e.State,
			To:          workflow.StateClosedWon,
			TriggeredBy: workflow.TriggerJob,
			Reason:      "contract finalised",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return pipeline.Result{}, err
		}
	}
	return pipeline.Result{}, nil
}
