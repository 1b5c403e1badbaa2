package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

// CounterOfferProcessor runs one negotiation turn: it reads the full thread,
// asks the model for the next move, and either records an acceptance, hands a
// draft to the send stage, or parks the suggestion for human review when the
// policy forbids auto-send.
type CounterOfferProcessor struct {
	flow    Flow
	policy  PolicySource
	model   Model
	alerts  Publisher
	timeout time.Duration
}

func NewCounterOfferProcessor(flow Flow, policy PolicySource, model Model, alerts Publisher, timeout time.Duration) *CounterOfferProcessor {
	return &CounterOfferProcessor{flow: flow, policy: policy, model: model, alerts: alerts, timeout: timeout}
}

func (p *CounterOfferProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
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
	events, err := p.flow.Events(ctx, e.ID)
	if err != nil {
		return pipeline.Result{}, err
	}

	out := p.decide(ctx, pol, e, events)

	if boolField(out, "escalate_to_human") {
		return pipeline.Result{}, p.escalate(ctx, job, e, strField(out, "reason"))
	}

	decision := strings.ToUpper(strField(out, "decision"))
	if decision == DecisionAccept {
		return p.accept(ctx, job, e, out, events)
	}

	draft := strField(out, "message")
	if draft == "" {
		draft = followUpBody(e.BrandName)
	}
	subject := strField(out, "subject")
	if subject == "" {
		subject = "Re: " + e.BrandName + " partnership"
	}

	var amount *float64
	if decision == DecisionCounter {
		if v := floatField(out, "counter_offer"); v > 0 {
			clamped := clampCounter(v, ceilingRate(pol))
			amount = &clamped
		}
	}

	raw, _ := json.Marshal(out)
	ev := &workflow.Event{
		EntityID:  e.ID,
		Amount:    amount,
		Body:      draft,
		Raw:       raw,
		DedupeKey: "suggest:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if !pol.AutoSendAllowed() {
		slog.InfoContext(ctx, "auto send disabled, suggestion parked for review",
			"entity_id", e.ID, "decision", decision)
		return pipeline.Result{}, pipeline.PolicyBlocked("auto send disabled, suggestion recorded for human review")
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue: config.QueueNegotiationSend,
		Payload: Payload{
			EntityID:      e.ID,
			CorrelationID: pl.CorrelationID,
			Subject:       subject,
			Body:          draft,
			Amount:        amount,
			Decision:      decision,
		},
		Opts: queue.Options{DedupeKey: nextDedupe("send", job)},
	}}}, nil
}

// decide falls back to a neutral follow-up when the model is unavailable. The
// thread keeps moving and a human sees the unmodelled turn in the history.
func (p *CounterOfferProcessor) decide(ctx context.Context, pol *settings.Settings, e *workflow.Entity, events []workflow.Event) map[string]any {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	round := outboundCount(events) + 1
	out, err := p.model.CompleteJSON(tctx, counterPrompt(pol, e, events, round))
	if err != nil {
		slog.WarnContext(ctx, "counter-offer model call failed, falling back to follow-up", "error", err)
		return map[string]any{
			"decision":  DecisionFollowUp,
			"message":   followUpBody(e.BrandName),
			"sentiment": "neutral",
		}
	}
	return out
}

func outboundCount(events []workflow.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Direction == workflow.DirectionOutbound {
			n++
		}
	}
	return n
}

func (p *CounterOfferProcessor) accept(ctx context.Context, job *queue.Job, e *workflow.Entity, out map[string]any, events []workflow.Event) (pipeline.Result, error) {
	rate := floatField(out, "agreed_rate")
	if rate == 0 {
		if last := lastAmount(events); last != nil {
			rate = *last
		}
	}

	// With no agreed rate and no offer on record the acceptance is logged
	// without an amount; a zero here would read as the last offer.
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "offer accepted, no rate on record",
		DedupeKey: "accept:" + job.ID,
	}
	reason := "terms agreed, no rate on record"
	if rate > 0 {
		if err := p.flow.SetFinalRate(ctx, e.ID, rate); err != nil {
			return pipeline.Result{}, err
		}
		ev.Amount = &rate
		ev.Body = fmt.Sprintf("offer accepted at %.2f", rate)
		reason = fmt.Sprintf("terms agreed at %.2f", rate)
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	// A first-touch acceptance arrives on a NEW entity; pass it through
	// ACTIVE so the close stays on the transition table.
	from := e.State
	if from == workflow.StateNew {
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID:    e.ID,
			From:        workflow.StateNew,
			To:          workflow.StateActive,
			TriggeredBy: workflow.TriggerJob,
			Reason:      "accepted on first contact",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return pipeline.Result{}, err
		}
		from = workflow.StateActive
	}

	err := p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        from,
		To:          workflow.StateClosedWon,
		TriggeredBy: workflow.TriggerJob,
		Reason:      reason,
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return pipeline.Result{}, nil
	}
	if err != nil {
		return pipeline.Result{}, err
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueContractFinalise,
		Payload: Payload{EntityID: e.ID},
		Opts:    queue.Options{DedupeKey: nextDedupe("finalise", job)},
	}}}, nil
}

func (p *CounterOfferProcessor) escalate(ctx context.Context, job *queue.Job, e *workflow.Entity, reason string) error {
	if reason == "" {
		reason = "model requested human review"
	}
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "escalated to human: " + reason,
		DedupeKey: "escalate:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return err
	}

	alert, _ := json.Marshal(map[string]string{
		"type":      "escalation",
		"entity_id": e.ID,
		"reason":    reason,
	})
	if err := p.alerts.Publish(config.TopicOpsAlert, alert); err != nil {
		slog.WarnContext(ctx, "escalation alert publish failed", "entity_id", e.ID, "error", err)
	}
	return nil
}

// clampCounter enforces the policy ceiling on any model-proposed rate.
func clampCounter(amount, ceiling float64) float64 {
	if ceiling > 0 && amount > ceiling {
		return ceiling
	}
	return amount
}

func lastAmount(events []workflow.Event) *float64 {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Amount != nil {
			return events[i].Amount
		}
	}
	return nil
}

func followUpBody(brandName string) string {
	return fmt.Sprintf("Hi %s team, just checking in on the partnership conversation. Happy to pick up where we left off whenever suits.", brandName)
}
