package payment

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

// maxChases before an unpaid invoice is escalated to a human instead of
// another automated nudge.
const maxChases = 3

type Flow interface {
	Get(ctx context.Context, id string) (*workflow.Entity, error)
	Events(ctx context.Context, entityID string) ([]workflow.Event, error)
	RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error)
	RecordOutbound(ctx context.Context, ev *workflow.Event) (bool, error)
	Transition(ctx context.Context, t *workflow.Transition) error
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

type PolicySource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Payload struct {
	EntityID      string `json:"entity_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Paid marks the invoice settled; payment webhooks and manual triggers
	// set it.
	Paid bool `json:"paid,omitempty"`
}

// ChaseProcessor nudges overdue invoices. Each run sends at most one
// reminder; after maxChases reminders it stops mailing and raises an ops
// alert instead.
type ChaseProcessor struct {
	flow     Flow
	policy   PolicySource
	outbound Publisher
	alerts   Publisher
	now      func() time.Time
}

func NewChaseProcessor(flow Flow, policy PolicySource, outbound, alerts Publisher) *ChaseProcessor {
	return &ChaseProcessor{flow: flow, policy: policy, outbound: outbound, alerts: alerts, now: time.Now}
}

func (p *ChaseProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	var pl Payload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		return pipeline.Result{}, pipeline.Validation(fmt.Errorf("decode payload: %w", err))
	}
	if pl.EntityID == "" {
		return pipeline.Result{}, pipeline.Validation(errors.New("entity_id is required"))
	}

	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() {
		return pipeline.Result{}, nil
	}

	if pl.Paid {
		return pipeline.Result{}, p.settle(ctx, job, e)
	}

	if e.DueAt == nil || e.DueAt.After(p.now()) {
		slog.InfoContext(ctx, "invoice not overdue, skipping chase", "entity_id", e.ID)
		return pipeline.Result{}, nil
	}

	chases, err := p.chaseCount(ctx, e.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if chases >= maxChases {
		return pipeline.Result{}, p.escalate(ctx, job, e, chases)
	}

	pol, err := p.policy.Get(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}

	body := fmt.Sprintf("Hi %s team, a friendly nudge that the invoice for our partnership was due %s. Could you check on the payment status?",
		e.BrandName, e.DueAt.Format("2 Jan 2006"))
	if e.FinalRate != nil {
		body = fmt.Sprintf("Hi %s team, a friendly nudge that the invoice for %.2f was due %s. Could you check on the payment status?",
			e.BrandName, *e.FinalRate, e.DueAt.Format("2 Jan 2006"))
	}

	if !pol.AutoSendAllowed() {
		ev := &workflow.Event{EntityID: e.ID, Body: "payment reminder held for human: " + body, DedupeKey: "chase:" + job.ID}
		_, err = p.flow.RecordSystem(ctx, ev)
		return pipeline.Result{}, err
	}

	msg, _ := json.Marshal(map[string]any{
		"send_id":        job.ID,
		"entity_id":      e.ID,
		"to":             e.BrandEmail,
		"subject":        "Invoice payment reminder",
		"body":           body,
		"correlation_id": pl.CorrelationID,
	})
	if err := p.outbound.Publish(config.TopicEmailOutbound, msg); err != nil {
		return pipeline.Result{}, fmt.Errorf("publish payment reminder: %w", err)
	}
	ev := &workflow.Event{EntityID: e.ID, Body: body, DedupeKey: "chase:" + job.ID}
	if _, err := p.flow.RecordOutbound(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{}, nil
}

func (p *ChaseProcessor) settle(ctx context.Context, job *queue.Job, e *workflow.Entity) error {
	ev := &workflow.Event{EntityID: e.ID, Body: "invoice paid", DedupeKey: "paid:" + job.ID}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return err
	}
	from := e.State
	if from == workflow.StateNew {
		from = workflow.StateActive
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID: e.ID, From: workflow.StateNew, To: workflow.StateActive,
			TriggeredBy: workflow.TriggerJob, Reason: "invoice issued",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return err
		}
	}
	err := p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        from,
		To:          workflow.StateClosedWon,
		TriggeredBy: workflow.TriggerJob,
		Reason:      "payment received",
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return nil
	}
	return err
}

func (p *ChaseProcessor) escalate(ctx context.Context, job *queue.Job, e *workflow.Entity, chases int) error {
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      fmt.Sprintf("invoice still unpaid after %d reminders, escalated", chases),
		DedupeKey: "escalate:" + job.ID,
	}
	appended, err := p.flow.RecordSystem(ctx, ev)
	if err != nil {
		return err
	}
	if !appended {
		return nil
	}
	alert, _ := json.Marshal(map[string]string{
		"type":      "invoice_unpaid",
		"entity_id": e.ID,
	})
	if err := p.alerts.Publish(config.TopicOpsAlert, alert); err != nil {
		slog.WarnContext(ctx, "invoice alert publish failed", "entity_id", e.ID, "error", err)
	}
	return nil
}

// chaseCount derives the reminders already sent from the history, so the
// cap survives restarts and redeliveries without extra bookkeeping columns.
func (p *ChaseProcessor) chaseCount(ctx context.Context, entityID string) (int, error) {
	events, err := p.flow.Events(ctx, entityID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if ev.Direction == workflow.DirectionOutbound && strings.Contains(ev.Body, "friendly nudge") {
			n++
		}
	}
	return n, nil
}
