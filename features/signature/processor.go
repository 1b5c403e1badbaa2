package signature

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

// Signature provider event types.
const (
	EventSent      = "sent"
	EventViewed    = "viewed"
	EventCompleted = "completed"
	EventDeclined  = "declined"
)

type Flow interface {
	Get(ctx context.Context, id string) (*workflow.Entity, error)
	RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error)
	Transition(ctx context.Context, t *workflow.Transition) error
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Payload is the signature provider webhook, bridged verbatim from the intake
// topic onto the durable queue.
type Payload struct {
	EntityID      string `json:"entity_id"`
	EnvelopeID    string `json:"envelope_id"`
	Event         string `json:"event"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Processor applies signature provider callbacks to the signature request
// lifecycle. Completed envelopes close the deal won, declined ones lost,
// everything else is history only.
type Processor struct {
	flow   Flow
	alerts Publisher
}

func NewProcessor(flow Flow, alerts Publisher) *Processor {
	return &Processor{flow: flow, alerts: alerts}
}

func (p *Processor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	var pl Payload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		return pipeline.Result{}, pipeline.Validation(fmt.Errorf("decode payload: %w", err))
	}
	if pl.EntityID == "" || pl.Event == "" {
		return pipeline.Result{}, pipeline.Validation(errors.New("entity_id and event are required"))
	}

	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() {
		slog.InfoContext(ctx, "signature event on terminal entity, history only", "entity_id", e.ID, "event", pl.Event)
		return pipeline.Result{}, nil
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      fmt.Sprintf("signature envelope %s: %s", pl.EnvelopeID, pl.Event),
		DedupeKey: fmt.Sprintf("sig:%s:%s", pl.EnvelopeID, pl.Event),
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	switch pl.Event {
	case EventCompleted:
		return pipeline.Result{}, p.close(ctx, e, workflow.StateClosedWon, "all parties signed")
	case EventDeclined:
		if err := p.close(ctx, e, workflow.StateClosedLost, "signature declined"); err != nil {
			return pipeline.Result{}, err
		}
		alert, _ := json.Marshal(map[string]string{
			"type":      "signature_declined",
			"entity_id": e.ID,
			"envelope":  pl.EnvelopeID,
		})
		if err := p.alerts.Publish(config.TopicOpsAlert, alert); err != nil {
			slog.WarnContext(ctx, "signature alert publish failed", "entity_id", e.ID, "error", err)
		}
		return pipeline.Result{}, nil
	case EventSent:
		return pipeline.Result{}, p.activate(ctx, e)
	default:
		// Unknown provider events are kept in the history and otherwise ignored.
		return pipeline.Result{}, nil
	}
}

func (p *Processor) close(ctx context.Context, e *workflow.Entity, to workflow.State, reason string) error {
	from := e.State
	if from == workflow.StateNew {
		// A callback can arrive before the request was ever worked; pass
		// through ACTIVE so the transition stays in the table.
		if err := p.activate(ctx, e); err != nil {
			return err
		}
		from = workflow.StateActive
	}
	err := p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        from,
		To:          to,
		TriggeredBy: workflow.TriggerJob,
		Reason:      reason,
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return nil
	}
	return err
}

func (p *Processor) activate(ctx context.Context, e *workflow.Entity) error {
	if e.State != workflow.StateNew {
		return nil
	}
	err := p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        workflow.StateNew,
		To:          workflow.StateActive,
		TriggeredBy: workflow.TriggerJob,
		Reason:      "signature request in flight",
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return nil
	}
	return err
}
