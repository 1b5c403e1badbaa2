package contract

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
)

// Risk levels the review stage recognises. Anything that is not low risk
// stops the automated path and waits for a human.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

// ReviewProcessor screens incoming contract terms for red flags before
// finalisation. An unreviewable contract is never waved through: the model
// fallback is RiskUnknown, which routes to a human like any elevated risk.
type ReviewProcessor struct {
	flow    Flow
	model   Model
	alerts  Publisher
	timeout time.Duration
}

func NewReviewProcessor(flow Flow, model Model, alerts Publisher, timeout time.Duration) *ReviewProcessor {
	return &ReviewProcessor{flow: flow, model: model, alerts: alerts, timeout: timeout}
}

func (p *ReviewProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
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
	if e.State == workflow.StateNew {
		err := p.flow.Transition(ctx, &workflow.Transition{
			EntityID:    e.ID,
			From:        workflow.StateNew,
			To:          workflow.StateActive,
			TriggeredBy: workflow.TriggerJob,
			Reason:      "contract received for review",
		})
		if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
			return pipeline.Result{}, err
		}
	}

	text := pl.Body
	if text == "" {
		text, err = p.latestInboundBody(ctx, e.ID)
		if err != nil {
			return pipeline.Result{}, err
		}
	}
	if text == "" {
		return pipeline.Result{}, pipeline.Validation(fmt.Errorf("contract review for %s: no contract text on record", e.ID))
	}

	out := p.review(ctx, text)
	risk := strings.ToLower(strField(out, "risk_level"))
	if risk == "" {
		risk = RiskUnknown
	}

	raw, _ := json.Marshal(out)
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "contract review: risk " + risk,
		Raw:       raw,
		DedupeKey: "review:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if risk != RiskLow {
		alert, _ := json.Marshal(map[string]string{
			"type":      "contract_risk",
			"entity_id": e.ID,
			"risk":      risk,
		})
		if err := p.alerts.Publish(config.TopicOpsAlert, alert); err != nil {
			slog.WarnContext(ctx, "contract risk alert publish failed", "entity_id", e.ID, "error", err)
		}
		slog.InfoContext(ctx, "contract held for human review", "entity_id", e.ID, "risk", risk)
		return pipeline.Result{}, nil
	}

	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueContractFinalise,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID},
		Opts:    queue.Options{DedupeKey: "finalise:" + job.ID},
	}}}, nil
}

func (p *ReviewProcessor) latestInboundBody(ctx context.Context, entityID string) (string, error) {
	events, err := p.flow.Events(ctx, entityID)
	if err != nil {
		return "", err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Direction == workflow.DirectionInbound {
			return events[i].Body, nil
		}
	}
	return "", nil
}

func (p *ReviewProcessor) review(ctx context.Context, text string) map[string]any {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.model.CompleteJSON(tctx, reviewPrompt(text))
	if err != nil {
		slog.WarnContext(ctx, "contract review model call failed, holding for human", "error", err)
		return map[string]any{"risk_level": RiskUnknown, "issues": []string{"automated review unavailable"}}
	}
	return out
}

func reviewPrompt(text string) string {
	var b strings.Builder
	b.WriteString("You review sponsorship contracts for a creator.\n")
	b.WriteString("Flag exclusivity clauses, perpetual usage rights, payment terms beyond net-45, and unlimited revisions.\n")
	b.WriteString("Return a JSON object with exactly these fields:\n")
	b.WriteString(`{"risk_level": "low"|"medium"|"high", "issues": [string], "summary": string}` + "\n\n")
	b.WriteString("Contract:\n")
	b.WriteString(text)
	return b.String()
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
