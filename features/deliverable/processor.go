package deliverable

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

type Flow interface {
	Get(ctx context.Context, id string) (*workflow.Entity, error)
	Events(ctx context.Context, entityID string) ([]workflow.Event, error)
	RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error)
	RecordOutbound(ctx context.Context, ev *workflow.Event) (bool, error)
	Transition(ctx context.Context, t *workflow.Transition) error
}

type Model interface {
	CompleteJSON(ctx context.Context, prompt string) (map[string]any, error)
}

type Publisher interface {
	Publish(topic string, body []byte) error
}

type PolicySource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Payload drives the review queue. Submission carries the creator's submitted
// work description when one exists; without it the stage is a deadline check.
type Payload struct {
	EntityID      string `json:"entity_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Submission    string `json:"submission,omitempty"`
}

// Processor reviews a deliverable against its brief, or chases the deadline
// when nothing was submitted yet. The deadline scanner enqueues the chasing
// path; a submission arrives through the API trigger.
type Processor struct {
	flow     Flow
	model    Model
	policy   PolicySource
	outbound Publisher
	timeout  time.Duration
	now      func() time.Time
}

func NewProcessor(flow Flow, model Model, policy PolicySource, outbound Publisher, timeout time.Duration) *Processor {
	return &Processor{flow: flow, model: model, policy: policy, outbound: outbound, timeout: timeout, now: time.Now}
}

func (p *Processor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
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

	if pl.Submission != "" {
		return p.reviewSubmission(ctx, job, e, pl.Submission)
	}
	return pipeline.Result{}, p.chaseDeadline(ctx, job, e, pl.CorrelationID)
}

func (p *Processor) reviewSubmission(ctx context.Context, job *queue.Job, e *workflow.Entity, submission string) (pipeline.Result, error) {
	out := p.review(ctx, e, submission)
	approved := false
	if v, ok := out["approved"].(bool); ok {
		approved = v
	}
	notes, _ := out["notes"].(string)

	raw, _ := json.Marshal(out)
	verdict := "needs changes"
	if approved {
		verdict = "approved"
	}
	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "deliverable review: " + verdict,
		Raw:       raw,
		DedupeKey: "review:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	if !approved {
		slog.InfoContext(ctx, "deliverable needs changes", "entity_id", e.ID, "notes", notes)
		return pipeline.Result{}, nil
	}

	err := p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        e.State,
		To:          workflow.StateClosedWon,
		TriggeredBy: workflow.TriggerJob,
		Reason:      "deliverable approved",
	})
	if err != nil && !errors.Is(err, workflow.ErrPreconditionFailed) {
		return pipeline.Result{}, err
	}
	return pipeline.Result{}, nil
}

// chaseDeadline sends one reminder per job for a deliverable past its due
// date. The predicate is re-checked here because the scan may be stale.
func (p *Processor) chaseDeadline(ctx context.Context, job *queue.Job, e *workflow.Entity, correlationID string) error {
	if e.DueAt == nil || e.DueAt.After(p.now()) {
		slog.InfoContext(ctx, "deliverable no longer overdue, skipping", "entity_id", e.ID)
		return nil
	}

	pol, err := p.policy.Get(ctx)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("Reminder: the %s deliverable was due %s and has not been submitted yet.",
		e.BrandName, e.DueAt.Format("2 Jan 2006"))
	if pol.AutoSendAllowed() {
		msg, _ := json.Marshal(map[string]any{
			"send_id":        job.ID,
			"entity_id":      e.ID,
			"to":             e.BrandEmail,
			"subject":        "Deliverable deadline passed",
			"body":           body,
			"correlation_id": correlationID,
		})
		if err := p.outbound.Publish(config.TopicEmailOutbound, msg); err != nil {
			return fmt.Errorf("publish deadline reminder: %w", err)
		}
		ev := &workflow.Event{EntityID: e.ID, Body: body, DedupeKey: "chase:" + job.ID}
		if _, err := p.flow.RecordOutbound(ctx, ev); err != nil {
			return err
		}
		return nil
	}

	ev := &workflow.Event{EntityID: e.ID, Body: "overdue, reminder held for human: " + body, DedupeKey: "chase:" + job.ID}
	_, err = p.flow.RecordSystem(ctx, ev)
	return err
}

func (p *Processor) review(ctx context.Context, e *workflow.Entity, submission string) map[string]any {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.model.CompleteJSON(tctx, reviewPrompt(e.BrandName, submission))
	if err != nil {
		slog.WarnContext(ctx, "deliverable review model call failed, holding for human", "error", err)
		return map[string]any{"approved": false, "notes": "automated review unavailable"}
	}
	return out
}

func reviewPrompt(brandName, submission string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You QA creator deliverables for a sponsorship with %s.\n", brandName)
	b.WriteString("Check the submission covers the agreed deliverable and has no obvious quality problems.\n")
	b.WriteString("Return a JSON object with exactly these fields:\n")
	b.WriteString(`{"approved": boolean, "notes": string}` + "\n\n")
	b.WriteString("Submission:\n")
	b.WriteString(submission)
	return b.String()
}
