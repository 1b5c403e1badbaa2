package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// SilenceProcessor handles a stalled thread the silence scanner flagged. The
// predicate is re-checked against current persisted clocks before any write:
// the scan result can be stale by the time the job is claimed, and a brand
// reply in between must win.
type SilenceProcessor struct {
	flow   Flow
	policy PolicySource
	now    func() time.Time
}

func NewSilenceProcessor(flow Flow, policy PolicySource) *SilenceProcessor {
	return &SilenceProcessor{flow: flow, policy: policy, now: time.Now}
}

func (p *SilenceProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State.Terminal() || e.State == workflow.StateSilent {
		return pipeline.Result{}, nil
	}

	pol, err := p.policy.Get(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !silentFor(e, pol.SilenceThresholdHours, p.now()) {
		slog.InfoContext(ctx, "thread active again since scan, skipping", "entity_id", e.ID)
		return pipeline.Result{}, nil
	}

	err = p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        e.State,
		To:          workflow.StateSilent,
		TriggeredBy: workflow.TriggerScanner,
		Reason:      fmt.Sprintf("no activity for %dh", pol.SilenceThresholdHours),
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return pipeline.Result{}, nil
	}
	if err != nil {
		return pipeline.Result{}, err
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "thread marked silent",
		DedupeKey: "silent:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}

	// A follow-up draft goes through the normal turn machinery, so the
	// auto-send policy gate still applies.
	return pipeline.Result{Next: []pipeline.NextJob{{
		Queue:   config.QueueNegotiationCounterOffer,
		Payload: Payload{EntityID: e.ID, CorrelationID: pl.CorrelationID},
		Opts:    queue.Options{DedupeKey: nextDedupe("followup", job)},
	}}}, nil
}

// silentFor reports whether the entity has had no activity on either side for
// at least thresholdHours.
func silentFor(e *workflow.Entity, thresholdHours int, now time.Time) bool {
	last := e.CreatedAt
	if e.LastBrandMessageAt != nil && e.LastBrandMessageAt.After(last) {
		last = *e.LastBrandMessageAt
	}
	if e.LastAgentMessageAt != nil && e.LastAgentMessageAt.After(last) {
		last = *e.LastAgentMessageAt
	}
	return now.Sub(last) >= time.Duration(thresholdHours)*time.Hour
}
