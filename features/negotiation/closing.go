package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
)

// ClosingProcessor reviews a silent thread for a positive last word from the
// brand. A thread that went quiet right after "sounds good, send it over" is
// a deal waiting for paperwork, not a dead lead.
type ClosingProcessor struct {
	flow Flow
}

func NewClosingProcessor(flow Flow) *ClosingProcessor {
	return &ClosingProcessor{flow: flow}
}

func (p *ClosingProcessor) Process(ctx context.Context, job *queue.Job) (pipeline.Result, error) {
	pl, err := decode(job)
	if err != nil {
		return pipeline.Result{}, err
	}
	e, err := p.flow.Get(ctx, pl.EntityID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if e.State != workflow.StateSilent {
		slog.InfoContext(ctx, "entity no longer silent, skipping closing check", "entity_id", e.ID, "state", e.State)
		return pipeline.Result{}, nil
	}

	events, err := p.flow.Events(ctx, e.ID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !PositiveSignal(events) {
		return pipeline.Result{}, nil
	}

	err = p.flow.Transition(ctx, &workflow.Transition{
		EntityID:    e.ID,
		From:        workflow.StateSilent,
		To:          workflow.StateReadyToClose,
		TriggeredBy: workflow.TriggerScanner,
		Reason:      "positive last message before going quiet",
	})
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return pipeline.Result{}, nil
	}
	if err != nil {
		return pipeline.Result{}, err
	}

	ev := &workflow.Event{
		EntityID:  e.ID,
		Body:      "flagged ready to close",
		DedupeKey: "close:" + job.ID,
	}
	if _, err := p.flow.RecordSystem(ctx, ev); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{}, nil
}

var positivePhrases = []string{
	"sounds good",
	"sounds great",
	"let's do it",
	"lets do it",
	"we're in",
	"agreed",
	"works for us",
	"happy to proceed",
	"send over the contract",
	"deal",
}

// PositiveSignal reports whether the most recent brand message reads as
// agreement. The parsed sentiment from extraction is checked first, then a
// small phrase list as backstop.
func PositiveSignal(events []workflow.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Direction != workflow.DirectionInbound {
			continue
		}
		if len(ev.Raw) > 0 {
			var parsed struct {
				Sentiment string `json:"sentiment"`
			}
			if err := json.Unmarshal(ev.Raw, &parsed); err == nil && parsed.Sentiment == "positive" {
				return true
			}
		}
		body := strings.ToLower(ev.Body)
		for _, phrase := range positivePhrases {
			if strings.Contains(body, phrase) {
				return true
			}
		}
		return false
	}
	return false
}
