package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

// Flow is the slice of the workflow service the negotiation stages need.
type Flow interface {
	Get(ctx context.Context, id string) (*workflow.Entity, error)
	Events(ctx context.Context, entityID string) ([]workflow.Event, error)
	LastOffer(ctx context.Context, entityID string) (*workflow.Event, error)
	RecordInbound(ctx context.Context, ev *workflow.Event) (bool, error)
	RecordOutbound(ctx context.Context, ev *workflow.Event) (bool, error)
	RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error)
	Transition(ctx context.Context, t *workflow.Transition) error
	SetFinalRate(ctx context.Context, entityID string, rate float64) error
}

// Model is the language-model boundary. Every stage that calls it carries a
// documented fallback, so a model outage degrades output quality instead of
// stalling the pipeline.
type Model interface {
	CompleteJSON(ctx context.Context, prompt string) (map[string]any, error)
}

// Publisher pushes messages onto the NSQ bus (outbound mail, ops alerts).
type Publisher interface {
	Publish(topic string, body []byte) error
}

// PolicySource resolves the agent policy at processing time, never cached
// across jobs.
type PolicySource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Model decisions for a negotiation turn.
const (
	DecisionCounter  = "COUNTER"
	DecisionAccept   = "ACCEPT"
	DecisionClarify  = "CLARIFY"
	DecisionFollowUp = "FOLLOW_UP"
)

// Payload is the envelope every negotiation queue carries. Stages only read
// the fields they need; unknown fields pass through unharmed.
type Payload struct {
	EntityID      string   `json:"entity_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	MessageID     string   `json:"message_id,omitempty"`
	Subject       string   `json:"subject,omitempty"`
	Body          string   `json:"body,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`
	Decision      string   `json:"decision,omitempty"`
}

func decode(job *queue.Job) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, pipeline.Validation(fmt.Errorf("decode payload: %w", err))
	}
	if p.EntityID == "" {
		return nil, pipeline.Validation(errors.New("entity_id is required"))
	}
	return &p, nil
}

// nextDedupe keys a successor enqueue to the job that emitted it, so a
// redelivered job re-emits each successor at most once while it is pending.
func nextDedupe(stage string, job *queue.Job) string {
	return stage + ":" + job.ID
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// truncate shortens s to at most max bytes, backing up so the cut never
// lands inside a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
