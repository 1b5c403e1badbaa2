package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/pipeline"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

// Flow is the slice of the workflow service the contract stages need.
type Flow interface {
	Get(ctx context.Context, id string) (*workflow.Entity, error)
	Events(ctx context.Context, entityID string) ([]workflow.Event, error)
	RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error)
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

// Payload is the envelope for the contract queues.
type Payload struct {
	EntityID      string `json:"entity_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// Body carries the contract text under review when the caller has it;
	// otherwise the latest inbound event supplies it.
	Body string `json:"body,omitempty"`
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
