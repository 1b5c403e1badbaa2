package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/queue"
)

func noopProcessor() Processor {
	return ProcessorFunc(func(ctx context.Context, job *queue.Job) (Result, error) {
		return Result{}, nil
	})
}

func TestRegistry_Validate(t *testing.T) {
	t.Run("valid graph", func(t *testing.T) {
		r := NewRegistry()
		assert.NoError(t, r.Register(Stage{Name: "extract", Queue: "negotiation.extract", Processor: noopProcessor(), Next: []string{"negotiation.policycheck"}}))
		assert.NoError(t, r.Register(Stage{Name: "policy-check", Queue: "negotiation.policycheck", Processor: noopProcessor()}))
		assert.NoError(t, r.Validate())
	})

	t.Run("unknown successor rejected", func(t *testing.T) {
		r := NewRegistry()
		assert.NoError(t, r.Register(Stage{Name: "extract", Queue: "negotiation.extract", Processor: noopProcessor(), Next: []string{"negotiation.ghost"}}))
		err := r.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "negotiation.ghost")
	})

	t.Run("duplicate queue rejected", func(t *testing.T) {
		r := NewRegistry()
		assert.NoError(t, r.Register(Stage{Name: "a", Queue: "q", Processor: noopProcessor()}))
		assert.Error(t, r.Register(Stage{Name: "b", Queue: "q", Processor: noopProcessor()}))
	})

	t.Run("missing processor rejected", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register(Stage{Name: "a", Queue: "q"}))
	})
}

func TestRegistry_KnownQueue(t *testing.T) {
	r := NewRegistry()
	assert.NoError(t, r.Register(Stage{Name: "extract", Queue: "negotiation.extract", Processor: noopProcessor()}))

	assert.True(t, r.KnownQueue("negotiation.extract"))
	assert.False(t, r.KnownQueue("negotiation.ghost"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"precondition mismatch", fmt.Errorf("wrapped: %w", workflow.ErrPreconditionFailed), ClassPrecondition},
		{"entity missing", workflow.ErrNotFound, ClassFatal},
		{"invalid transition", workflow.ErrInvalidTransition, ClassValidation},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"validation wrap", Validation(errors.New("payload missing entity_id")), ClassValidation},
		{"fatal wrap", Fatal(errors.New("referenced brand missing")), ClassFatal},
		{"policy blocked", PolicyBlocked("auto-send disabled"), ClassPolicyBlocked},
		{"unknown defaults transient", errors.New("connection reset"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
