package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/middleware"
)

type EntityCounter interface {
	CountByState(ctx context.Context) (map[workflow.State]int, error)
}

type QueueDepths interface {
	PendingCount(ctx context.Context, queueName string) (int, error)
}

type DeadLetterCounter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	entities    EntityCounter
	queues      QueueDepths
	deadLetters DeadLetterCounter
	queueNames  []string
}

func NewHandler(e EntityCounter, q QueueDepths, d DeadLetterCounter, queueNames []string) *Handler {
	return &Handler{entities: e, queues: q, deadLetters: d, queueNames: queueNames}
}

type StatsResponse struct {
	Entities    map[workflow.State]int `json:"entities"`
	Queues      map[string]int         `json:"queues"`
	DeadLetters int                    `json:"dead_letters"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entities, err := h.entities.CountByState(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count entities", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count entities", http.StatusInternalServerError)
		return
	}

	queues := make(map[string]int, len(h.queueNames))
	for _, name := range h.queueNames {
		n, err := h.queues.PendingCount(ctx, name)
		if err != nil {
			slog.ErrorContext(ctx, "failed to count queue depth", "queue", name, "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count queue depth", http.StatusInternalServerError)
			return
		}
		queues[name] = n
	}

	dead, err := h.deadLetters.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count dead letters", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count dead letters", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Entities:    entities,
		Queues:      queues,
		DeadLetters: dead,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
