package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dealpilot/apps/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind       string     `json:"kind"`
		BrandName  string     `json:"brand_name"`
		BrandEmail string     `json:"brand_email"`
		DueAt      *time.Time `json:"due_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "kind is required", http.StatusBadRequest)
		return
	}

	e := &Entity{Kind: req.Kind, BrandName: req.BrandName, BrandEmail: req.BrandEmail, DueAt: req.DueAt}
	if err := h.service.Create(r.Context(), e); err != nil {
		slog.ErrorContext(r.Context(), "entity create failed", "error", err)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": e}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	entities, err := h.service.List(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if entities == nil {
		entities = []Entity{}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"data": entities})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Detail(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		h.writeError(r.Context(), w, "NOT_FOUND", "entity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"data": detail})
}

// Trigger force-enqueues a stage for the entity. Subject to the same dedupe
// and precondition discipline as scanner-driven work.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queue string `json:"queue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Queue == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "queue is required", http.StatusBadRequest)
		return
	}

	jobID, err := h.service.ManualTrigger(r.Context(), r.PathValue("id"), req.Queue)
	if errors.Is(err, ErrNotFound) {
		h.writeError(r.Context(), w, "NOT_FOUND", "entity not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"job_id": jobID}})
}

// Override applies a manual state transition.
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     State  `json:"to"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "to is required", http.StatusBadRequest)
		return
	}

	err := h.service.ManualTransition(r.Context(), r.PathValue("id"), req.To, req.Reason)
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(r.Context(), w, "NOT_FOUND", "entity not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition):
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrPreconditionFailed):
		h.writeError(r.Context(), w, "CONFLICT", "entity state changed concurrently", http.StatusConflict)
	case err != nil:
		h.writeError(r.Context(), w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
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
	json.NewEncoder(w).Encode(resp)
}
