package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/middleware"
)

// maxWebhookBody caps what a provider can post at 1 MiB.
const maxWebhookBody = 1 << 20

type Publisher interface {
	Publish(topic string, body []byte) error
}

// Handler is the provider-facing webhook surface. It does no processing:
// the raw payload goes onto the intake bus and the provider gets its 200
// immediately, so provider retry policies never couple to our pipeline
// latency. The correlation ID is stamped into the message for tracing.
type Handler struct {
	pub Publisher
}

func NewHandler(pub Publisher) *Handler {
	return &Handler{pub: pub}
}

func (h *Handler) Email(w http.ResponseWriter, r *http.Request) {
	h.bridge(w, r, config.TopicEmailInbound)
}

func (h *Handler) Signature(w http.ResponseWriter, r *http.Request) {
	h.bridge(w, r, config.TopicSignatureEvent)
}

func (h *Handler) bridge(w http.ResponseWriter, r *http.Request, topic string) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "unreadable body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "empty body", http.StatusBadRequest)
		return
	}

	body = stampCorrelation(body, middleware.GetCorrelationID(ctx))

	if err := h.pub.Publish(topic, body); err != nil {
		// The provider will retry; 503 tells it to.
		slog.ErrorContext(ctx, "webhook publish failed", "topic", topic, "error", err)
		h.writeError(ctx, w, "UNAVAILABLE", "intake bus unavailable", http.StatusServiceUnavailable)
		return
	}

	slog.InfoContext(ctx, "webhook accepted", "topic", topic, "bytes", len(body))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "accepted"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// stampCorrelation injects the request's correlation ID into a JSON object
// payload. Non-object payloads pass through untouched; the consumer assigns
// a fresh ID then.
func stampCorrelation(body []byte, correlationID string) []byte {
	if correlationID == "" {
		return body
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return body
	}
	if _, exists := obj["correlation_id"]; exists {
		return body
	}
	obj["correlation_id"] = json.RawMessage(`"` + correlationID + `"`)
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
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
