package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"dealpilot/apps/backend/features/negotiation"
	"dealpilot/apps/backend/features/signature"
	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/middleware"
	"dealpilot/apps/backend/internal/queue"
)

// ThreadResolver maps an inbound sender to its workflow entity.
type ThreadResolver interface {
	ResolveThread(ctx context.Context, brandName, brandEmail string) (*workflow.Entity, error)
	Get(ctx context.Context, id string) (*workflow.Entity, error)
}

// EmailConsumer bridges the email intake topic onto the durable extract
// queue. NSQ gives at-least-once intake delivery; the durable queue's dedupe
// key collapses provider retries of the same message. Malformed messages are
// dropped, not requeued: redelivery reproduces the same bytes.
type EmailConsumer struct {
	resolver ThreadResolver
	enq      queue.Enqueuer
}

func NewEmailConsumer(resolver ThreadResolver, enq queue.Enqueuer) *EmailConsumer {
	return &EmailConsumer{resolver: resolver, enq: enq}
}

func (h *EmailConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload struct {
		MessageID     string `json:"message_id"`
		From          string `json:"from"`
		FromName      string `json:"from_name"`
		Subject       string `json:"subject"`
		Body          string `json:"body"`
		EntityID      string `json:"entity_id,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
	}
	err := json.Unmarshal(m.Body, &payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid email intake message, dropping", "error", err)
		return nil
	}
	if payload.From == "" && payload.EntityID == "" {
		slog.ErrorContext(ctx, "email intake missing sender and entity, dropping")
		return nil
	}

	entity, err := h.resolve(ctx, payload.EntityID, payload.FromName, payload.From)
	if err != nil {
		if err == workflow.ErrNotFound {
			slog.ErrorContext(ctx, "email references unknown entity, dropping", "entity_id", payload.EntityID)
			return nil
		}
		return err
	}

	dedupe := ""
	if payload.MessageID != "" {
		dedupe = "inbound:" + payload.MessageID
	}
	jobID, err := h.enq.Enqueue(ctx, config.QueueNegotiationExtract, negotiation.Payload{
		EntityID:      entity.ID,
		CorrelationID: correlationID,
		MessageID:     payload.MessageID,
		Subject:       payload.Subject,
		Body:          payload.Body,
	}, queue.Options{DedupeKey: dedupe})
	if err != nil {
		return err
	}
	if queue.Deduplicated(jobID, err) {
		slog.InfoContext(ctx, "duplicate email delivery suppressed", "message_id", payload.MessageID)
		return nil
	}

	slog.InfoContext(ctx, "inbound email queued", "entity_id", entity.ID, "job_id", jobID)
	return nil
}

func (h *EmailConsumer) resolve(ctx context.Context, entityID, fromName, from string) (*workflow.Entity, error) {
	if entityID != "" {
		return h.resolver.Get(ctx, entityID)
	}
	name := fromName
	if name == "" {
		name = from
	}
	return h.resolver.ResolveThread(ctx, name, from)
}

// SignatureConsumer bridges signature provider callbacks onto the durable
// signature queue.
type SignatureConsumer struct {
	enq queue.Enqueuer
}

func NewSignatureConsumer(enq queue.Enqueuer) *SignatureConsumer {
	return &SignatureConsumer{enq: enq}
}

func (h *SignatureConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload signature.Payload
	err := json.Unmarshal(m.Body, &payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
		payload.CorrelationID = correlationID
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid signature callback, dropping", "error", err)
		return nil
	}
	if payload.EntityID == "" || payload.Event == "" {
		slog.ErrorContext(ctx, "signature callback missing fields, dropping", "entity_id", payload.EntityID)
		return nil
	}

	dedupe := "sig:" + payload.EnvelopeID + ":" + payload.Event
	jobID, err := h.enq.Enqueue(ctx, config.QueueSignatureProcess, payload, queue.Options{DedupeKey: dedupe})
	if err != nil {
		return err
	}
	if queue.Deduplicated(jobID, err) {
		slog.InfoContext(ctx, "duplicate signature callback suppressed", "envelope_id", payload.EnvelopeID)
		return nil
	}

	slog.InfoContext(ctx, "signature callback queued", "entity_id", payload.EntityID, "event", payload.Event, "job_id", jobID)
	return nil
}

// Connect wires topic handlers into NSQ consumers against lookupd. Callers
// stop the returned consumers on shutdown.
func Connect(lookupd string, handlers map[string]nsq.Handler) ([]*nsq.Consumer, error) {
	var consumers []*nsq.Consumer
	for topic, handler := range handlers {
		c, err := nsq.NewConsumer(topic, "backend", nsq.NewConfig())
		if err != nil {
			return consumers, err
		}
		c.AddHandler(handler)
		if err := c.ConnectToNSQLookupd(lookupd); err != nil {
			return consumers, err
		}
		consumers = append(consumers, c)
		slog.Info("nsq consumer connected", "topic", topic)
	}
	return consumers, nil
}
