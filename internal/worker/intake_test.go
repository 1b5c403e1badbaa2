package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/features/negotiation"
	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/queue"
)

type fakeResolver struct {
	byEmail map[string]*workflow.Entity
	byID    map[string]*workflow.Entity
	created int
}

func (r *fakeResolver) ResolveThread(ctx context.Context, brandName, brandEmail string) (*workflow.Entity, error) {
	if e, ok := r.byEmail[brandEmail]; ok {
		return e, nil
	}
	r.created++
	e := &workflow.Entity{ID: "ent-new", Kind: workflow.KindNegotiationThread, State: workflow.StateNew, BrandName: brandName, BrandEmail: brandEmail}
	if r.byEmail == nil {
		r.byEmail = make(map[string]*workflow.Entity)
	}
	r.byEmail[brandEmail] = e
	return e, nil
}

func (r *fakeResolver) Get(ctx context.Context, id string) (*workflow.Entity, error) {
	if e, ok := r.byID[id]; ok {
		return e, nil
	}
	return nil, workflow.ErrNotFound
}

type enqueueCall struct {
	queue   string
	payload any
	opts    queue.Options
}

type fakeEnqueuer struct {
	calls  []enqueueCall
	seen   map[string]bool
	err    error
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	if e.seen == nil {
		e.seen = make(map[string]bool)
	}
	key := queueName + "/" + opts.DedupeKey
	if opts.DedupeKey != "" && e.seen[key] {
		return "", nil
	}
	e.seen[key] = true
	e.calls = append(e.calls, enqueueCall{queue: queueName, payload: payload, opts: opts})
	return "job-1", nil
}

func message(t *testing.T, v any) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return nsq.NewMessage(nsq.MessageID{}, body)
}

func TestEmailConsumer_NewSenderCreatesThread(t *testing.T) {
	resolver := &fakeResolver{}
	enq := &fakeEnqueuer{}
	h := NewEmailConsumer(resolver, enq)

	err := h.HandleMessage(message(t, map[string]string{
		"message_id": "msg-1",
		"from":       "partnerships@glow.example",
		"from_name":  "Glow Cosmetics",
		"subject":    "Collab?",
		"body":       "We'd love to work together, budget around 6000.",
	}))
	require.NoError(t, err)

	assert.Equal(t, 1, resolver.created)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, config.QueueNegotiationExtract, enq.calls[0].queue)

	pl, ok := enq.calls[0].payload.(negotiation.Payload)
	require.True(t, ok)
	assert.Equal(t, "ent-new", pl.EntityID)
	assert.Equal(t, "msg-1", pl.MessageID)
	assert.NotEmpty(t, pl.CorrelationID)
}

func TestEmailConsumer_ProviderRetryDeduplicates(t *testing.T) {
	resolver := &fakeResolver{}
	enq := &fakeEnqueuer{}
	h := NewEmailConsumer(resolver, enq)

	msg := map[string]string{"message_id": "msg-1", "from": "a@b.example", "body": "hi"}
	require.NoError(t, h.HandleMessage(message(t, msg)))
	require.NoError(t, h.HandleMessage(message(t, msg)))

	assert.Len(t, enq.calls, 1)
}

func TestEmailConsumer_ExplicitEntityID(t *testing.T) {
	resolver := &fakeResolver{byID: map[string]*workflow.Entity{
		"ent-7": {ID: "ent-7", Kind: workflow.KindNegotiationThread, State: workflow.StateAwaitingReply},
	}}
	enq := &fakeEnqueuer{}
	h := NewEmailConsumer(resolver, enq)

	err := h.HandleMessage(message(t, map[string]string{
		"message_id": "msg-2", "entity_id": "ent-7", "body": "6500 works for us",
	}))
	require.NoError(t, err)

	require.Len(t, enq.calls, 1)
	pl := enq.calls[0].payload.(negotiation.Payload)
	assert.Equal(t, "ent-7", pl.EntityID)
	assert.Zero(t, resolver.created)
}

func TestEmailConsumer_UnknownEntityDropped(t *testing.T) {
	h := NewEmailConsumer(&fakeResolver{}, &fakeEnqueuer{})

	err := h.HandleMessage(message(t, map[string]string{"entity_id": "ent-missing", "body": "hello"}))
	assert.NoError(t, err)
}

func TestEmailConsumer_MalformedMessageDropped(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := NewEmailConsumer(&fakeResolver{}, enq)

	err := h.HandleMessage(nsq.NewMessage(nsq.MessageID{}, []byte("not json")))
	assert.NoError(t, err)
	assert.Empty(t, enq.calls)
}

func TestEmailConsumer_EnqueueFailureRequeues(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("db down")}
	h := NewEmailConsumer(&fakeResolver{}, enq)

	err := h.HandleMessage(message(t, map[string]string{"from": "a@b.example", "body": "hi"}))
	assert.Error(t, err)
}

func TestSignatureConsumer_QueuesCallback(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := NewSignatureConsumer(enq)

	err := h.HandleMessage(message(t, map[string]string{
		"entity_id": "ent-9", "envelope_id": "env-1", "event": "completed",
	}))
	require.NoError(t, err)

	require.Len(t, enq.calls, 1)
	assert.Equal(t, config.QueueSignatureProcess, enq.calls[0].queue)
	assert.Equal(t, "sig:env-1:completed", enq.calls[0].opts.DedupeKey)
}

func TestSignatureConsumer_DuplicateCallbackSuppressed(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := NewSignatureConsumer(enq)

	msg := map[string]string{"entity_id": "ent-9", "envelope_id": "env-1", "event": "completed"}
	require.NoError(t, h.HandleMessage(message(t, msg)))
	require.NoError(t, h.HandleMessage(message(t, msg)))

	assert.Len(t, enq.calls, 1)
}

func TestSignatureConsumer_MissingFieldsDropped(t *testing.T) {
	enq := &fakeEnqueuer{}
	h := NewSignatureConsumer(enq)

	err := h.HandleMessage(message(t, map[string]string{"envelope_id": "env-1"}))
	assert.NoError(t, err)
	assert.Empty(t, enq.calls)
}
