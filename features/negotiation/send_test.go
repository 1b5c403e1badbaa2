package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/pipeline"
)

func TestSendProcessor_PublishesThenAdvances(t *testing.T) {
	flow := newFakeFlow(activeThread())
	outbound := &fakePublisher{}
	p := NewSendProcessor(flow, outbound)

	amount := 6500.0
	job := testJob(t, config.QueueNegotiationSend, Payload{
		EntityID: "ent-1", Subject: "Re: partnership", Body: "We can do 6500.", Amount: &amount,
	})
	res, err := p.Process(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, outbound.topics, 1)
	assert.Equal(t, config.TopicEmailOutbound, outbound.topics[0])

	var msg map[string]any
	require.NoError(t, json.Unmarshal(outbound.bodies[0], &msg))
	assert.Equal(t, "job-1", msg["send_id"])
	assert.Equal(t, "partnerships@glow.example", msg["to"])

	ev := flow.lastEvent()
	assert.Equal(t, workflow.DirectionOutbound, ev.Direction)
	assert.Equal(t, workflow.StateAwaitingReply, flow.entity.State)

	require.Len(t, res.Next, 1)
	assert.Equal(t, config.QueueNegotiationDealUpdate, res.Next[0].Queue)
}

func TestSendProcessor_PublishFailureRetries(t *testing.T) {
	flow := newFakeFlow(activeThread())
	outbound := &fakePublisher{err: errors.New("nsqd unreachable")}
	p := NewSendProcessor(flow, outbound)

	job := testJob(t, config.QueueNegotiationSend, Payload{EntityID: "ent-1", Body: "hello"})
	_, err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassTransient, pipeline.Classify(err))

	// No outbound event, no state change: the retry replays the whole step.
	assert.Empty(t, flow.events)
	assert.Equal(t, workflow.StateActive, flow.entity.State)
}

func TestSendProcessor_RedeliveryDoesNotDuplicateEvent(t *testing.T) {
	flow := newFakeFlow(activeThread())
	p := NewSendProcessor(flow, &fakePublisher{})

	job := testJob(t, config.QueueNegotiationSend, Payload{EntityID: "ent-1", Body: "hello"})
	_, err := p.Process(context.Background(), job)
	require.NoError(t, err)
	_, err = p.Process(context.Background(), job)
	require.NoError(t, err)

	assert.Len(t, flow.events, 1)
}

func TestSendProcessor_EmptyBodyIsValidation(t *testing.T) {
	p := NewSendProcessor(newFakeFlow(activeThread()), &fakePublisher{})

	job := testJob(t, config.QueueNegotiationSend, Payload{EntityID: "ent-1"})
	_, err := p.Process(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, pipeline.ClassValidation, pipeline.Classify(err))
}

func TestSendProcessor_TerminalEntitySkipsPublish(t *testing.T) {
	e := activeThread()
	e.State = workflow.StateClosedLost
	flow := newFakeFlow(e)
	outbound := &fakePublisher{}
	p := NewSendProcessor(flow, outbound)

	res, err := p.Process(context.Background(), testJob(t, config.QueueNegotiationSend, Payload{EntityID: "ent-1", Body: "hello"}))
	require.NoError(t, err)
	assert.Empty(t, res.Next)
	assert.Empty(t, outbound.topics)
}
