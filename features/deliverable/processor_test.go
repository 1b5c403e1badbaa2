package deliverable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

type fakeFlow struct {
	entity     *workflow.Entity
	events     []workflow.Event
	seenDedupe map[string]bool
}

func newFakeFlow(e *workflow.Entity) *fakeFlow {
	return &fakeFlow{entity: e, seenDedupe: make(map[string]bool)}
}

func (f *fakeFlow) Get(ctx context.Context, id string) (*workflow.Entity, error) {
	if f.entity == nil || f.entity.ID != id {
		return nil, workflow.ErrNotFound
	}
	cp := *f.entity
	return &cp, nil
}

func (f *fakeFlow) Events(ctx context.Context, entityID string) ([]workflow.Event, error) {
	return f.events, nil
}

func (f *fakeFlow) append(ev *workflow.Event, direction string) (bool, error) {
	if ev.DedupeKey != "" && f.seenDedupe[ev.DedupeKey] {
		return false, nil
	}
	f.seenDedupe[ev.DedupeKey] = true
	ev.Direction = direction
	f.events = append(f.events, *ev)
	return true, nil
}

func (f *fakeFlow) RecordSystem(ctx context.Context, ev *workflow.Event) (bool, error) {
	return f.append(ev, workflow.DirectionSystem)
}

func (f *fakeFlow) RecordOutbound(ctx context.Context, ev *workflow.Event) (bool, error) {
	return f.append(ev, workflow.DirectionOutbound)
}

func (f *fakeFlow) Transition(ctx context.Context, t *workflow.Transition) error {
	if !workflow.Allowed(t.From, t.To) {
		return workflow.ErrInvalidTransition
	}
	if f.entity.State != t.From {
		return workflow.ErrPreconditionFailed
	}
	f.entity.State = t.To
	return nil
}

type fakeModel struct {
	out map[string]any
	err error
}

func (m *fakeModel) CompleteJSON(ctx context.Context, prompt string) (map[string]any, error) {
	return m.out, m.err
}

type fakePublisher struct {
	topics []string
	err    error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	return nil
}

type fakePolicy struct{ settings *settings.Settings }

func (p *fakePolicy) Get(ctx context.Context) (*settings.Settings, error) {
	return p.settings, nil
}

func overdueDeliverable() *workflow.Entity {
	due := time.Now().Add(-24 * time.Hour)
	return &workflow.Entity{
		ID:         "ent-1",
		Kind:       workflow.KindDeliverable,
		State:      workflow.StateActive,
		BrandName:  "Glow Cosmetics",
		BrandEmail: "partnerships@glow.example",
		DueAt:      &due,
	}
}

func reviewJob(t *testing.T, pl Payload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(pl)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: config.QueueDeliverableReview, Payload: raw, Attempt: 1, MaxAttempts: 5}
}

func newProcessor(flow Flow, model Model, pol *settings.Settings, outbound Publisher) *Processor {
	return NewProcessor(flow, model, &fakePolicy{settings: pol}, outbound, time.Second)
}

func TestProcessor_ApprovedSubmissionClosesWon(t *testing.T) {
	flow := newFakeFlow(overdueDeliverable())
	model := &fakeModel{out: map[string]any{"approved": true, "notes": "covers the brief"}}
	p := newProcessor(flow, model, &settings.Settings{AutoSendNegotiation: true}, &fakePublisher{})

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1", Submission: "Final cut uploaded, 60s video with product segment."}))
	require.NoError(t, err)

	assert.Equal(t, workflow.StateClosedWon, flow.entity.State)
	assert.Contains(t, flow.events[0].Body, "approved")
}

func TestProcessor_RejectedSubmissionStaysActive(t *testing.T) {
	flow := newFakeFlow(overdueDeliverable())
	model := &fakeModel{out: map[string]any{"approved": false, "notes": "missing the product segment"}}
	p := newProcessor(flow, model, &settings.Settings{}, &fakePublisher{})

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1", Submission: "Draft cut."}))
	require.NoError(t, err)

	assert.Equal(t, workflow.StateActive, flow.entity.State)
	assert.Contains(t, flow.events[0].Body, "needs changes")
}

func TestProcessor_ModelFailureNeverApproves(t *testing.T) {
	flow := newFakeFlow(overdueDeliverable())
	model := &fakeModel{err: context.DeadlineExceeded}
	p := newProcessor(flow, model, &settings.Settings{}, &fakePublisher{})

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1", Submission: "Final cut."}))
	require.NoError(t, err)
	assert.Equal(t, workflow.StateActive, flow.entity.State)
}

func TestProcessor_OverdueSendsReminder(t *testing.T) {
	flow := newFakeFlow(overdueDeliverable())
	outbound := &fakePublisher{}
	p := newProcessor(flow, &fakeModel{}, &settings.Settings{AutoSendNegotiation: true}, outbound)

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1"}))
	require.NoError(t, err)

	require.Len(t, outbound.topics, 1)
	assert.Equal(t, config.TopicEmailOutbound, outbound.topics[0])
	assert.Equal(t, workflow.DirectionOutbound, flow.events[0].Direction)
}

func TestProcessor_SandboxHoldsReminder(t *testing.T) {
	flow := newFakeFlow(overdueDeliverable())
	outbound := &fakePublisher{}
	p := newProcessor(flow, &fakeModel{}, &settings.Settings{AutoSendNegotiation: true, SandboxMode: true}, outbound)

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1"}))
	require.NoError(t, err)

	assert.Empty(t, outbound.topics)
	assert.Equal(t, workflow.DirectionSystem, flow.events[0].Direction)
}

func TestProcessor_NoLongerOverdueSkips(t *testing.T) {
	e := overdueDeliverable()
	future := time.Now().Add(24 * time.Hour)
	e.DueAt = &future
	flow := newFakeFlow(e)
	outbound := &fakePublisher{}
	p := newProcessor(flow, &fakeModel{}, &settings.Settings{AutoSendNegotiation: true}, outbound)

	_, err := p.Process(context.Background(), reviewJob(t, Payload{EntityID: "ent-1"}))
	require.NoError(t, err)
	assert.Empty(t, outbound.topics)
	assert.Empty(t, flow.events)
}
