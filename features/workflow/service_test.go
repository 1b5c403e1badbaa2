package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/internal/queue"
)

// memRepo is an in-memory Repository with the same CAS and dedupe semantics
// as the Postgres implementation.
type memRepo struct {
	entities map[string]*Entity
	events   []Event
	history  []Transition
	seen     map[string]bool
	nextID   int
}

func newMemRepo() *memRepo {
	return &memRepo{entities: make(map[string]*Entity), seen: make(map[string]bool)}
}

func (r *memRepo) Create(ctx context.Context, e *Entity) error {
	r.nextID++
	e.ID = fmt.Sprintf("ent-%d", r.nextID)
	if e.State == "" {
		e.State = StateNew
	}
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	r.entities[e.ID] = &cp
	return nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*Entity, error) {
	e, ok := r.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memRepo) List(ctx context.Context, kind string) ([]Entity, error) {
	var out []Entity
	for _, e := range r.entities {
		if kind == "" || e.Kind == kind {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *memRepo) Transition(ctx context.Context, t *Transition) error {
	if !Allowed(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	e, ok := r.entities[t.EntityID]
	if !ok || e.State != t.From {
		return ErrPreconditionFailed
	}
	e.State = t.To
	r.history = append(r.history, *t)
	return nil
}

func (r *memRepo) AppendEvent(ctx context.Context, ev *Event) (bool, error) {
	if ev.DedupeKey != "" {
		key := ev.EntityID + "/" + ev.DedupeKey
		if r.seen[key] {
			return false, nil
		}
		r.seen[key] = true
	}
	ev.CreatedAt = time.Now()
	r.events = append(r.events, *ev)
	return true, nil
}

func (r *memRepo) Events(ctx context.Context, entityID string) ([]Event, error) {
	var out []Event
	for _, ev := range r.events {
		if ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memRepo) LastOffer(ctx context.Context, entityID string) (*Event, error) {
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].EntityID == entityID && r.events[i].Amount != nil {
			cp := r.events[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memRepo) Transitions(ctx context.Context, entityID string) ([]Transition, error) {
	var out []Transition
	for _, t := range r.history {
		if t.EntityID == entityID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *memRepo) TouchBrandMessage(ctx context.Context, id string) error {
	if e, ok := r.entities[id]; ok {
		now := time.Now()
		e.LastBrandMessageAt = &now
	}
	return nil
}

func (r *memRepo) TouchAgentMessage(ctx context.Context, id string) error {
	if e, ok := r.entities[id]; ok {
		now := time.Now()
		e.LastAgentMessageAt = &now
	}
	return nil
}

func (r *memRepo) SetFinalRate(ctx context.Context, id string, rate float64) error {
	if e, ok := r.entities[id]; ok {
		e.FinalRate = &rate
	}
	return nil
}

func (r *memRepo) FindOpenByEmail(ctx context.Context, kind, email string) (*Entity, error) {
	for _, e := range r.entities {
		if e.Kind == kind && e.BrandEmail == email && !e.State.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) FindSilenceCandidates(ctx context.Context, thresholdHours int) ([]Entity, error) {
	return nil, nil
}

func (r *memRepo) FindClosingCandidates(ctx context.Context, idleHours int) ([]Entity, error) {
	return nil, nil
}

func (r *memRepo) FindDueDeliverables(ctx context.Context) ([]Entity, error) { return nil, nil }

func (r *memRepo) FindOverdueInvoices(ctx context.Context) ([]Entity, error) { return nil, nil }

func (r *memRepo) FindStaleNew(ctx context.Context, olderThanHours int) ([]Entity, error) {
	return nil, nil
}

func (r *memRepo) CountByState(ctx context.Context) (map[State]int, error) {
	counts := make(map[State]int)
	for _, e := range r.entities {
		counts[e.State]++
	}
	return counts, nil
}

type captureEnqueuer struct {
	queueName string
	dedupe    string
	calls     int
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (string, error) {
	c.queueName = queueName
	c.dedupe = opts.DedupeKey
	c.calls++
	return "job-1", nil
}

func seedEntity(t *testing.T, repo *memRepo, kind string, state State) *Entity {
	t.Helper()
	e := &Entity{Kind: kind, BrandName: "Glow Cosmetics", BrandEmail: "deals@glow.example"}
	require.NoError(t, repo.Create(context.Background(), e))
	repo.entities[e.ID].State = state
	e.State = state
	return e
}

func TestRecordInbound_ResumesAwaitingReply(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)
	e := seedEntity(t, repo, KindNegotiationThread, StateAwaitingReply)

	appended, err := svc.RecordInbound(context.Background(), &Event{
		EntityID:  e.ID,
		Body:      "we can do 6500",
		DedupeKey: "inbound:msg-1",
	})
	require.NoError(t, err)
	assert.True(t, appended)

	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StateActive, got.State)
	assert.NotNil(t, got.LastBrandMessageAt)
}

func TestRecordInbound_DuplicateSkipsSideEffects(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)
	e := seedEntity(t, repo, KindNegotiationThread, StateAwaitingReply)

	_, err := svc.RecordInbound(context.Background(), &Event{EntityID: e.ID, Body: "hi", DedupeKey: "inbound:msg-1"})
	require.NoError(t, err)

	// Force back to AWAITING_REPLY to verify the replay changes nothing.
	repo.entities[e.ID].State = StateAwaitingReply
	appended, err := svc.RecordInbound(context.Background(), &Event{EntityID: e.ID, Body: "hi", DedupeKey: "inbound:msg-1"})
	require.NoError(t, err)
	assert.False(t, appended)

	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StateAwaitingReply, got.State)

	events, _ := repo.Events(context.Background(), e.ID)
	assert.Len(t, events, 1)
}

func TestRecordInbound_ActiveStaysActive(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)
	e := seedEntity(t, repo, KindNegotiationThread, StateActive)

	_, err := svc.RecordInbound(context.Background(), &Event{EntityID: e.ID, Body: "hi", DedupeKey: "inbound:msg-2"})
	require.NoError(t, err)

	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StateActive, got.State)
}

func TestRecordOutbound_StampsAgentClock(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)
	e := seedEntity(t, repo, KindNegotiationThread, StateActive)

	appended, err := svc.RecordOutbound(context.Background(), &Event{EntityID: e.ID, Body: "counter at 8000", DedupeKey: "send:job-1"})
	require.NoError(t, err)
	assert.True(t, appended)

	got, _ := repo.Get(context.Background(), e.ID)
	assert.NotNil(t, got.LastAgentMessageAt)
	assert.Nil(t, got.LastBrandMessageAt)
}

func TestManualTrigger(t *testing.T) {
	repo := newMemRepo()
	enq := &captureEnqueuer{}
	svc := NewService(repo, enq, func(name string) bool { return name == "negotiation.counteroffer" })
	e := seedEntity(t, repo, KindNegotiationThread, StateActive)

	t.Run("known queue enqueues with entity dedupe", func(t *testing.T) {
		jobID, err := svc.ManualTrigger(context.Background(), e.ID, "negotiation.counteroffer")
		require.NoError(t, err)
		assert.Equal(t, "job-1", jobID)
		assert.Equal(t, e.ID, enq.dedupe)
	})

	t.Run("unknown queue rejected", func(t *testing.T) {
		_, err := svc.ManualTrigger(context.Background(), e.ID, "negotiation.bogus")
		assert.Error(t, err)
	})

	t.Run("unknown entity rejected", func(t *testing.T) {
		_, err := svc.ManualTrigger(context.Background(), "ent-missing", "negotiation.counteroffer")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkFailed(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)

	t.Run("non-terminal entity fails with reason", func(t *testing.T) {
		e := seedEntity(t, repo, KindNegotiationThread, StateActive)
		require.NoError(t, svc.MarkFailed(context.Background(), e.ID, "retries exhausted"))

		got, _ := repo.Get(context.Background(), e.ID)
		assert.Equal(t, StateFailed, got.State)
	})

	t.Run("terminal entity untouched", func(t *testing.T) {
		e := seedEntity(t, repo, KindNegotiationThread, StateClosedWon)
		require.NoError(t, svc.MarkFailed(context.Background(), e.ID, "retries exhausted"))

		got, _ := repo.Get(context.Background(), e.ID)
		assert.Equal(t, StateClosedWon, got.State)
	})

	t.Run("missing entity is a no-op", func(t *testing.T) {
		assert.NoError(t, svc.MarkFailed(context.Background(), "ent-missing", "retries exhausted"))
	})
}

func TestResolveThread(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)

	t.Run("first contact creates a thread", func(t *testing.T) {
		e, err := svc.ResolveThread(context.Background(), "Glow Cosmetics", "deals@glow.example")
		require.NoError(t, err)
		assert.Equal(t, StateNew, e.State)
		assert.Equal(t, KindNegotiationThread, e.Kind)
	})

	t.Run("follow-up resolves to the open thread", func(t *testing.T) {
		first, err := svc.ResolveThread(context.Background(), "Glow Cosmetics", "deals@glow.example")
		require.NoError(t, err)
		second, err := svc.ResolveThread(context.Background(), "Glow Cosmetics", "deals@glow.example")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("closed thread gets a fresh one", func(t *testing.T) {
		e, err := svc.ResolveThread(context.Background(), "Glow Cosmetics", "deals@glow.example")
		require.NoError(t, err)
		repo.entities[e.ID].State = StateClosedWon

		fresh, err := svc.ResolveThread(context.Background(), "Glow Cosmetics", "deals@glow.example")
		require.NoError(t, err)
		assert.NotEqual(t, e.ID, fresh.ID)
	})
}

func TestManualTransition(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo, &captureEnqueuer{}, nil)
	e := seedEntity(t, repo, KindNegotiationThread, StateReadyToClose)

	require.NoError(t, svc.ManualTransition(context.Background(), e.ID, StateClosedLost, "operator close"))

	got, _ := repo.Get(context.Background(), e.ID)
	assert.Equal(t, StateClosedLost, got.State)

	trs, _ := repo.Transitions(context.Background(), e.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, TriggerManual, trs[0].TriggeredBy)
}
