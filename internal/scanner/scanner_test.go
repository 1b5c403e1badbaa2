package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

type fakeDirectory struct {
	silence      []workflow.Entity
	closing      []workflow.Entity
	deliverables []workflow.Entity
	invoices     []workflow.Entity
	staleNew     []workflow.Entity

	silenceThreshold int
	closingIdle      int
}

func (d *fakeDirectory) FindSilenceCandidates(ctx context.Context, thresholdHours int) ([]workflow.Entity, error) {
	d.silenceThreshold = thresholdHours
	return d.silence, nil
}

func (d *fakeDirectory) FindClosingCandidates(ctx context.Context, idleHours int) ([]workflow.Entity, error) {
	d.closingIdle = idleHours
	return d.closing, nil
}

func (d *fakeDirectory) FindDueDeliverables(ctx context.Context) ([]workflow.Entity, error) {
	return d.deliverables, nil
}

func (d *fakeDirectory) FindOverdueInvoices(ctx context.Context) ([]workflow.Entity, error) {
	return d.invoices, nil
}

func (d *fakeDirectory) FindStaleNew(ctx context.Context, olderThanHours int) ([]workflow.Entity, error) {
	return d.staleNew, nil
}

type enqueued struct {
	queue  string
	dedupe string
}

type fakeEnqueuer struct {
	calls   []enqueued
	pending map[string]bool
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (string, error) {
	key := queueName + "/" + opts.DedupeKey
	if e.pending == nil {
		e.pending = make(map[string]bool)
	}
	if opts.DedupeKey != "" && e.pending[key] {
		return "", nil
	}
	e.pending[key] = true
	e.calls = append(e.calls, enqueued{queue: queueName, dedupe: opts.DedupeKey})
	return "job-" + opts.DedupeKey, nil
}

type fakeMaintainer struct{ reclaimed int64 }

func (m *fakeMaintainer) ReclaimExpired(ctx context.Context) (int64, error) {
	return m.reclaimed, nil
}

func policy() PolicySource {
	return policyFunc(func(ctx context.Context) (*settings.Settings, error) {
		return &settings.Settings{SilenceThresholdHours: 48, CloseIdleHours: 3}, nil
	})
}

type policyFunc func(ctx context.Context) (*settings.Settings, error)

func (f policyFunc) Get(ctx context.Context) (*settings.Settings, error) { return f(ctx) }

func entity(id, kind string) workflow.Entity {
	return workflow.Entity{ID: id, Kind: kind, State: workflow.StateActive}
}

func TestSilenceScan_UsesConfiguredThreshold(t *testing.T) {
	dir := &fakeDirectory{silence: []workflow.Entity{entity("ent-1", workflow.KindNegotiationThread)}}
	enq := &fakeEnqueuer{}
	s := New(dir, enq, policy(), &fakeMaintainer{})

	require.NoError(t, s.SilenceScan(context.Background()))

	assert.Equal(t, 48, dir.silenceThreshold)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, config.QueueNegotiationSilence, enq.calls[0].queue)
	assert.Equal(t, "ent-1", enq.calls[0].dedupe)
}

func TestSilenceScan_RepeatedTicksDeduplicate(t *testing.T) {
	dir := &fakeDirectory{silence: []workflow.Entity{entity("ent-1", workflow.KindNegotiationThread)}}
	enq := &fakeEnqueuer{}
	s := New(dir, enq, policy(), &fakeMaintainer{})

	require.NoError(t, s.SilenceScan(context.Background()))
	require.NoError(t, s.SilenceScan(context.Background()))

	assert.Len(t, enq.calls, 1)
}

func TestClosingScan(t *testing.T) {
	dir := &fakeDirectory{closing: []workflow.Entity{entity("ent-2", workflow.KindNegotiationThread)}}
	enq := &fakeEnqueuer{}
	s := New(dir, enq, policy(), &fakeMaintainer{})

	require.NoError(t, s.ClosingScan(context.Background()))

	assert.Equal(t, 3, dir.closingIdle)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, config.QueueNegotiationClosing, enq.calls[0].queue)
}

func TestDeadlineScan_CoversDeliverablesAndInvoices(t *testing.T) {
	dir := &fakeDirectory{
		deliverables: []workflow.Entity{entity("ent-3", workflow.KindDeliverable)},
		invoices:     []workflow.Entity{entity("ent-4", workflow.KindInvoice)},
	}
	enq := &fakeEnqueuer{}
	s := New(dir, enq, policy(), &fakeMaintainer{})

	require.NoError(t, s.DeadlineScan(context.Background()))

	require.Len(t, enq.calls, 2)
	assert.Equal(t, config.QueueDeliverableReview, enq.calls[0].queue)
	assert.Equal(t, config.QueuePaymentChase, enq.calls[1].queue)
}

func TestDailyRefresh_RedrivesStaleNewByKind(t *testing.T) {
	dir := &fakeDirectory{staleNew: []workflow.Entity{
		entity("ent-5", workflow.KindNegotiationThread),
		entity("ent-6", workflow.KindContractReview),
		entity("ent-7", workflow.KindSignatureRequest),
	}}
	enq := &fakeEnqueuer{}
	s := New(dir, enq, policy(), &fakeMaintainer{reclaimed: 2})

	require.NoError(t, s.DailyRefresh(context.Background()))

	// Signature requests are provider-driven and skipped.
	require.Len(t, enq.calls, 2)
	assert.Equal(t, config.QueueNegotiationCounterOffer, enq.calls[0].queue)
	assert.Equal(t, config.QueueContractReview, enq.calls[1].queue)
}

func TestStart_RejectsBadSpec(t *testing.T) {
	s := New(&fakeDirectory{}, &fakeEnqueuer{}, policy(), &fakeMaintainer{})
	defer s.Stop()

	cfg := &config.Config{
		SilenceScanSpec:  "not a cron spec",
		DeadlineScanSpec: "30 * * * *",
		ClosingScanSpec:  "15 */3 * * *",
		DailyRefreshSpec: "0 6 * * *",
	}
	err := s.Start(context.Background(), cfg)
	assert.Error(t, err)
}

func TestStart_SchedulesAllScans(t *testing.T) {
	s := New(&fakeDirectory{}, &fakeEnqueuer{}, policy(), &fakeMaintainer{})

	cfg := &config.Config{
		SilenceScanSpec:  "0 * * * *",
		DeadlineScanSpec: "30 * * * *",
		ClosingScanSpec:  "15 */3 * * *",
		DailyRefreshSpec: "0 6 * * *",
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx, cfg))
	s.Stop()
}
