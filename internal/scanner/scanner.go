package scanner

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"dealpilot/apps/backend/features/workflow"
	"dealpilot/apps/backend/internal/config"
	"dealpilot/apps/backend/internal/queue"
	"dealpilot/apps/backend/internal/settings"
)

// Directory is the read side the scanners need: pure predicates over
// persisted entity fields. Scanners never mutate state themselves; they
// enqueue jobs and let the stage processors re-check and act.
type Directory interface {
	FindSilenceCandidates(ctx context.Context, thresholdHours int) ([]workflow.Entity, error)
	FindClosingCandidates(ctx context.Context, idleHours int) ([]workflow.Entity, error)
	FindDueDeliverables(ctx context.Context) ([]workflow.Entity, error)
	FindOverdueInvoices(ctx context.Context) ([]workflow.Entity, error)
	FindStaleNew(ctx context.Context, olderThanHours int) ([]workflow.Entity, error)
}

type PolicySource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// JobMaintainer reclaims jobs whose worker died mid-flight. Run by the daily
// refresh alongside the stale-entity sweep.
type JobMaintainer interface {
	ReclaimExpired(ctx context.Context) (int64, error)
}

// staleNewHours is how long a NEW entity may sit untouched before the daily
// refresh re-drives it.
const staleNewHours = 24

// Scanner owns the time-triggered side of the pipelines. Each scan is a
// query-then-enqueue pass; the entity ID as dedupe key keeps repeated ticks
// from piling up duplicate jobs while one is still pending.
type Scanner struct {
	dir    Directory
	enq    queue.Enqueuer
	policy PolicySource
	jobs   JobMaintainer
	cron   *cron.Cron
}

func New(dir Directory, enq queue.Enqueuer, policy PolicySource, jobs JobMaintainer) *Scanner {
	return &Scanner{
		dir:    dir,
		enq:    enq,
		policy: policy,
		jobs:   jobs,
		cron:   cron.New(),
	}
}

// Start registers the cadences and starts the cron loop. The context bounds
// each individual scan, not the loop; Stop ends the loop.
func (s *Scanner) Start(ctx context.Context, cfg *config.Config) error {
	schedule := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"silence", cfg.SilenceScanSpec, s.SilenceScan},
		{"deadline", cfg.DeadlineScanSpec, s.DeadlineScan},
		{"closing", cfg.ClosingScanSpec, s.ClosingScan},
		{"daily_refresh", cfg.DailyRefreshSpec, s.DailyRefresh},
	}
	for _, entry := range schedule {
		entry := entry
		_, err := s.cron.AddFunc(entry.spec, func() {
			if err := entry.run(ctx); err != nil {
				slog.ErrorContext(ctx, "scan failed", "scan", entry.name, "error", err)
			}
		})
		if err != nil {
			return err
		}
		slog.Info("scan scheduled", "scan", entry.name, "spec", entry.spec)
	}
	s.cron.Start()
	return nil
}

func (s *Scanner) Stop() {
	<-s.cron.Stop().Done()
}

// SilenceScan finds threads with no activity on either side past the
// configured threshold and queues silence handling for each.
func (s *Scanner) SilenceScan(ctx context.Context) error {
	pol, err := s.policy.Get(ctx)
	if err != nil {
		return err
	}
	candidates, err := s.dir.FindSilenceCandidates(ctx, pol.SilenceThresholdHours)
	if err != nil {
		return err
	}
	return s.enqueueAll(ctx, "silence", config.QueueNegotiationSilence, candidates)
}

// ClosingScan reviews silent threads for positive closing signals.
func (s *Scanner) ClosingScan(ctx context.Context) error {
	pol, err := s.policy.Get(ctx)
	if err != nil {
		return err
	}
	candidates, err := s.dir.FindClosingCandidates(ctx, pol.CloseIdleHours)
	if err != nil {
		return err
	}
	return s.enqueueAll(ctx, "closing", config.QueueNegotiationClosing, candidates)
}

// DeadlineScan chases overdue deliverables and invoices.
func (s *Scanner) DeadlineScan(ctx context.Context) error {
	deliverables, err := s.dir.FindDueDeliverables(ctx)
	if err != nil {
		return err
	}
	if err := s.enqueueAll(ctx, "deadline", config.QueueDeliverableReview, deliverables); err != nil {
		return err
	}

	invoices, err := s.dir.FindOverdueInvoices(ctx)
	if err != nil {
		return err
	}
	return s.enqueueAll(ctx, "deadline", config.QueuePaymentChase, invoices)
}

// DailyRefresh re-drives entities stuck in NEW and reclaims expired job
// leases, so nothing stays wedged for more than a day.
func (s *Scanner) DailyRefresh(ctx context.Context) error {
	reclaimed, err := s.jobs.ReclaimExpired(ctx)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		slog.InfoContext(ctx, "expired job leases reclaimed", "count", reclaimed)
	}

	stale, err := s.dir.FindStaleNew(ctx, staleNewHours)
	if err != nil {
		return err
	}
	for _, e := range stale {
		queueName, ok := refreshQueue(e.Kind)
		if !ok {
			continue
		}
		if err := s.enqueueOne(ctx, "daily_refresh", queueName, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// refreshQueue maps an entity kind to the queue that can move it off NEW.
// Signature requests are excluded: only the provider callback drives them.
func refreshQueue(kind string) (string, bool) {
	switch kind {
	case workflow.KindNegotiationThread, workflow.KindDealDraft:
		return config.QueueNegotiationCounterOffer, true
	case workflow.KindContractReview:
		return config.QueueContractReview, true
	case workflow.KindDeliverable:
		return config.QueueDeliverableReview, true
	case workflow.KindInvoice:
		return config.QueuePaymentChase, true
	}
	return "", false
}

func (s *Scanner) enqueueAll(ctx context.Context, scan, queueName string, entities []workflow.Entity) error {
	for _, e := range entities {
		if err := s.enqueueOne(ctx, scan, queueName, e.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) enqueueOne(ctx context.Context, scan, queueName, entityID string) error {
	jobID, err := s.enq.Enqueue(ctx, queueName, map[string]string{"entity_id": entityID}, queue.Options{DedupeKey: entityID})
	if err != nil {
		return err
	}
	if queue.Deduplicated(jobID, err) {
		slog.DebugContext(ctx, "scan enqueue deduplicated", "scan", scan, "entity_id", entityID)
		return nil
	}
	slog.InfoContext(ctx, "scan queued work", "scan", scan, "queue", queueName, "entity_id", entityID, "job_id", jobID)
	return nil
}
