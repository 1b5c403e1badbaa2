package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dealpilot/apps/backend/internal/middleware"
	"dealpilot/apps/backend/internal/queue"
)

// JobStore is the slice of the durable queue the runner drives.
type JobStore interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.Options) (string, error)
	Dequeue(ctx context.Context, queueName string) (*queue.Job, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, job *queue.Job, cause error) error
	FailFatal(ctx context.Context, job *queue.Job, cause error) error
	ReclaimExpired(ctx context.Context) (int64, error)
}

// FatalMarker moves an entity to FAILED with a human-readable reason when a
// processor reports an unrecoverable error.
type FatalMarker interface {
	MarkFailed(ctx context.Context, entityID, reason string) error
}

type RunnerConfig struct {
	WorkersPerQueue int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
}

// Runner owns the per-queue worker pools. Each worker loop dequeues, runs the
// stage processor behind a recover, classifies the outcome, and applies the
// queue action. Processor failures never escape the loop.
type Runner struct {
	store JobStore
	reg   *Registry
	fatal FatalMarker
	cfg   RunnerConfig
	wg    sync.WaitGroup
}

func NewRunner(store JobStore, reg *Registry, fatal FatalMarker, cfg RunnerConfig) *Runner {
	if cfg.WorkersPerQueue <= 0 {
		cfg.WorkersPerQueue = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	return &Runner{store: store, reg: reg, fatal: fatal, cfg: cfg}
}

// Start launches the worker pools and the reclaim tick. It returns after
// spawning; Wait blocks until ctx is cancelled and all workers drained.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.reg.Validate(); err != nil {
		return fmt.Errorf("pipeline graph invalid: %w", err)
	}

	for _, queueName := range r.reg.Queues() {
		stage, _ := r.reg.Stage(queueName)
		for i := 0; i < r.cfg.WorkersPerQueue; i++ {
			r.wg.Add(1)
			go r.workerLoop(ctx, stage)
		}
	}

	r.wg.Add(1)
	go r.reclaimLoop(ctx)

	slog.InfoContext(ctx, "pipeline runner started",
		"queues", len(r.reg.Queues()), "workers_per_queue", r.cfg.WorkersPerQueue)
	return nil
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, stage Stage) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.Dequeue(ctx, stage.Queue)
		if err != nil {
			slog.ErrorContext(ctx, "dequeue failed", "queue", stage.Queue, "error", err)
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if job == nil {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}

		r.handle(ctx, stage, job)
	}
}

func (r *Runner) reclaimLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.ReclaimExpired(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "reclaim failed", "error", err)
			} else if n > 0 {
				slog.WarnContext(ctx, "reclaimed expired jobs", "count", n)
			}
		}
	}
}

func (r *Runner) handle(ctx context.Context, stage Stage, job *queue.Job) {
	ctx = withJobContext(ctx, job)

	res, err := r.runProcessor(ctx, stage, job)
	if err == nil {
		err = r.fanOut(ctx, stage, job, res)
	}
	if err == nil {
		if err := r.store.Ack(ctx, job.ID); err != nil {
			slog.ErrorContext(ctx, "ack failed", "job_id", job.ID, "error", err)
		}
		return
	}
	if errors.Is(err, errUndeclaredSuccessor) {
		// A graph bug, not a bad delivery. Surfaced loudly.
		if err := r.store.FailFatal(ctx, job, err); err != nil {
			slog.ErrorContext(ctx, "dead-letter failed", "job_id", job.ID, "error", err)
		}
		return
	}

	class := Classify(err)
	slog.InfoContext(ctx, "stage finished with error", "stage", stage.Name,
		"job_id", job.ID, "class", class.String(), "error", err)

	switch class {
	case ClassPrecondition, ClassPolicyBlocked:
		// Expected outcomes, completed as no-ops.
		if err := r.store.Ack(ctx, job.ID); err != nil {
			slog.ErrorContext(ctx, "ack failed", "job_id", job.ID, "error", err)
		}
	case ClassValidation:
		if err := r.store.FailFatal(ctx, job, err); err != nil {
			slog.ErrorContext(ctx, "dead-letter failed", "job_id", job.ID, "error", err)
		}
	case ClassFatal:
		r.markEntityFailed(ctx, job, err)
		if err := r.store.FailFatal(ctx, job, err); err != nil {
			slog.ErrorContext(ctx, "dead-letter failed", "job_id", job.ID, "error", err)
		}
	default: // transient
		if err := r.store.Fail(ctx, job, err); err != nil {
			slog.ErrorContext(ctx, "reschedule failed", "job_id", job.ID, "error", err)
		}
	}
}

func (r *Runner) runProcessor(ctx context.Context, stage Stage, job *queue.Job) (res Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.Name, rec)
		}
	}()
	return stage.Processor.Process(ctx, job)
}

// errUndeclaredSuccessor marks fan-out to a queue the stage never declared.
// Unlike an enqueue failure it cannot heal on retry.
var errUndeclaredSuccessor = errors.New("undeclared successor queue")

func (r *Runner) fanOut(ctx context.Context, stage Stage, job *queue.Job, res Result) error {
	for _, next := range res.Next {
		if !r.reg.allowsNext(stage.Queue, next.Queue) {
			return fmt.Errorf("stage %q emitted to %q: %w", stage.Name, next.Queue, errUndeclaredSuccessor)
		}
		id, err := r.store.Enqueue(ctx, next.Queue, next.Payload, next.Opts)
		if err != nil {
			// Enqueue failure retries the whole job through the transient
			// path; dedupe keys on the successor keep the retry from
			// double-queueing what already made it in.
			return fmt.Errorf("enqueue successor %s: %w", next.Queue, err)
		}
		if queue.Deduplicated(id, err) {
			slog.DebugContext(ctx, "successor deduplicated", "queue", next.Queue)
		}
	}
	return nil
}

func (r *Runner) markEntityFailed(ctx context.Context, job *queue.Job, cause error) {
	if r.fatal == nil {
		return
	}
	entityID := payloadEntityID(job)
	if entityID == "" {
		return
	}
	if err := r.fatal.MarkFailed(ctx, entityID, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to mark entity FAILED", "entity_id", entityID, "error", err)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// withJobContext restores the correlation ID carried in the job payload so
// async log lines line up with the originating request.
func withJobContext(ctx context.Context, job *queue.Job) context.Context {
	var envelope struct {
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(job.Payload, &envelope); err == nil && envelope.CorrelationID != "" {
		return middleware.WithCorrelationID(ctx, envelope.CorrelationID)
	}
	return ctx
}

func payloadEntityID(job *queue.Job) string {
	var envelope struct {
		EntityID string `json:"entity_id"`
	}
	if err := json.Unmarshal(job.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.EntityID
}
