package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job is one unit of durable work. A job is owned by the store until claimed
// by exactly one worker; delivery is at-least-once, so processors must be
// idempotent with respect to redelivery of the same payload.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Options controls a single enqueue.
type Options struct {
	// Delay postpones the first delivery.
	Delay time.Duration
	// DedupeKey suppresses the enqueue when a pending or inflight job with
	// the same key already exists on the same queue. Scanners use the entity
	// ID here so repeated ticks never pile up duplicate work.
	DedupeKey string
	// MaxAttempts overrides the store default when > 0.
	MaxAttempts int
}

// Enqueuer is the narrow interface handed to scanners, services, and
// processors. The empty job ID with a nil error means the enqueue was
// deduplicated.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts Options) (string, error)
}

// Deduplicated reports whether an Enqueue result was suppressed by dedupe.
func Deduplicated(jobID string, err error) bool {
	return err == nil && jobID == ""
}

var ErrNotFound = errors.New("queue: job not found")

// DeadLetter is the persisted record of a job that exhausted its retry
// budget. It is never silently dropped.
type DeadLetter struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
}
