package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// AlertPublisher raises operational alerts. Dead-lettered jobs are announced
// here so they are never silently dropped.
type AlertPublisher interface {
	Publish(topic string, body []byte) error
}

type StoreConfig struct {
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	VisibilityTimeout  time.Duration
	DefaultMaxAttempts int
}

// Store is the Postgres-backed durable queue. At-least-once delivery: a
// claimed job holds a visibility lease; leases that expire are reclaimed back
// to pending by the daily refresh scanner and the runner's reclaim tick.
type Store struct {
	db         *sql.DB
	cfg        StoreConfig
	alerts     AlertPublisher
	alertTopic string
	jitter     func() float64
}

func NewStore(db *sql.DB, cfg StoreConfig, alerts AlertPublisher, alertTopic string) *Store {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	return &Store{db: db, cfg: cfg, alerts: alerts, alertTopic: alertTopic, jitter: jitterFrac}
}

// Enqueue persists a job. With a dedupe key, an existing pending or inflight
// job on the same queue with the same key makes this a no-op; callers detect
// that via the empty job ID.
func (s *Store) Enqueue(ctx context.Context, queueName string, payload any, opts Options) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	var dedupe sql.NullString
	if opts.DedupeKey != "" {
		dedupe = sql.NullString{String: opts.DedupeKey, Valid: true}
	}

	query := `INSERT INTO jobs (queue, payload, dedupe_key, max_attempts, not_before)
		VALUES ($1, $2, $3, $4, NOW() + $5 * INTERVAL '1 millisecond')
		ON CONFLICT (queue, dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'inflight') DO NOTHING
		RETURNING id`

	var id string
	err = s.db.QueryRowContext(ctx, query, queueName, body, dedupe, maxAttempts, opts.Delay.Milliseconds()).Scan(&id)
	if err == sql.ErrNoRows {
		slog.DebugContext(ctx, "enqueue deduplicated", "queue", queueName, "dedupe_key", opts.DedupeKey)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return id, nil
}

// Dequeue claims one ripe job from the queue, or returns nil when none is
// ready. The claim increments the delivery attempt and takes a visibility
// lease; SKIP LOCKED keeps concurrent workers from fighting over a row.
func (s *Store) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	query := `UPDATE jobs
		SET status = 'inflight', attempt = attempt + 1,
		    locked_until = NOW() + $2 * INTERVAL '1 second', updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'pending' AND not_before <= NOW()
			ORDER BY not_before, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, attempt, max_attempts, not_before, created_at`

	j := &Job{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, queueName, int(s.cfg.VisibilityTimeout.Seconds())).
		Scan(&j.ID, &j.Queue, &payload, &j.Attempt, &j.MaxAttempts, &j.NotBefore, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

// Ack marks a delivered job done.
func (s *Store) Ack(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', locked_until = NULL, updated_at = NOW() WHERE id = $1 AND status = 'inflight'`,
		jobID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail reschedules a delivered job with exponential backoff, or moves it to
// the dead-letter store once its attempts are exhausted.
func (s *Store) Fail(ctx context.Context, job *Job, cause error) error {
	if job.Attempt >= job.MaxAttempts {
		return s.deadLetter(ctx, job, cause)
	}

	delay := Backoff(s.cfg.BackoffBase, s.cfg.BackoffCap, job.Attempt, s.jitter())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', locked_until = NULL, last_error = $2,
		     not_before = NOW() + $3 * INTERVAL '1 millisecond', updated_at = NOW()
		 WHERE id = $1 AND status = 'inflight'`,
		job.ID, cause.Error(), delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.WarnContext(ctx, "job rescheduled", "queue", job.Queue, "job_id", job.ID,
		"attempt", job.Attempt, "max_attempts", job.MaxAttempts, "delay", delay, "error", cause)
	return nil
}

// FailFatal routes a job straight to the dead-letter store. Used for
// validation failures where a retry would reproduce the same malformed input.
func (s *Store) FailFatal(ctx context.Context, job *Job, cause error) error {
	return s.deadLetter(ctx, job, cause)
}

func (s *Store) deadLetter(ctx context.Context, job *Job, cause error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	defer tx.Rollback()

	// The unique job_id index makes the dead-letter record exactly-once even
	// if the same failing delivery is handled twice.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO dead_letters (job_id, queue, payload, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id) DO NOTHING`,
		job.ID, job.Queue, []byte(job.Payload), job.Attempt, cause.Error())
	if err != nil {
		return fmt.Errorf("dead-letter insert %s: %w", job.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'dead', locked_until = NULL, last_error = $2, updated_at = NOW() WHERE id = $1`,
		job.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("dead-letter mark %s: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dead-letter commit %s: %w", job.ID, err)
	}

	slog.ErrorContext(ctx, "job dead-lettered", "queue", job.Queue, "job_id", job.ID,
		"attempts", job.Attempt, "error", cause)
	s.raiseAlert(ctx, job, cause)
	return nil
}

func (s *Store) raiseAlert(ctx context.Context, job *Job, cause error) {
	if s.alerts == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"kind":    "dead_letter",
		"queue":   job.Queue,
		"job_id":  job.ID,
		"error":   cause.Error(),
		"attempt": job.Attempt,
	})
	if err != nil {
		return
	}
	if err := s.alerts.Publish(s.alertTopic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish dead-letter alert", "error", err)
	}
}

// ReclaimExpired returns inflight jobs whose visibility lease has lapsed back
// to pending, making them deliverable again.
func (s *Store) ReclaimExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', locked_until = NULL, updated_at = NOW()
		 WHERE status = 'inflight' AND locked_until < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount reports queue depth, for the stats surface.
func (s *Store) PendingCount(ctx context.Context, queueName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status IN ('pending', 'inflight')`, queueName).Scan(&n)
	return n, err
}
