package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type Repository interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, id string) (*Entity, error)
	List(ctx context.Context, kind string) ([]Entity, error)

	// Transition applies the change only when the entity's persisted state
	// still matches t.From (compare-and-swap) and records it in the history.
	Transition(ctx context.Context, t *Transition) error

	// AppendEvent appends to the entity history. Returns false when the
	// event's dedupe key was already applied (job redelivery).
	AppendEvent(ctx context.Context, ev *Event) (bool, error)
	Events(ctx context.Context, entityID string) ([]Event, error)
	LastOffer(ctx context.Context, entityID string) (*Event, error)
	Transitions(ctx context.Context, entityID string) ([]Transition, error)

	TouchBrandMessage(ctx context.Context, id string) error
	TouchAgentMessage(ctx context.Context, id string) error
	SetFinalRate(ctx context.Context, id string, rate float64) error

	// FindOpenByEmail resolves an inbound email to the most recent
	// non-terminal entity of the kind for that sender.
	FindOpenByEmail(ctx context.Context, kind, email string) (*Entity, error)

	// Scanner predicates: pure queries over persisted fields.
	FindSilenceCandidates(ctx context.Context, thresholdHours int) ([]Entity, error)
	FindClosingCandidates(ctx context.Context, idleHours int) ([]Entity, error)
	FindDueDeliverables(ctx context.Context) ([]Entity, error)
	FindOverdueInvoices(ctx context.Context) ([]Entity, error)
	FindStaleNew(ctx context.Context, olderThanHours int) ([]Entity, error)

	CountByState(ctx context.Context) (map[State]int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const entityColumns = `id, kind, state, brand_name, brand_email, last_brand_message_at,
	last_agent_message_at, stalled_since, due_at, final_rate, fail_reason, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	e := &Entity{}
	err := row.Scan(&e.ID, &e.Kind, &e.State, &e.BrandName, &e.BrandEmail,
		&e.LastBrandMessageAt, &e.LastAgentMessageAt, &e.StalledSince, &e.DueAt,
		&e.FinalRate, &e.FailReason, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *PostgresRepo) Create(ctx context.Context, e *Entity) error {
	if e.State == "" {
		e.State = StateNew
	}
	query := `INSERT INTO workflow_entities (kind, state, brand_name, brand_email, due_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, e.Kind, e.State, e.BrandName, e.BrandEmail, e.DueAt).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities WHERE id = $1`, entityColumns)
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

func (r *PostgresRepo) List(ctx context.Context, kind string) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities WHERE ($1 = '' OR kind = $1) ORDER BY created_at DESC`, entityColumns)
	return r.queryEntities(ctx, query, kind)
}

func (r *PostgresRepo) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Transition(ctx context.Context, t *Transition) error {
	if !Allowed(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transition %s: %w", t.EntityID, err)
	}
	defer tx.Rollback()

	// CAS: the update lands only if the persisted state still matches From.
	// A racing transition that committed first makes this a no-op and the
	// caller backs off via ErrPreconditionFailed.
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_entities
		 SET state = $3,
		     stalled_since = CASE WHEN $3 = 'SILENT' THEN NOW()
		                          WHEN $3 = 'ACTIVE' THEN NULL
		                          ELSE stalled_since END,
		     fail_reason = CASE WHEN $3 = 'FAILED' THEN $4 ELSE fail_reason END,
		     updated_at = NOW()
		 WHERE id = $1 AND state = $2`,
		t.EntityID, t.From, t.To, t.Reason)
	if err != nil {
		return fmt.Errorf("transition %s: %w", t.EntityID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPreconditionFailed
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO workflow_transitions (entity_id, from_state, to_state, triggered_by, reason)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		t.EntityID, t.From, t.To, t.TriggeredBy, t.Reason).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transition %s: %w", t.EntityID, err)
	}

	return tx.Commit()
}

func (r *PostgresRepo) AppendEvent(ctx context.Context, ev *Event) (bool, error) {
	raw := ev.Raw
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	var dedupe sql.NullString
	if ev.DedupeKey != "" {
		dedupe = sql.NullString{String: ev.DedupeKey, Valid: true}
	}

	query := `INSERT INTO workflow_events (entity_id, direction, amount, body, confidence, raw, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, ev.EntityID, ev.Direction, ev.Amount, ev.Body, ev.Confidence, []byte(raw), dedupe).
		Scan(&ev.ID, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", ev.EntityID, err)
	}
	return true, nil
}

const eventColumns = `id, entity_id, direction, amount, body, confidence, raw, created_at`

func (r *PostgresRepo) Events(ctx context.Context, entityID string) ([]Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_events WHERE entity_id = $1 ORDER BY created_at ASC`, eventColumns)
	rows, err := r.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.Direction, &ev.Amount, &ev.Body, &ev.Confidence, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Raw = json.RawMessage(raw)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) LastOffer(ctx context.Context, entityID string) (*Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_events
		WHERE entity_id = $1 AND amount IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`, eventColumns)
	var ev Event
	var raw []byte
	err := r.db.QueryRowContext(ctx, query, entityID).
		Scan(&ev.ID, &ev.EntityID, &ev.Direction, &ev.Amount, &ev.Body, &ev.Confidence, &raw, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last offer %s: %w", entityID, err)
	}
	ev.Raw = json.RawMessage(raw)
	return &ev, nil
}

func (r *PostgresRepo) Transitions(ctx context.Context, entityID string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entity_id, from_state, to_state, triggered_by, reason, created_at
		 FROM workflow_transitions WHERE entity_id = $1 ORDER BY created_at ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.EntityID, &t.From, &t.To, &t.TriggeredBy, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) TouchBrandMessage(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_entities SET last_brand_message_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) TouchAgentMessage(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_entities SET last_agent_message_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) SetFinalRate(ctx context.Context, id string, rate float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workflow_entities SET final_rate = $2, updated_at = NOW() WHERE id = $1`, id, rate)
	return err
}

func (r *PostgresRepo) FindOpenByEmail(ctx context.Context, kind, email string) (*Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE kind = $1 AND brand_email = $2
		  AND state NOT IN ('CLOSED_WON', 'CLOSED_LOST', 'FAILED')
		ORDER BY created_at DESC LIMIT 1`, entityColumns)
	e, err := scanEntity(r.db.QueryRowContext(ctx, query, kind, email))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open by email: %w", err)
	}
	return e, nil
}

func (r *PostgresRepo) FindOverdueInvoices(ctx context.Context) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE kind = $1 AND state NOT IN ('CLOSED_WON', 'CLOSED_LOST', 'FAILED')
		  AND due_at IS NOT NULL AND due_at <= NOW()`, entityColumns)
	return r.queryEntities(ctx, query, KindInvoice)
}

func (r *PostgresRepo) FindSilenceCandidates(ctx context.Context, thresholdHours int) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE kind = $1
		  AND state NOT IN ('SILENT', 'CLOSED_WON', 'CLOSED_LOST', 'FAILED')
		  AND GREATEST(COALESCE(last_brand_message_at, created_at), COALESCE(last_agent_message_at, created_at))
		      < NOW() - $2 * INTERVAL '1 hour'`, entityColumns)
	return r.queryEntities(ctx, query, KindNegotiationThread, thresholdHours)
}

func (r *PostgresRepo) FindClosingCandidates(ctx context.Context, idleHours int) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE kind = $1
		  AND state = 'SILENT'
		  AND COALESCE(last_brand_message_at, created_at) < NOW() - $2 * INTERVAL '1 hour'`, entityColumns)
	return r.queryEntities(ctx, query, KindNegotiationThread, idleHours)
}

func (r *PostgresRepo) FindDueDeliverables(ctx context.Context) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE kind = $1 AND state = 'ACTIVE' AND due_at IS NOT NULL AND due_at <= NOW()`, entityColumns)
	return r.queryEntities(ctx, query, KindDeliverable)
}

func (r *PostgresRepo) FindStaleNew(ctx context.Context, olderThanHours int) ([]Entity, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflow_entities
		WHERE state = 'NEW' AND created_at < NOW() - $1 * INTERVAL '1 hour'`, entityColumns)
	return r.queryEntities(ctx, query, olderThanHours)
}

func (r *PostgresRepo) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM workflow_entities GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var s State
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}
