package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"

	"dealpilot/apps/backend/internal/queue"
)

type Repository interface {
	List(ctx context.Context) ([]queue.DeadLetter, error)
	Get(ctx context.Context, id string) (*queue.DeadLetter, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const columns = `id, job_id, queue, payload, attempts, last_error, created_at`

func (r *PostgresRepo) List(ctx context.Context) ([]queue.DeadLetter, error) {
	query := `SELECT ` + columns + ` FROM dead_letters ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.DeadLetter
	for rows.Next() {
		var dl queue.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.Queue, &payload, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Payload = json.RawMessage(payload)
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*queue.DeadLetter, error) {
	dl := &queue.DeadLetter{}
	var payload []byte
	query := `SELECT ` + columns + ` FROM dead_letters WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&dl.ID, &dl.JobID, &dl.Queue, &payload, &dl.Attempts, &dl.LastError, &dl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dl.Payload = json.RawMessage(payload)
	return dl, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, err
}
