package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, auto_send_negotiation, sandbox_mode, negotiation_style, ceiling_pct,
		min_rate, target_rate, silence_threshold_hours, close_idle_hours, gemini_api_key
		FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.AutoSendNegotiation, &s.SandboxMode,
		&s.NegotiationStyle, &s.CeilingPct, &s.MinRate, &s.TargetRate,
		&s.SilenceThresholdHours, &s.CloseIdleHours, &s.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `
		UPDATE settings
		SET auto_send_negotiation = $1, sandbox_mode = $2, negotiation_style = $3, ceiling_pct = $4,
		    min_rate = $5, target_rate = $6, silence_threshold_hours = $7, close_idle_hours = $8,
		    gemini_api_key = $9, updated_at = NOW()
		WHERE id = 1
	`
	_, err := r.db.ExecContext(ctx, query, s.AutoSendNegotiation, s.SandboxMode, s.NegotiationStyle,
		s.CeilingPct, s.MinRate, s.TargetRate, s.SilenceThresholdHours, s.CloseIdleHours, s.GeminiAPIKey)
	return err
}
