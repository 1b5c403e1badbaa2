package settings_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealpilot/apps/backend/internal/settings"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"id", "auto_send_negotiation", "sandbox_mode", "negotiation_style",
		"ceiling_pct", "min_rate", "target_rate", "silence_threshold_hours", "close_idle_hours", "gemini_api_key"}).
		AddRow(1, true, false, "collaborative", 20, 5000.0, 7500.0, 48, 3, "key")

	mock.ExpectQuery("SELECT id, auto_send_negotiation").WillReturnRows(rows)

	s, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, s.AutoSendNegotiation)
	assert.Equal(t, 48, s.SilenceThresholdHours)
	assert.Equal(t, 3, s.CloseIdleHours)
	assert.True(t, s.AutoSendAllowed())
}

func TestPostgresRepo_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	mock.ExpectExec("UPDATE settings").
		WithArgs(false, true, "assertive", 15, 4000.0, 6000.0, 24, 2, "new-key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Update(context.Background(), &settings.Settings{
		SandboxMode:           true,
		NegotiationStyle:      "assertive",
		CeilingPct:            15,
		MinRate:               4000,
		TargetRate:            6000,
		SilenceThresholdHours: 24,
		CloseIdleHours:        2,
		GeminiAPIKey:          "new-key",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettings_AutoSendAllowed(t *testing.T) {
	tests := []struct {
		name     string
		sandbox  bool
		autoSend bool
		want     bool
	}{
		{"sandbox blocks auto send", true, true, false},
		{"auto send disabled", false, false, false},
		{"allowed", false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &settings.Settings{SandboxMode: tt.sandbox, AutoSendNegotiation: tt.autoSend}
			assert.Equal(t, tt.want, s.AutoSendAllowed())
		})
	}
}
