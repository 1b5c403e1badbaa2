package settings

import (
	"context"
)

// Settings is the agent policy: the configuration processors consult before
// any irreversible side effect. Read-only during a processor run.
type Settings struct {
	ID                    int     `json:"-"`
	AutoSendNegotiation   bool    `json:"auto_send_negotiation"`
	SandboxMode           bool    `json:"sandbox_mode"`
	NegotiationStyle      string  `json:"negotiation_style"`
	CeilingPct            int     `json:"ceiling_pct"`
	MinRate               float64 `json:"min_rate"`
	TargetRate            float64 `json:"target_rate"`
	SilenceThresholdHours int     `json:"silence_threshold_hours"`
	CloseIdleHours        int     `json:"close_idle_hours"`
	GeminiAPIKey          string  `json:"gemini_api_key"`
}

// AutoSendAllowed gates outbound sends: sandbox mode always wins.
func (s *Settings) AutoSendAllowed() bool {
	return !s.SandboxMode && s.AutoSendNegotiation
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	return s.repo.Update(ctx, set)
}
