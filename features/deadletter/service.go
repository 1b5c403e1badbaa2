package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dealpilot/apps/backend/internal/queue"
)

// Service is the operator surface over the dead-letter store. Retry is the
// manual redrive: the payload goes back onto its original queue with a fresh
// attempt budget and the dead letter is removed.
type Service struct {
	repo Repository
	enq  queue.Enqueuer
}

func NewService(repo Repository, enq queue.Enqueuer) *Service {
	return &Service{repo: repo, enq: enq}
}

func (s *Service) List(ctx context.Context) ([]queue.DeadLetter, error) {
	return s.repo.List(ctx)
}

func (s *Service) Retry(ctx context.Context, id string) error {
	dl, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	jobID, err := s.enq.Enqueue(ctx, dl.Queue, json.RawMessage(dl.Payload), queue.Options{})
	if err != nil {
		return fmt.Errorf("redrive dead letter %s: %w", id, err)
	}
	slog.InfoContext(ctx, "dead letter redriven", "dead_letter_id", id, "queue", dl.Queue, "job_id", jobID)

	return s.repo.Delete(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
