package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dealpilot/apps/backend/internal/queue"
)

type Service struct {
	repo       Repository
	enq        queue.Enqueuer
	knownQueue func(name string) bool
}

// NewService wires the state machine over its repository. knownQueue guards
// manual triggers against queue names no processor consumes; the pipeline
// registry provides it at startup.
func NewService(repo Repository, enq queue.Enqueuer, knownQueue func(string) bool) *Service {
	if knownQueue == nil {
		knownQueue = func(string) bool { return true }
	}
	return &Service{repo: repo, enq: enq, knownQueue: knownQueue}
}

func (s *Service) Create(ctx context.Context, e *Entity) error {
	if e.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	return s.repo.Create(ctx, e)
}

func (s *Service) Get(ctx context.Context, id string) (*Entity, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, kind string) ([]Entity, error) {
	return s.repo.List(ctx, kind)
}

// ResolveThread finds the open negotiation thread for a sender, creating one
// on first contact.
func (s *Service) ResolveThread(ctx context.Context, brandName, brandEmail string) (*Entity, error) {
	e, err := s.repo.FindOpenByEmail(ctx, KindNegotiationThread, brandEmail)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	e = &Entity{Kind: KindNegotiationThread, State: StateNew, BrandName: brandName, BrandEmail: brandEmail}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "new negotiation thread created", "entity_id", e.ID, "brand_email", brandEmail)
	return e, nil
}

type Detail struct {
	Entity      *Entity      `json:"entity"`
	Events      []Event      `json:"events"`
	Transitions []Transition `json:"transitions"`
}

func (s *Service) Detail(ctx context.Context, id string) (*Detail, error) {
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.repo.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	trs, err := s.repo.Transitions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Entity: e, Events: events, Transitions: trs}, nil
}

// Transition applies one CAS state change. ErrPreconditionFailed passes
// through untouched so callers can treat the lost race as a no-op.
func (s *Service) Transition(ctx context.Context, t *Transition) error {
	return s.repo.Transition(ctx, t)
}

func (s *Service) Events(ctx context.Context, entityID string) ([]Event, error) {
	return s.repo.Events(ctx, entityID)
}

func (s *Service) LastOffer(ctx context.Context, entityID string) (*Event, error) {
	return s.repo.LastOffer(ctx, entityID)
}

func (s *Service) SetFinalRate(ctx context.Context, entityID string, rate float64) error {
	return s.repo.SetFinalRate(ctx, entityID, rate)
}

// RecordInbound appends an inbound event (idempotent via dedupe key), stamps
// the brand-side activity clock, and resumes AWAITING_REPLY or SILENT threads
// back to ACTIVE.
func (s *Service) RecordInbound(ctx context.Context, ev *Event) (bool, error) {
	ev.Direction = DirectionInbound
	appended, err := s.repo.AppendEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if !appended {
		return false, nil
	}
	if err := s.repo.TouchBrandMessage(ctx, ev.EntityID); err != nil {
		return true, err
	}

	e, err := s.repo.Get(ctx, ev.EntityID)
	if err != nil {
		return true, err
	}
	if e.State == StateAwaitingReply || e.State == StateSilent || e.State == StateReadyToClose {
		err := s.repo.Transition(ctx, &Transition{
			EntityID:    ev.EntityID,
			From:        e.State,
			To:          StateActive,
			TriggeredBy: TriggerJob,
			Reason:      "inbound message received",
		})
		if err != nil && !errors.Is(err, ErrPreconditionFailed) {
			return true, err
		}
		if errors.Is(err, ErrPreconditionFailed) {
			slog.InfoContext(ctx, "resume transition lost race, skipping", "entity_id", ev.EntityID)
		}
	}
	return true, nil
}

// RecordOutbound appends an outbound event and stamps the agent-side clock.
func (s *Service) RecordOutbound(ctx context.Context, ev *Event) (bool, error) {
	ev.Direction = DirectionOutbound
	appended, err := s.repo.AppendEvent(ctx, ev)
	if err != nil {
		return false, err
	}
	if !appended {
		return false, nil
	}
	return true, s.repo.TouchAgentMessage(ctx, ev.EntityID)
}

// RecordSystem appends a system event (suggestions, escalations, audit notes).
func (s *Service) RecordSystem(ctx context.Context, ev *Event) (bool, error) {
	ev.Direction = DirectionSystem
	return s.repo.AppendEvent(ctx, ev)
}

// ManualTrigger force-enqueues a stage for an entity through the same enqueue
// API the scanners use, with the same dedupe discipline.
func (s *Service) ManualTrigger(ctx context.Context, entityID, queueName string) (string, error) {
	if !s.knownQueue(queueName) {
		return "", fmt.Errorf("unknown queue %q", queueName)
	}
	if _, err := s.repo.Get(ctx, entityID); err != nil {
		return "", err
	}
	return s.enq.Enqueue(ctx, queueName, map[string]string{"entity_id": entityID}, queue.Options{DedupeKey: entityID})
}

// MarkFailed moves an entity to FAILED with a human-readable reason.
// Terminal entities are left untouched.
func (s *Service) MarkFailed(ctx context.Context, entityID, reason string) error {
	e, err := s.repo.Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if e.State.Terminal() {
		return nil
	}
	err = s.repo.Transition(ctx, &Transition{
		EntityID:    entityID,
		From:        e.State,
		To:          StateFailed,
		TriggeredBy: TriggerJob,
		Reason:      reason,
	})
	if errors.Is(err, ErrPreconditionFailed) {
		return nil
	}
	return err
}

// ManualTransition lets an operator override state. Same CAS rules apply;
// the override is recorded as manually triggered.
func (s *Service) ManualTransition(ctx context.Context, entityID string, to State, reason string) error {
	e, err := s.repo.Get(ctx, entityID)
	if err != nil {
		return err
	}
	return s.repo.Transition(ctx, &Transition{
		EntityID:    entityID,
		From:        e.State,
		To:          to,
		TriggeredBy: TriggerManual,
		Reason:      reason,
	})
}
