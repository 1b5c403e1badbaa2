package pipeline

import (
	"context"
	"fmt"

	"dealpilot/apps/backend/internal/queue"
)

// Processor is one unit of workflow work: consume a job payload, perform one
// step, optionally hand work to successor stages. Processors must be safe to
// re-run on the same payload.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) (Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *queue.Job) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job) (Result, error) {
	return f(ctx, job)
}

// Result carries the follow-up work a stage emits. Every Next queue must be
// declared in the stage's successor list or the runner rejects it.
type Result struct {
	Next []NextJob
}

type NextJob struct {
	Queue   string
	Payload any
	Opts    queue.Options
}

// Stage binds one queue to one processor plus its declared successors.
type Stage struct {
	Name      string
	Queue     string
	Processor Processor
	Next      []string
}

// Registry is the static pipeline graph. Built once at startup, validated
// before any worker runs: queue names are checked against registered stages
// so a job can never be emitted onto a queue nothing consumes.
type Registry struct {
	stages map[string]Stage
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

func (r *Registry) Register(s Stage) error {
	if s.Queue == "" || s.Processor == nil {
		return fmt.Errorf("stage %q: queue and processor are required", s.Name)
	}
	if _, dup := r.stages[s.Queue]; dup {
		return fmt.Errorf("stage %q: queue %q already registered", s.Name, s.Queue)
	}
	r.stages[s.Queue] = s
	r.order = append(r.order, s.Queue)
	return nil
}

// Validate rejects successor queues that no registered stage consumes.
func (r *Registry) Validate() error {
	for _, q := range r.order {
		s := r.stages[q]
		for _, next := range s.Next {
			if _, ok := r.stages[next]; !ok {
				return fmt.Errorf("stage %q declares successor %q but no stage consumes it", s.Name, next)
			}
		}
	}
	return nil
}

func (r *Registry) Stage(queueName string) (Stage, bool) {
	s, ok := r.stages[queueName]
	return s, ok
}

// KnownQueue reports whether any stage consumes the queue. Manual triggers
// use this to refuse queue names that would orphan a job.
func (r *Registry) KnownQueue(queueName string) bool {
	_, ok := r.stages[queueName]
	return ok
}

// Queues lists every registered queue in registration order.
func (r *Registry) Queues() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// allowsNext reports whether the stage consuming fromQueue declares toQueue
// as a successor.
func (r *Registry) allowsNext(fromQueue, toQueue string) bool {
	s, ok := r.stages[fromQueue]
	if !ok {
		return false
	}
	for _, next := range s.Next {
		if next == toQueue {
			return true
		}
	}
	return false
}
