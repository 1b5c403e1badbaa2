package pipeline

import (
	"context"
	"errors"
	"fmt"

	"dealpilot/apps/backend/features/workflow"
)

// Class buckets a processor failure into the action the runner takes at the
// dequeue boundary. Nothing a processor returns can crash the worker loop.
type Class int

const (
	// ClassTransient failures retry with backoff until attempts run out.
	ClassTransient Class = iota
	// ClassValidation failures go straight to the dead-letter store; retrying
	// reproduces the same malformed input.
	ClassValidation
	// ClassPrecondition means a racing job already moved the entity. Success
	// no-op, never alerted.
	ClassPrecondition
	// ClassPolicyBlocked means policy disallowed the irreversible side effect.
	// The suggestion is recorded and the job completes.
	ClassPolicyBlocked
	// ClassFatal marks the entity FAILED with a human-readable reason and
	// raises an alert.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassValidation:
		return "validation"
	case ClassPrecondition:
		return "precondition"
	case ClassPolicyBlocked:
		return "policy_blocked"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

type classified struct {
	class Class
	err   error
}

func (e *classified) Error() string { return fmt.Sprintf("%s: %v", e.class, e.err) }
func (e *classified) Unwrap() error { return e.err }

// Validation wraps an error as non-retryable malformed input.
func Validation(err error) error { return &classified{class: ClassValidation, err: err} }

// Fatal wraps an unrecoverable error (entity missing, broken reference).
func Fatal(err error) error { return &classified{class: ClassFatal, err: err} }

// PolicyBlocked wraps a policy refusal. Not an error in the alerting sense.
func PolicyBlocked(reason string) error {
	return &classified{class: ClassPolicyBlocked, err: errors.New(reason)}
}

// Classify maps an error from a processor to its handling class. Unknown
// errors default to transient so downstream hiccups get their retries.
func Classify(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	if errors.Is(err, workflow.ErrPreconditionFailed) {
		return ClassPrecondition
	}
	if errors.Is(err, workflow.ErrNotFound) {
		return ClassFatal
	}
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return ClassValidation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}
