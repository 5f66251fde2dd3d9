// Package saga runs a sequence of steps against a system without multi-step
// atomicity. Each completed step may register a compensation; on failure the
// completed steps are compensated in reverse order.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// compensationTimeout bounds one unwind. Compensation does not inherit the
// caller's cancellation.
const compensationTimeout = 2 * time.Minute

type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Error reports the failed step and any compensation that also failed. When
// CompensationErrs is non-empty the external system is left partially applied.
type Error struct {
	Saga             string
	Step             string
	Err              error
	CompensationErrs []error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("saga %s: step %s: %v", e.Saga, e.Step, e.Err)
	if len(e.CompensationErrs) > 0 {
		msg += fmt.Sprintf(" (compensation failed: %v)", errors.Join(e.CompensationErrs...))
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Compensated reports whether every completed step was undone.
func (e *Error) Compensated() bool { return len(e.CompensationErrs) == 0 }

type Saga struct {
	name      string
	logger    *zap.Logger
	completed []Step
}

func New(name string, logger *zap.Logger) *Saga {
	return &Saga{name: name, logger: logger}
}

// Run executes steps strictly in order. Each step finishes before the next begins.
func (s *Saga) Run(ctx context.Context, steps ...Step) error {
	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			s.logger.Warn("saga step failed, compensating",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Int("completed", len(s.completed)),
				zap.Error(err),
			)
			return &Error{
				Saga:             s.name,
				Step:             step.Name,
				Err:              err,
				CompensationErrs: s.unwind(ctx),
			}
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

// Compensate undoes every completed step, newest first.
func (s *Saga) Compensate(ctx context.Context) error {
	return errors.Join(s.unwind(ctx)...)
}

func (s *Saga) unwind(parent context.Context) []error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), compensationTimeout)
	defer cancel()

	var errs []error
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			s.logger.Error("saga compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("compensate %s: %w", step.Name, err))
		}
	}
	s.completed = nil
	return errs
}
