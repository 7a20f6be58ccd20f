// Package saga runs an ordered list of steps where every step carries its
// own compensation. When a step fails, the compensations of every step that
// already committed run in reverse order. Compensation failures are reported
// to the caller's logger but never retried and never compensated themselves.
package saga

import (
	"context"
	"fmt"
)

type Step struct {
	Name string
	Do   func(ctx context.Context) error
	// Undo reverses a committed Do. Nil when the step has nothing to
	// reverse; its failure still triggers compensation of earlier steps.
	Undo func(ctx context.Context) error
	// Soft marks a best-effort step: its failure is reported through
	// OnSoftFailure and execution continues without compensation.
	Soft bool
}

// Runner executes steps strictly in order on a single goroutine.
type Runner struct {
	steps []Step
	// OnCompensateError receives failures of individual Undo calls.
	OnCompensateError func(step string, err error)
	// OnSoftFailure receives failures of soft steps.
	OnSoftFailure func(step string, err error)
}

func New(steps ...Step) *Runner {
	return &Runner{steps: steps}
}

func (r *Runner) Append(step Step) {
	r.steps = append(r.steps, step)
}

// Run executes every step. On the first hard failure it compensates all
// previously committed steps in reverse order and returns the failing
// step's error wrapped with the step name.
func (r *Runner) Run(ctx context.Context) error {
	done := make([]Step, 0, len(r.steps))

	for _, step := range r.steps {
		err := step.Do(ctx)
		if err == nil {
			if step.Undo != nil {
				done = append(done, step)
			}
			continue
		}

		if step.Soft {
			if r.OnSoftFailure != nil {
				r.OnSoftFailure(step.Name, err)
			}
			continue
		}

		r.compensate(ctx, done)
		return fmt.Errorf("saga step %s: %w", step.Name, err)
	}

	return nil
}

func (r *Runner) compensate(ctx context.Context, done []Step) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].Undo(ctx); err != nil {
			if r.OnCompensateError != nil {
				r.OnCompensateError(done[i].Name, err)
			}
		}
	}
}
