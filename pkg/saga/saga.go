// Package saga runs a sequence of steps and undoes completed ones on failure.
package saga

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Step is one unit of work. Compensate receives the error that stopped the
// saga and may be nil.
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context, cause error) error
}

// Saga executes steps in order
type Saga struct {
	log   logrus.FieldLogger
	steps []Step
}

// New creates an empty saga
func New(log logrus.FieldLogger) *Saga {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Saga{log: log}
}

// Add appends a step and returns the saga for chaining
func (s *Saga) Add(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes every step. When a step fails, the compensations of the steps
// that already completed run in reverse order and the step's error is
// returned. Compensation errors are logged, not returned.
func (s *Saga) Run(ctx context.Context) error {
	done := make([]Step, 0, len(s.steps))
	for _, step := range s.steps {
		if err := step.Run(ctx); err != nil {
			s.log.WithError(err).WithField("step", step.Name).Warn("Step failed, compensating")
			s.compensate(ctx, done, err)
			return err
		}
		done = append(done, step)
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, done []Step, cause error) {
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, cause); err != nil {
			s.log.WithError(err).WithField("step", step.Name).Error("Compensation failed")
		}
	}
}
