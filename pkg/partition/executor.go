package partition

import (
	"context"
	"time"

	"github.com/jscharber/tenantcost/pkg/logger"
)

// StepExecutor carries out individual migration steps. Execute performs the
// step's command; Validate runs its validation check, if any.
type StepExecutor interface {
	Execute(ctx context.Context, step MigrationStep) error
	Validate(ctx context.Context, step MigrationStep) error
}

// SimulatedStepExecutor stands in for real infrastructure operations. Each
// step takes StepDelay wall-clock time and always succeeds. Used in
// development deployments and load tests.
type SimulatedStepExecutor struct {
	StepDelay time.Duration
	log       *logger.Logger
}

// NewSimulatedStepExecutor creates a simulated executor with the given
// per-step delay.
func NewSimulatedStepExecutor(stepDelay time.Duration, log *logger.Logger) *SimulatedStepExecutor {
	if stepDelay <= 0 {
		stepDelay = 100 * time.Millisecond
	}
	return &SimulatedStepExecutor{StepDelay: stepDelay, log: log}
}

// Execute simulates the step's command, honoring context cancellation.
func (s *SimulatedStepExecutor) Execute(ctx context.Context, step MigrationStep) error {
	s.log.Debug("simulating step %s (%s)", step.Name, step.Command)
	select {
	case <-time.After(s.StepDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Validate simulates the step's validation check.
func (s *SimulatedStepExecutor) Validate(ctx context.Context, step MigrationStep) error {
	if step.Validation == "" {
		return nil
	}
	select {
	case <-time.After(s.StepDelay / 2):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
