package race

import (
	"context"

	"github.com/gpufleet/lifecycle-controller/internal/models"
)

// ProgressFunc reports advisory progress for one candidate. Progress is a
// percentage in [0,100]; the controller uses it only for observability, never
// for correctness.
type ProgressFunc func(progress int, message string)

// Probe turns one offer into a reachable instance or fails cleanly.
//
// Run blocks until the instance is ready, the attempt fails, or ctx is
// cancelled. On cancellation the probe must best-effort tear down any
// partially created remote resource before returning, and must return the
// context error (not swallow it).
type Probe interface {
	Run(ctx context.Context, offer models.Offer, report ProgressFunc) (*models.Instance, error)

	// Teardown releases a fully created instance that lost the race.
	// Best-effort: errors are logged by the caller, never fatal.
	Teardown(ctx context.Context, inst *models.Instance) error
}
