package swap

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"routeGuard/internal/faults"
)

// errSkipped is returned by a step that does not apply to the current trade.
var errSkipped = errors.New("step skipped")

// Step is one provider attempt in the fallback cascade.
type Step struct {
	Name string
	Run  func(ctx context.Context, t *trade) (*execution, error)
}

// runCascade runs steps in order until one succeeds. Authorization and precondition
// failures end the cascade at once, as do caller cancellation, unconfirmed submissions
// and partially executed routes. The returned error is the last infrastructure failure if any step
// hit one, otherwise a no-route error.
func runCascade(ctx context.Context, steps []Step, t *trade, logger *zap.Logger) (*execution, error) {
	var infraErr error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex, err := step.Run(ctx, t)
		if err == nil {
			return ex, nil
		}
		if errors.Is(err, errSkipped) {
			continue
		}
		logger.Info("cascade step failed", zap.String("step", step.Name), zap.Error(err))

		if errors.Is(err, ErrUnconfirmed) || errors.Is(err, ErrPartialRoute) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		switch faults.Classify(err) {
		case faults.Auth, faults.Precondition:
			return nil, err
		case faults.NoRoute:
		default:
			infraErr = err
		}
	}
	if infraErr != nil {
		return nil, infraErr
	}
	return nil, faults.New(faults.NoRoute, "swap", "all providers exhausted")
}
