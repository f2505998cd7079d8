package flowengine

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// rollback compensates every completed forward step in reverse order.
//
// Each rollback handler is invoked exactly once. A missing handler is logged
// and counted as success. Returns true when every compensation succeeded
// (ROLLBACK_COMPLETED); the error is set only for store failures.
func (e *Engine) rollback(ctx context.Context, logger zerolog.Logger, a *Activation) (bool, error) {
	if err := Fire(ctx, a, TriggerRollback); err != nil {
		return false, err
	}
	if err := e.saveActivation(ctx, a); err != nil {
		logger.Error().Err(err).Msg("Failed to mark rollback in progress")
		return false, err
	}

	steps, err := e.store.ListSteps(ctx, a.ID, CompletedForwardStepsReversed())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load completed steps for rollback")
		return false, err
	}
	e.audit(ctx, logger, a, nil, LevelWarning, "Starting rollback",
		Metadata{"steps_to_compensate": len(steps)})

	var merr *multierror.Error
	for i := range steps {
		step := &steps[i]
		stepLog := stepLogger(logger, step)

		fn, ok := e.registry.Rollback(step.Name)
		if !ok {
			e.audit(ctx, stepLog, a, step, LevelWarning,
				fmt.Sprintf("No rollback handler registered for step %s, skipping", step.Name), nil)
			continue
		}

		ok, err := invokeHandler(ctx, fn, step, a.Metadata)
		switch {
		case err != nil:
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", step.Name, err))
			e.audit(ctx, stepLog, a, step, LevelError,
				fmt.Sprintf("Rollback of step %s failed: %v", step.Name, err),
				Metadata{"error": err.Error()})
		case !ok:
			merr = multierror.Append(merr, fmt.Errorf("%s: rollback declined", step.Name))
			e.audit(ctx, stepLog, a, step, LevelError,
				fmt.Sprintf("Rollback of step %s failed", step.Name), nil)
		default:
			e.audit(ctx, stepLog, a, step, LevelInfo,
				fmt.Sprintf("Rolled back step %s", step.Name), nil)
		}
	}

	succeeded := merr.ErrorOrNil() == nil
	trigger := TriggerRollbackSucceeded
	if !succeeded {
		trigger = TriggerRollbackFailed
	}
	if err := Fire(ctx, a, trigger); err != nil {
		return false, err
	}
	if err := e.saveActivation(ctx, a); err != nil {
		logger.Error().Err(err).Msg("Failed to persist rollback outcome")
		return false, err
	}

	if succeeded {
		e.audit(ctx, logger, a, nil, LevelInfo, "Rollback completed",
			Metadata{"compensated": len(steps)})
	} else {
		e.audit(ctx, logger, a, nil, LevelError, "Rollback failed",
			Metadata{"failed_steps": len(merr.Errors), "errors": merr.Error()})
	}
	e.fireTerminalHooks(a)

	return succeeded, nil
}
