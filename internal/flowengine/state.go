package flowengine

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// Trigger names an activation status transition.
type Trigger string

const (
	TriggerStart             Trigger = "start"
	TriggerComplete          Trigger = "complete"
	TriggerFail              Trigger = "fail"
	TriggerRollback          Trigger = "rollback"
	TriggerRollbackSucceeded Trigger = "rollback_succeeded"
	TriggerRollbackFailed    Trigger = "rollback_failed"
)

// statusTransitions is the complete activation state machine.
// PENDING can only be left, never re-entered.
var statusTransitions = []struct {
	from    ActivationStatus
	trigger Trigger
	to      ActivationStatus
}{
	{StatusPending, TriggerStart, StatusInProgress},
	{StatusInProgress, TriggerComplete, StatusCompleted},
	{StatusInProgress, TriggerFail, StatusFailed},
	{StatusInProgress, TriggerRollback, StatusRollbackInProgress},
	{StatusRollbackInProgress, TriggerRollbackSucceeded, StatusRollbackCompleted},
	{StatusRollbackInProgress, TriggerRollbackFailed, StatusRollbackFailed},
}

// newStatusMachine binds a state machine to the activation's Status field.
func newStatusMachine(a *Activation) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return a.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			a.Status = state.(ActivationStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	for _, t := range statusTransitions {
		sm.Configure(t.from).Permit(t.trigger, t.to)
	}
	return sm
}

// Fire applies trigger to the activation's status in memory.
// Returns ErrInvalidTransition if the current status does not permit it.
func Fire(ctx context.Context, a *Activation, trigger Trigger) error {
	from := a.Status
	if err := newStatusMachine(a).FireCtx(ctx, trigger); err != nil {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, from)
	}
	return nil
}

// TransitionTo moves the activation to status `to` through the state machine.
// Staying in the current status is a no-op.
func TransitionTo(ctx context.Context, a *Activation, to ActivationStatus) error {
	if a.Status == to {
		return nil
	}
	for _, t := range statusTransitions {
		if t.from == a.Status && t.to == to {
			return Fire(ctx, a, t.trigger)
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to ActivationStatus) bool {
	for _, t := range statusTransitions {
		if t.from == from && t.to == to {
			return true
		}
	}
	return false
}
