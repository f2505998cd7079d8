package activation

import (
	"context"
	"fmt"

	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

// EligibilityGate runs the engine's prerequisite check against the
// eligibility collaborator.
func EligibilityGate(e provisioning.Eligibility) flowengine.PrerequisiteChecker {
	return flowengine.PrerequisiteCheckerFunc(func(ctx context.Context, a *flowengine.Activation) (flowengine.PrerequisiteCheckResult, error) {
		res, err := e.Check(ctx, subscriberOf(a))
		if err != nil {
			return flowengine.PrerequisiteCheckResult{}, fmt.Errorf("eligibility check: %w", err)
		}
		msg := res.Reason
		if res.Eligible && msg == "" {
			msg = "All prerequisites met"
		}
		return flowengine.PrerequisiteCheckResult{Passed: res.Eligible, Message: msg}, nil
	})
}

// PaymentGate confirms payment with the billing collaborator before any
// step runs.
func PaymentGate(b provisioning.Billing) flowengine.PaymentVerifier {
	return flowengine.PaymentVerifierFunc(func(ctx context.Context, a *flowengine.Activation) (bool, error) {
		paid, err := b.VerifyPayment(ctx, subscriberOf(a))
		if err != nil {
			return false, fmt.Errorf("payment verification: %w", err)
		}
		return paid, nil
	})
}
