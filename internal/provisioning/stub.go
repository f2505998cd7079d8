package provisioning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Stub accepts every request. It is used when no gateway is configured.
type Stub struct{}

// StubCollaborators returns a Collaborators set backed entirely by Stub.
func StubCollaborators() Collaborators {
	s := Stub{}
	return Collaborators{
		Billing:     s,
		Radius:      s,
		Network:     s,
		Services:    s,
		Customers:   s,
		Notifier:    s,
		Eligibility: s,
	}
}

func (Stub) VerifyPayment(_ context.Context, s Subscriber) (bool, error) {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: payment verified")
	return true, nil
}

func (Stub) Refund(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: payment refunded")
	return nil
}

func (Stub) CreateAccount(_ context.Context, s Subscriber) (RadiusAccount, error) {
	username := fmt.Sprintf("cust%d-svc%d", s.CustomerID, s.ServiceID)
	log.Debug().Str("activation_id", s.ActivationID).Str("username", username).Msg("stub: radius account created")
	return RadiusAccount{Username: username}, nil
}

func (Stub) RemoveAccount(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: radius account removed")
	return nil
}

func (Stub) ApplyNASConfig(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: nas configured")
	return nil
}

func (Stub) RemoveNASConfig(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: nas configuration removed")
	return nil
}

func (Stub) Provision(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: service provisioned")
	return nil
}

func (Stub) Deprovision(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: service deprovisioned")
	return nil
}

func (Stub) SetStatus(_ context.Context, customerID int64, status string) error {
	log.Debug().Int64("customer_id", customerID).Str("status", status).Msg("stub: customer status updated")
	return nil
}

func (Stub) NotifyActivated(_ context.Context, s Subscriber) error {
	log.Debug().Str("activation_id", s.ActivationID).Msg("stub: activation notice sent")
	return nil
}

func (Stub) NotifyFailure(_ context.Context, s Subscriber, reason string) error {
	log.Debug().Str("activation_id", s.ActivationID).Str("reason", reason).Msg("stub: failure notice sent")
	return nil
}

func (Stub) AlertOperators(_ context.Context, s Subscriber, reason string) error {
	log.Warn().Str("activation_id", s.ActivationID).Str("reason", reason).Msg("stub: operator alert")
	return nil
}

func (Stub) Check(_ context.Context, s Subscriber) (EligibilityResult, error) {
	return EligibilityResult{Eligible: true, Reason: "All prerequisites met"}, nil
}
