// Package provisioning defines the external systems an activation talks to:
// billing, RADIUS, network (NAS), service inventory, customer records,
// notifications and eligibility. Stub implements them in-process; Gateway
// reaches them through a provisioning gateway over HTTP.
package provisioning

import (
	"context"
	"fmt"
)

// Customer statuses written by the update_customer_status step.
const (
	CustomerStatusActive  = "active"
	CustomerStatusPending = "pending"
)

// Subscriber identifies the activation a collaborator call is made for.
type Subscriber struct {
	ActivationID string `json:"activation_id"`
	CustomerID   int64  `json:"customer_id"`
	ServiceID    int64  `json:"service_id"`
	TariffID     int64  `json:"tariff_id"`
	ServiceType  string `json:"service_type,omitempty"`
}

func (s Subscriber) String() string {
	return fmt.Sprintf("activation %s (customer %d, service %d)", s.ActivationID, s.CustomerID, s.ServiceID)
}

// RadiusAccount is the authentication account created for a subscriber.
type RadiusAccount struct {
	Username string `json:"username"`
}

// EligibilityResult is the outcome of a prerequisite check.
type EligibilityResult struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Billing confirms and reverses payments.
type Billing interface {
	VerifyPayment(ctx context.Context, s Subscriber) (bool, error)
	Refund(ctx context.Context, s Subscriber) error
}

// Radius manages subscriber authentication accounts.
type Radius interface {
	CreateAccount(ctx context.Context, s Subscriber) (RadiusAccount, error)
	RemoveAccount(ctx context.Context, s Subscriber) error
}

// Network pushes subscriber configuration to network access servers.
type Network interface {
	ApplyNASConfig(ctx context.Context, s Subscriber) error
	RemoveNASConfig(ctx context.Context, s Subscriber) error
}

// Services records the provisioned service in inventory.
type Services interface {
	Provision(ctx context.Context, s Subscriber) error
	Deprovision(ctx context.Context, s Subscriber) error
}

// Customers updates the customer record.
type Customers interface {
	SetStatus(ctx context.Context, customerID int64, status string) error
}

// Notifier informs customers and operators.
type Notifier interface {
	NotifyActivated(ctx context.Context, s Subscriber) error
	NotifyFailure(ctx context.Context, s Subscriber, reason string) error
	AlertOperators(ctx context.Context, s Subscriber, reason string) error
}

// Eligibility checks whether a subscriber may receive a service.
type Eligibility interface {
	Check(ctx context.Context, s Subscriber) (EligibilityResult, error)
}

// Collaborators bundles one implementation of every collaborator.
type Collaborators struct {
	Billing     Billing
	Radius      Radius
	Network     Network
	Services    Services
	Customers   Customers
	Notifier    Notifier
	Eligibility Eligibility
}
