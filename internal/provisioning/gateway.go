package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DotmacTech/isp-management-main-sub004/internal/circuitbreaker"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

// DefaultGatewayTimeout bounds a single gateway request.
const DefaultGatewayTimeout = 15 * time.Second

// Collaborator names, used for breaker identity and logging.
const (
	collabBilling     = "billing"
	collabRadius      = "radius"
	collabNetwork     = "network"
	collabServices    = "services"
	collabCustomers   = "customers"
	collabNotifier    = "notifications"
	collabEligibility = "eligibility"
)

// Gateway implements every collaborator as JSON over HTTP against a
// provisioning gateway. Each collaborator has its own circuit breaker, so an
// outage in one system doesn't block calls to the others.
//
// Errors are classified for the step handlers: network failures, 5xx, 408,
// 429 and an open breaker are transient; other 4xx are permanent.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	breakers   map[string]*circuitbreaker.Breaker
}

// NewGateway creates a gateway client for baseURL.
func NewGateway(baseURL string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}

	settings := circuitbreaker.DefaultSettings()
	settings.IsFailure = func(err error) bool {
		return !flowengine.IsPermanent(err) && !errors.Is(err, context.Canceled)
	}

	breakers := make(map[string]*circuitbreaker.Breaker)
	for _, name := range []string{
		collabBilling, collabRadius, collabNetwork, collabServices,
		collabCustomers, collabNotifier, collabEligibility,
	} {
		breakers[name] = circuitbreaker.New(name, settings)
	}

	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breakers:   breakers,
	}
}

// Collaborators returns a Collaborators set backed by this gateway.
func (g *Gateway) Collaborators() Collaborators {
	return Collaborators{
		Billing:     g,
		Radius:      g,
		Network:     g,
		Services:    g,
		Customers:   g,
		Notifier:    g,
		Eligibility: g,
	}
}

// Breaker returns the circuit breaker for a collaborator name, or nil.
func (g *Gateway) Breaker(name string) *circuitbreaker.Breaker {
	return g.breakers[name]
}

func (g *Gateway) VerifyPayment(ctx context.Context, s Subscriber) (bool, error) {
	var resp struct {
		Verified bool `json:"verified"`
	}
	if err := g.call(ctx, collabBilling, http.MethodPost, "/billing/payments/verify", s, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

func (g *Gateway) Refund(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabBilling, http.MethodPost, "/billing/refunds", s, nil)
}

func (g *Gateway) CreateAccount(ctx context.Context, s Subscriber) (RadiusAccount, error) {
	var account RadiusAccount
	if err := g.call(ctx, collabRadius, http.MethodPost, "/radius/accounts", s, &account); err != nil {
		return RadiusAccount{}, err
	}
	return account, nil
}

func (g *Gateway) RemoveAccount(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabRadius, http.MethodDelete, "/radius/accounts/"+s.ActivationID, nil, nil)
}

func (g *Gateway) ApplyNASConfig(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabNetwork, http.MethodPost, "/network/nas-configs", s, nil)
}

func (g *Gateway) RemoveNASConfig(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabNetwork, http.MethodDelete, "/network/nas-configs/"+s.ActivationID, nil, nil)
}

func (g *Gateway) Provision(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabServices, http.MethodPost, "/services/provisioning", s, nil)
}

func (g *Gateway) Deprovision(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabServices, http.MethodDelete, "/services/provisioning/"+s.ActivationID, nil, nil)
}

func (g *Gateway) SetStatus(ctx context.Context, customerID int64, status string) error {
	body := map[string]string{"status": status}
	return g.call(ctx, collabCustomers, http.MethodPut, fmt.Sprintf("/customers/%d/status", customerID), body, nil)
}

func (g *Gateway) NotifyActivated(ctx context.Context, s Subscriber) error {
	return g.call(ctx, collabNotifier, http.MethodPost, "/notifications/activated", s, nil)
}

func (g *Gateway) NotifyFailure(ctx context.Context, s Subscriber, reason string) error {
	body := struct {
		Subscriber
		Reason string `json:"reason"`
	}{s, reason}
	return g.call(ctx, collabNotifier, http.MethodPost, "/notifications/failure", body, nil)
}

func (g *Gateway) AlertOperators(ctx context.Context, s Subscriber, reason string) error {
	body := struct {
		Subscriber
		Reason string `json:"reason"`
	}{s, reason}
	return g.call(ctx, collabNotifier, http.MethodPost, "/notifications/operators", body, nil)
}

func (g *Gateway) Check(ctx context.Context, s Subscriber) (EligibilityResult, error) {
	var result EligibilityResult
	if err := g.call(ctx, collabEligibility, http.MethodPost, "/eligibility/check", s, &result); err != nil {
		return EligibilityResult{}, err
	}
	return result, nil
}

// call runs one request through the collaborator's breaker and decodes the
// JSON response into result when non-nil.
func (g *Gateway) call(ctx context.Context, collaborator, method, path string, body, result any) error {
	err := g.breakers[collaborator].Do(ctx, func(ctx context.Context) error {
		respBody, err := g.doRequest(ctx, method, path, body)
		if err != nil {
			return err
		}
		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return flowengine.NewPermanentError(fmt.Errorf("failed to parse %s response: %w", collaborator, err))
			}
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return flowengine.NewTransientError(err)
	}
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", collaborator, method, path, err)
	}
	return nil
}

func (g *Gateway) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, flowengine.NewPermanentError(fmt.Errorf("failed to marshal body: %w", err))
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return nil, flowengine.NewPermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, flowengine.ClassifyError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowengine.NewTransientError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := string(respBody)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, flowengine.ClassifyHTTPStatus(resp.StatusCode, msg)
	}

	return respBody, nil
}
