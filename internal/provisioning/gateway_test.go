package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DotmacTech/isp-management-main-sub004/internal/circuitbreaker"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

var testSubscriber = Subscriber{ActivationID: "act-1", CustomerID: 42, ServiceID: 7, TariffID: 3}

func TestGatewayVerifyPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/billing/payments/verify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var s Subscriber
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		assert.Equal(t, int64(42), s.CustomerID)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verified": true}`))
	}))
	defer srv.Close()

	ok, err := NewGateway(srv.URL, time.Second).VerifyPayment(context.Background(), testSubscriber)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGatewayCreateAccountAndRemove(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/radius/accounts":
			w.Write([]byte(`{"username": "cust42-svc7"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/radius/accounts/act-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGateway(srv.URL+"/", time.Second)
	account, err := g.CreateAccount(context.Background(), testSubscriber)
	require.NoError(t, err)
	assert.Equal(t, "cust42-svc7", account.Username)

	require.NoError(t, g.RemoveAccount(context.Background(), testSubscriber))
}

func TestGatewaySetStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/customers/42/status", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, CustomerStatusActive, body["status"])
	}))
	defer srv.Close()

	require.NoError(t, NewGateway(srv.URL, time.Second).SetStatus(context.Background(), 42, CustomerStatusActive))
}

func TestGatewayClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error": "nas rejected"}`))
		}))

		err := NewGateway(srv.URL, time.Second).ApplyNASConfig(context.Background(), testSubscriber)
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Contains(t, err.Error(), "nas rejected")
		assert.Equal(t, tc.transient, flowengine.IsTransient(err), "status %d", tc.status)
		assert.Equal(t, !tc.transient, flowengine.IsPermanent(err), "status %d", tc.status)
	}
}

func TestGatewayConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewGateway(url, time.Second).Provision(context.Background(), testSubscriber)
	require.Error(t, err)
	assert.True(t, flowengine.IsTransient(err))
}

func TestGatewayUnsupportedSchemeIsPermanent(t *testing.T) {
	g := NewGateway("ftp://gateway.invalid", time.Second)
	err := g.Provision(context.Background(), testSubscriber)
	require.Error(t, err)
	assert.True(t, flowengine.IsPermanent(err))
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker("services").State())
}

func TestGatewayBreakerOpensOnOutage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, time.Second)
	threshold := circuitbreaker.DefaultSettings().FailureThreshold
	for i := 0; i < threshold; i++ {
		_ = g.Provision(context.Background(), testSubscriber)
	}
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker("services").State())

	err := g.Provision(context.Background(), testSubscriber)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.True(t, flowengine.IsTransient(err), "an open breaker means retry later")
	assert.Equal(t, int32(threshold), hits.Load())

	// Other collaborators are unaffected.
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker("radius").State())
}

func TestGatewayPermanentErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, time.Second)
	for i := 0; i < 10; i++ {
		_ = g.Deprovision(context.Background(), testSubscriber)
	}
	assert.Equal(t, circuitbreaker.StateClosed, g.Breaker("services").State())
}

func TestGatewayEligibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/eligibility/check", r.URL.Path)
		w.Write([]byte(`{"eligible": false, "reason": "outside coverage area"}`))
	}))
	defer srv.Close()

	result, err := NewGateway(srv.URL, time.Second).Check(context.Background(), testSubscriber)
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.Equal(t, "outside coverage area", result.Reason)
}

func TestGatewayNotifyFailureCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications/failure", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nas down", body["reason"])
		assert.Equal(t, "act-1", body["activation_id"])
	}))
	defer srv.Close()

	require.NoError(t, NewGateway(srv.URL, time.Second).NotifyFailure(context.Background(), testSubscriber, "nas down"))
}

func TestStubAcceptsEverything(t *testing.T) {
	ctx := context.Background()
	c := StubCollaborators()

	ok, err := c.Billing.VerifyPayment(ctx, testSubscriber)
	require.NoError(t, err)
	assert.True(t, ok)

	account, err := c.Radius.CreateAccount(ctx, testSubscriber)
	require.NoError(t, err)
	assert.Equal(t, "cust42-svc7", account.Username)

	result, err := c.Eligibility.Check(ctx, testSubscriber)
	require.NoError(t, err)
	assert.True(t, result.Eligible)

	assert.NoError(t, c.Network.ApplyNASConfig(ctx, testSubscriber))
	assert.NoError(t, c.Services.Provision(ctx, testSubscriber))
	assert.NoError(t, c.Customers.SetStatus(ctx, 42, CustomerStatusActive))
	assert.NoError(t, c.Notifier.NotifyActivated(ctx, testSubscriber))
	assert.NoError(t, c.Notifier.AlertOperators(ctx, testSubscriber, "x"))
}
