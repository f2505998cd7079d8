package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/activities"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine/memstore"
	"github.com/DotmacTech/isp-management-main-sub004/internal/provisioning"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, db Pinger) *httptest.Server {
	t.Helper()
	store, err := memstore.New()
	require.NoError(t, err)

	reg := activities.Register(flowengine.NewRegistryBuilder(),
		activities.NewHandlers(provisioning.StubCollaborators())).Build()
	engine := flowengine.NewEngine(store, reg, flowengine.EngineConfig{NodeID: "api-test", LeaseDuration: time.Minute})
	svc := activation.NewService(store, engine, nil, nil, nil)

	srv := httptest.NewServer(NewRouter(svc, db, "test"))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func createActivation(t *testing.T, srv *httptest.Server, customerID int64) flowengine.Activation {
	t.Helper()
	resp, body := do(t, srv, http.MethodPost, "/api/v1/activations", activation.CreateRequest{
		CustomerID: customerID, ServiceID: 7, TariffID: 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var a flowengine.Activation
	require.NoError(t, json.Unmarshal(body, &a))
	return a
}

func errorMessage(t *testing.T, body []byte) string {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, body := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, HealthResponse{Status: "healthy", Version: "test", Database: "memory"}, h)
}

func TestHealthDatabaseDown(t *testing.T) {
	srv := newTestServer(t, pingerFunc(func(context.Context) error { return errors.New("connection refused") }))
	resp, body := do(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "unreachable", h.Database)
}

func TestActivationLifecycle(t *testing.T) {
	srv := newTestServer(t, pingerFunc(func(context.Context) error { return nil }))
	a := createActivation(t, srv, 42)
	assert.Equal(t, flowengine.StatusPending, a.Status)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/activations/"+a.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	resp, body = do(t, srv, http.MethodGet, "/api/v1/activations/"+a.ID+"/prerequisites", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var prereq flowengine.PrerequisiteCheckResult
	require.NoError(t, json.Unmarshal(body, &prereq))
	assert.True(t, prereq.Passed)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/activations/"+a.ID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var started StartResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, StartResponse{ActivationID: a.ID, Success: true, Status: flowengine.StatusCompleted}, started)

	resp, body = do(t, srv, http.MethodGet, "/api/v1/activations/"+a.ID+"/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var steps struct {
		Steps []flowengine.ActivationStep `json:"steps"`
		Count int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &steps))
	assert.Equal(t, 12, steps.Count)
	for _, s := range steps.Steps {
		if !s.IsRollbackStep {
			assert.Equal(t, flowengine.StepCompleted, s.Status, s.Name)
		}
	}

	resp, body = do(t, srv, http.MethodGet, "/api/v1/activations/"+a.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs struct {
		Logs []flowengine.ActivationLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &logs))
	require.NotEmpty(t, logs.Logs)
	assert.Equal(t, "Activation created", logs.Logs[0].Message)
	assert.Equal(t, "Activation completed successfully", logs.Logs[len(logs.Logs)-1].Message)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/activations/"+a.ID+"/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "invalid activation state")
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/activations", `{"customer_id": 1`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "invalid request body")

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/activations", `{"customer_id": 1, "service_id": 2, "tariff_id": 3, "colour": "red"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/activations", activation.CreateRequest{CustomerID: 1, ServiceID: 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "tariff_id")
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/activations/missing"},
		{http.MethodDelete, "/api/v1/activations/missing"},
		{http.MethodPost, "/api/v1/activations/missing/start"},
		{http.MethodGet, "/api/v1/activations/missing/steps"},
		{http.MethodGet, "/api/v1/activations/missing/logs"},
		{http.MethodGet, "/api/v1/activations/missing/prerequisites"},
	} {
		resp, body := do(t, srv, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "%s %s", tc.method, tc.path)
		assert.Contains(t, errorMessage(t, body), "not found")
	}
}

func TestUpdate(t *testing.T) {
	srv := newTestServer(t, nil)
	a := createActivation(t, srv, 42)

	resp, body := do(t, srv, http.MethodPatch, "/api/v1/activations/"+a.ID, `{"status": "COMPLETED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "transition")

	resp, body = do(t, srv, http.MethodPatch, "/api/v1/activations/"+a.ID, `{"status": "IN_PROGRESS"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, errorMessage(t, body), "workflow execution")

	resp, _ = do(t, srv, http.MethodPatch, "/api/v1/activations/"+a.ID, `{"status": "PAUSED"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPatch, "/api/v1/activations/"+a.ID, `{"payment_verified": true, "metadata": {"note": "manual"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got flowengine.Activation
	require.NoError(t, json.Unmarshal(body, &got))
	assert.True(t, got.PaymentVerified)
	assert.Equal(t, flowengine.StatusPending, got.Status)
	assert.Equal(t, "manual", got.Metadata.String("note"))
}

func TestDelete(t *testing.T) {
	srv := newTestServer(t, nil)
	a := createActivation(t, srv, 42)

	resp, _ := do(t, srv, http.MethodDelete, "/api/v1/activations/"+a.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/activations/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListForCustomer(t *testing.T) {
	srv := newTestServer(t, nil)
	createActivation(t, srv, 42)
	createActivation(t, srv, 42)
	createActivation(t, srv, 99)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/customers/42/activations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Activations []flowengine.Activation `json:"activations"`
		Count       int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Count)
	for _, a := range list.Activations {
		assert.Equal(t, int64(42), a.CustomerID)
	}

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/customers/abc/activations", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{flowengine.ErrActivationNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", flowengine.ErrStepNotFound), http.StatusNotFound},
		{flowengine.ErrInvalidState, http.StatusConflict},
		{flowengine.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("busy: %w", flowengine.ErrActivationLocked), http.StatusConflict},
		{activation.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
