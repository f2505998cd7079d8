package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

// maxBodyBytes limits request bodies.
const maxBodyBytes = 1 << 20

// StartResponse is the body of POST /api/v1/activations/{id}/start.
type StartResponse struct {
	ActivationID string                      `json:"activation_id"`
	Success      bool                        `json:"success"`
	Status       flowengine.ActivationStatus `json:"status"`
}

// ActivationsHandler serves the activation endpoints.
type ActivationsHandler struct {
	svc *activation.Service
}

func NewActivationsHandler(svc *activation.Service) *ActivationsHandler {
	return &ActivationsHandler{svc: svc}
}

// Create handles POST /api/v1/activations.
func (h *ActivationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req activation.CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := h.svc.CreateActivation(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// Get handles GET /api/v1/activations/{id}.
func (h *ActivationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetActivation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Update handles PATCH /api/v1/activations/{id}.
func (h *ActivationsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req activation.UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := h.svc.UpdateActivation(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Delete handles DELETE /api/v1/activations/{id}.
func (h *ActivationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteActivation(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /api/v1/activations/{id}/start. The workflow runs to
// completion before the response is written; a client disconnect does not
// cancel it.
func (h *ActivationsHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := context.WithoutCancel(r.Context())

	log.Info().Str("activation_id", id).Msg("Starting activation")
	ok, err := h.svc.StartActivation(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	a, err := h.svc.GetActivation(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{ActivationID: id, Success: ok, Status: a.Status})
}

// Steps handles GET /api/v1/activations/{id}/steps.
func (h *ActivationsHandler) Steps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.svc.GetActivationSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps": steps,
		"count": len(steps),
	})
}

// Logs handles GET /api/v1/activations/{id}/logs.
func (h *ActivationsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.GetActivationLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// Prerequisites handles GET /api/v1/activations/{id}/prerequisites.
func (h *ActivationsHandler) Prerequisites(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CheckPrerequisites(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListForCustomer handles GET /api/v1/customers/{customerID}/activations.
func (h *ActivationsHandler) ListForCustomer(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil || customerID <= 0 {
		writeError(w, http.StatusBadRequest, "customer id must be a positive integer")
		return
	}

	activations, err := h.svc.GetCustomerActivations(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activations": activations,
		"count":       len(activations),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
