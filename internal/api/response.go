package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps an activation service error to its HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Activation request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flowengine.ErrActivationNotFound),
		errors.Is(err, flowengine.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, flowengine.ErrInvalidState),
		errors.Is(err, flowengine.ErrInvalidTransition),
		errors.Is(err, flowengine.ErrActivationLocked):
		return http.StatusConflict
	case errors.Is(err, activation.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
