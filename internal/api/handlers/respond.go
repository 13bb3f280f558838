package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// maxBodyBytes caps request bodies (orders, callbacks)
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error  string          `json:"error"`
	Reason string          `json:"reason,omitempty"`
	Field  string          `json:"field,omitempty"`
	State  contracts.State `json:"state,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondFailure maps the engine's error taxonomy onto HTTP.
// ⭐ SSOT: 에러 → HTTP 상태 매핑은 여기서만
func respondFailure(w http.ResponseWriter, log *logger.Logger, err error) {
	var (
		ve contracts.ValidationError
		te *contracts.TransitionError
	)

	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Message, Reason: "validation", Field: ve.Field})
	case errors.Is(err, contracts.ErrNotFound):
		respondError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, contracts.ErrClientNotRegistered):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Reason: "client_not_registered"})
	case errors.As(err, &te):
		respondJSON(w, http.StatusConflict, ErrorResponse{Error: te.Err.Error(), Reason: te.Reason(), State: te.From})
	case contracts.IsRetriable(err):
		log.WithError(err).Warn("Exchange unavailable")
		respondJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "Exchange unavailable, retry later", Reason: "gateway_unreachable"})
	default:
		log.WithError(err).Error("Request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return contracts.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
