package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// MandateHandler handles mandate endpoints
type MandateHandler struct {
	svc    *engine.Service
	logger *logger.Logger
}

// NewMandateHandler creates a new mandate handler
func NewMandateHandler(svc *engine.Service, log *logger.Logger) *MandateHandler {
	return &MandateHandler{svc: svc, logger: log}
}

// CreateMandate
// POST /api/mandates
func (h *MandateHandler) CreateMandate(w http.ResponseWriter, r *http.Request) {
	var req contracts.MandateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	view, err := h.svc.CreateMandate(r.Context(), req)
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

// GetMandate
// GET /api/mandates/{id}
func (h *MandateHandler) GetMandate(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetMandate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// CancelMandate
// POST /api/mandates/{id}/cancel
func (h *MandateHandler) CancelMandate(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.CancelMandate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// RefreshMandate
// POST /api/mandates/{id}/refresh
func (h *MandateHandler) RefreshMandate(w http.ResponseWriter, r *http.Request) {
	view, res, err := h.svc.RefreshMandate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result":  res,
		"mandate": view,
	})
}
