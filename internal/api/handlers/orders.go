package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// OrderHandler handles order endpoints
// ⭐ SSOT: 주문 API 핸들러는 이 구조체에서만
type OrderHandler struct {
	svc    *engine.Service
	logger *logger.Logger
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(svc *engine.Service, log *logger.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, logger: log}
}

// CreateOrder accepts or rejects a new order synchronously
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req contracts.OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	// Idempotency-Key 헤더가 본문보다 우선
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	view, err := h.svc.CreateOrder(r.Context(), req)
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

// GetOrder returns the order with its full timeline
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// CancelOrder
// POST /api/orders/{id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.CancelOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// InitiatePayment issues a payment link
// POST /api/orders/{id}/payment
func (h *OrderHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	handle, view, err := h.svc.InitiatePayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"payment": handle,
		"order":   view,
	})
}

// RefreshOrder polls the exchange now (UI "Refresh Status")
// POST /api/orders/{id}/refresh
func (h *OrderHandler) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	view, res, err := h.svc.RefreshOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
		"order":  view,
	})
}
