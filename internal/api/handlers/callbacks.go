package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/internal/payment"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// CallbackHandler receives pushes from exchanges and the payment collaborator
type CallbackHandler struct {
	svc    *engine.Service
	logger *logger.Logger
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(svc *engine.Service, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{svc: svc, logger: log}
}

// PaymentResult is the payment collaborator's onResult
// POST /api/callbacks/payment
func (h *CallbackHandler) PaymentResult(w http.ResponseWriter, r *http.Request) {
	var res payment.Result
	if err := decodeJSON(w, r, &res); err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	if res.OrderID == "" {
		respondFailure(w, h.logger, contracts.ValidationError{Field: "order_id", Message: "required"})
		return
	}

	view, err := h.svc.OnPaymentResult(r.Context(), res)
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// OrderStatus applies an exchange status push
// POST /api/callbacks/{exchange}/order-status
func (h *CallbackHandler) OrderStatus(w http.ResponseWriter, r *http.Request) {
	exchange := contracts.Exchange(strings.ToUpper(mux.Vars(r)["exchange"]))
	if !exchange.Valid() {
		respondError(w, http.StatusNotFound, "Unknown exchange")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable body")
		return
	}

	view, res, err := h.svc.ApplyCallback(r.Context(), exchange, body)
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"exchange": exchange,
		"order_id": view.ID,
		"result":   res,
	}).Info("Exchange callback applied")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result": res,
		"state":  view.State,
	})
}
