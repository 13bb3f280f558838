package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sparrowinvest/mfengine/internal/contracts"
	"github.com/sparrowinvest/mfengine/internal/engine"
	"github.com/sparrowinvest/mfengine/pkg/logger"
)

// ReviewHandler exposes the manual-review queue to operators
type ReviewHandler struct {
	svc    *engine.Service
	logger *logger.Logger
}

// NewReviewHandler creates a new review handler
func NewReviewHandler(svc *engine.Service, log *logger.Logger) *ReviewHandler {
	return &ReviewHandler{svc: svc, logger: log}
}

// List returns every flagged entity
// GET /api/review
func (h *ReviewHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListReview(r.Context())
	if err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	if items == nil {
		items = []contracts.ReviewItem{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Clear returns an entity to automatic polling
// POST /api/review/{entity}/{id}/clear
func (h *ReviewHandler) Clear(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity := contracts.EntityType(vars["entity"])

	if err := h.svc.ClearReview(r.Context(), entity, vars["id"]); err != nil {
		respondFailure(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "cleared",
		"entity": string(entity),
		"id":     vars["id"],
	})
}
