package api

import (
	"context"
	"net/http"

	"github.com/okian/creditgate/pkg/logger"
)

// ReputationDependencies is the ledger-writing side of Dependencies.
type ReputationDependencies interface {
	Step(ctx context.Context, scores []float64, uids []int) error
	Weights(ctx context.Context) ([]int, []float64, error)
}

// ReputationHandler serves step and weights.
type ReputationHandler struct {
	deps ReputationDependencies
	log  logger.Logger
}

// NewReputationHandler creates a new reputation handler.
func NewReputationHandler(deps ReputationDependencies) *ReputationHandler {
	return &ReputationHandler{deps: deps, log: logger.Get().Named("api.reputation")}
}

type stepRequest struct {
	Scores    []float64 `json:"scores"`
	TotalUIDs []int     `json:"total_uids"`
}

type stepResponse struct {
	Success bool `json:"success"`
}

type weightsResponse struct {
	Weights []float64 `json:"weights"`
	UIDs    []int     `json:"uids"`
}

// HandleStep handles POST /api/step. Domain failures are reported through
// the success flag, only an unreadable body is a 400.
func (h *ReputationHandler) HandleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req stepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := h.deps.Step(r.Context(), req.Scores, req.TotalUIDs); err != nil {
		h.log.Error(r.Context(), "step failed",
			logger.Int("uids", len(req.TotalUIDs)),
			logger.Int("scores", len(req.Scores)),
			logger.Error(err),
		)
		writeJSON(w, http.StatusOK, stepResponse{Success: false})
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{Success: true})
}

// HandleWeights handles GET /api/weights.
func (h *ReputationHandler) HandleWeights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	uids, weights, err := h.deps.Weights(r.Context())
	if err != nil {
		h.log.Error(r.Context(), "weights failed", logger.Error(err))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, weightsResponse{Weights: nonNil(weights), UIDs: nonNil(uids)})
}
