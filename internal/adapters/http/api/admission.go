package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/okian/creditgate/internal/domain/selection"
	"github.com/okian/creditgate/pkg/logger"
)

// AdmissionDependencies is the selector side of Dependencies.
type AdmissionDependencies interface {
	Consume(ctx context.Context, threshold float64, k int, taskCredit int64) ([]int, error)
	ConsumeTopPerformers(ctx context.Context, n int, taskCredit int64, threshold float64) ([]int, error)
}

// AdmissionHandler serves the consume endpoints.
type AdmissionHandler struct {
	deps AdmissionDependencies
	log  logger.Logger
}

// NewAdmissionHandler creates a new admission handler.
func NewAdmissionHandler(deps AdmissionDependencies) *AdmissionHandler {
	return &AdmissionHandler{deps: deps, log: logger.Get().Named("api.admission")}
}

type consumeRequest struct {
	Threshold  *float64 `json:"threshold"`
	K          int      `json:"k"`
	TaskCredit int64    `json:"task_credit"`
}

func (c consumeRequest) validate() error {
	switch {
	case c.Threshold == nil:
		return errors.New("missing threshold")
	case *c.Threshold < 0:
		return errors.New("threshold must not be negative")
	case c.K < 0:
		return errors.New("k must not be negative")
	case c.TaskCredit <= 0:
		return errors.New("task_credit must be positive")
	}
	return nil
}

type topPerformersRequest struct {
	N          int      `json:"n"`
	TaskCredit int64    `json:"task_credit"`
	Threshold  *float64 `json:"threshold"`
}

func (t topPerformersRequest) validate() error {
	switch {
	case t.N < 0:
		return errors.New("n must not be negative")
	case t.TaskCredit <= 0:
		return errors.New("task_credit must be positive")
	case t.Threshold != nil && *t.Threshold < 0:
		return errors.New("threshold must not be negative")
	}
	return nil
}

type uidsResponse struct {
	UIDs []int `json:"uids"`
}

// HandleConsume handles POST /api/consume.
func (h *AdmissionHandler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req consumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}

	uids, err := h.deps.Consume(r.Context(), *req.Threshold, req.K, req.TaskCredit)
	if err != nil {
		h.log.Error(r.Context(), "consume failed", logger.Error(err))
		writeFailure(w, err)
		return
	}
	h.log.Debug(r.Context(), "consumed",
		logger.Int64("task_credit", req.TaskCredit),
		logger.Int("k", req.K),
		logger.Ints("uids", uids),
	)
	writeJSON(w, http.StatusOK, uidsResponse{UIDs: nonNil(uids)})
}

// HandleConsumeTopPerformers handles POST /api/consume_top_performers.
func (h *AdmissionHandler) HandleConsumeTopPerformers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req topPerformersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	threshold := selection.DefaultTopThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	uids, err := h.deps.ConsumeTopPerformers(r.Context(), req.N, req.TaskCredit, threshold)
	if err != nil {
		h.log.Error(r.Context(), "consume top performers failed", logger.Error(err))
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uidsResponse{UIDs: nonNil(uids)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
