package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/creditgate/internal/domain/dedupe"
	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/metrics"
)

// OrganicDependencies defines what organic submission needs.
type OrganicDependencies interface {
	dedupe.Deduper
	PushOrganic(ctx context.Context, p model.Payload) error
}

// OrganicHandler accepts client payloads into the organic lane.
type OrganicHandler struct {
	deps OrganicDependencies
}

// NewOrganicHandler creates a new organic handler.
func NewOrganicHandler(deps OrganicDependencies) *OrganicHandler {
	return &OrganicHandler{deps: deps}
}

type organicRequest struct {
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Seed        int64           `json:"seed"`
}

func (o organicRequest) validate() error {
	switch {
	case strings.TrimSpace(o.Model) == "":
		return errors.New("missing model")
	case len(o.Messages) == 0:
		return errors.New("missing messages")
	case o.MaxTokens < 0:
		return errors.New("max_tokens must not be negative")
	}
	return nil
}

func (o organicRequest) payload() model.Payload {
	return model.Payload{
		ID:          o.ID,
		Model:       o.Model,
		Messages:    o.Messages,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
		Stream:      true,
		Seed:        o.Seed,
		Organic:     true,
	}
}

type ackResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// HandlePostOrganic handles POST /api/organic.
func (h *OrganicHandler) HandlePostOrganic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req organicRequest
	if err := decodeJSON(w, r, &req); err != nil {
		metrics.RecordOrganicSubmission("invalid")
		writeFailure(w, err)
		return
	}
	if err := req.validate(); err != nil {
		metrics.RecordOrganicSubmission("invalid")
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}

	if h.deps.SeenAndRecord(r.Context(), req.ID) {
		metrics.RecordOrganicSubmission("duplicate")
		writeJSON(w, http.StatusOK, ackResponse{ID: req.ID, Status: "duplicate", Duplicate: true})
		return
	}

	if err := h.deps.PushOrganic(r.Context(), req.payload()); err != nil {
		// Forget the id so the client can retry.
		h.deps.Unrecord(r.Context(), req.ID)
		metrics.RecordOrganicSubmission("rejected")
		writeFailure(w, err)
		return
	}
	metrics.RecordOrganicSubmission("accepted")
	writeJSON(w, http.StatusAccepted, ackResponse{ID: req.ID, Status: "accepted"})
}
