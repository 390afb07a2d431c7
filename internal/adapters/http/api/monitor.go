package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/okian/creditgate/internal/domain/model"
)

// MonitorDependencies exposes read-only views of the ledger and counter.
type MonitorDependencies interface {
	Workers(ctx context.Context) ([]model.Standing, error)
	Usage(ctx context.Context) ([]model.QuotaUsage, error)
}

// MonitorHandler serves the worker and quota snapshots.
type MonitorHandler struct {
	deps MonitorDependencies
}

// NewMonitorHandler creates a new monitor handler.
func NewMonitorHandler(deps MonitorDependencies) *MonitorHandler {
	return &MonitorHandler{deps: deps}
}

type workersResponse struct {
	Workers []model.Standing `json:"workers"`
	Count   int              `json:"count"`
}

type quotaResponse struct {
	Usage []model.QuotaUsage `json:"usage"`
	Count int                `json:"count"`
}

// HandleWorkers handles GET /api/workers.
func (h *MonitorHandler) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ws, err := h.deps.Workers(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workersResponse{Workers: nonNil(ws), Count: len(ws)})
}

// HandleQuota handles GET /api/quota?limit=N. Rows arrive most used first.
func (h *MonitorHandler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
			return
		}
		limit = n
	}
	usage, err := h.deps.Usage(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	total := len(usage)
	if limit > 0 && limit < len(usage) {
		usage = usage[:limit]
	}
	writeJSON(w, http.StatusOK, quotaResponse{Usage: nonNil(usage), Count: total})
}
