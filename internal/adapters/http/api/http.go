// Package api declares the admin HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/creditgate/internal/domain/dedupe"
	"github.com/okian/creditgate/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	dedupe.Deduper

	// Consume admits up to k workers sampled by remaining quota.
	Consume(ctx context.Context, threshold float64, k int, taskCredit int64) ([]int, error)
	// ConsumeTopPerformers admits at most one of the n best scored workers.
	ConsumeTopPerformers(ctx context.Context, n int, taskCredit int64, threshold float64) ([]int, error)

	// Step folds a batch of scores into the ledger.
	Step(ctx context.Context, scores []float64, uids []int) error
	// Weights returns the normalized weight vector.
	Weights(ctx context.Context) ([]int, []float64, error)

	// Workers lists every ledger record ordered by uid with its score rank.
	Workers(ctx context.Context) ([]model.Standing, error)
	// Usage snapshots the quota windows, most used first.
	Usage(ctx context.Context) ([]model.QuotaUsage, error)

	// PushOrganic queues a client payload ahead of synthetic work.
	PushOrganic(ctx context.Context, p model.Payload) error
}

// Server wires HTTP routes for the admin API.
type Server struct {
	healthHandler     *HealthHandler
	statsHandler      *StatsHandler
	admissionHandler  *AdmissionHandler
	reputationHandler *ReputationHandler
	monitorHandler    *MonitorHandler
	organicHandler    *OrganicHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:     NewHealthHandler(),
		statsHandler:      NewStatsHandler(statsProvider),
		admissionHandler:  NewAdmissionHandler(deps),
		reputationHandler: NewReputationHandler(deps),
		monitorHandler:    NewMonitorHandler(deps),
		organicHandler:    NewOrganicHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/api/consume", MetricsMiddleware(s.admissionHandler.HandleConsume, "consume"))
	mux.HandleFunc("/api/consume_top_performers", MetricsMiddleware(s.admissionHandler.HandleConsumeTopPerformers, "consume_top_performers"))
	mux.HandleFunc("/api/step", MetricsMiddleware(s.reputationHandler.HandleStep, "step"))
	mux.HandleFunc("/api/weights", MetricsMiddleware(s.reputationHandler.HandleWeights, "weights"))
	mux.HandleFunc("/api/workers", MetricsMiddleware(s.monitorHandler.HandleWorkers, "workers"))
	mux.HandleFunc("/api/quota", MetricsMiddleware(s.monitorHandler.HandleQuota, "quota"))
	mux.HandleFunc("/api/organic", MetricsMiddleware(s.organicHandler.HandlePostOrganic, "organic"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// maxBodyBytes bounds every request body the admin API decodes.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps a dependency error to a status and code.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, model.ErrUnknownProfile):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", err)
	default:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	}
}
