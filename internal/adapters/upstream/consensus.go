package upstream

import (
	"context"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/reputation"
)

// Consensus submits weight vectors to the network.
type Consensus struct{ client }

var _ reputation.Consensus = (*Consensus)(nil)

// NewConsensus creates a Consensus client.
func NewConsensus(baseURL string, opts ...Option) *Consensus {
	return &Consensus{client: newClient(baseURL, append([]Option{WithTimeout(120 * time.Second)}, opts...)...)}
}

// SubmitWeights implements reputation.Consensus.
func (c *Consensus) SubmitWeights(ctx context.Context, uids []int, weights []float64) (bool, string, error) {
	in := struct {
		UIDs    []int     `json:"uids"`
		Weights []float64 `json:"weights"`
	}{UIDs: uids, Weights: weights}
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.postJSON(ctx, "/api/set_weights", in, &out); err != nil {
		return false, "", err
	}
	return out.Success, out.Message, nil
}

// Reporter posts ledger snapshots to the network's metadata collector.
type Reporter struct{ client }

// NewReporter creates a Reporter.
func NewReporter(baseURL string, opts ...Option) *Reporter {
	return &Reporter{client: newClient(baseURL, opts...)}
}

// Report sends workers keyed by uid.
func (r *Reporter) Report(ctx context.Context, workers []model.Worker) error {
	body := make(map[int]model.Worker, len(workers))
	for _, w := range workers {
		body[w.UID] = w
	}
	return r.postJSON(ctx, "/api/report_metadata", body, nil)
}
