package upstream

import (
	"context"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/scoring"
)

// Oracle is the remote scoring service.
type Oracle struct{ client }

var _ scoring.Oracle = (*Oracle)(nil)

// NewOracle creates an Oracle client.
func NewOracle(baseURL string, opts ...Option) *Oracle {
	return &Oracle{client: newClient(baseURL, append([]Option{WithTimeout(60 * time.Second)}, opts...)...)}
}

// Score implements scoring.Oracle.
func (o *Oracle) Score(ctx context.Context, completions []string, request model.Payload) ([]float64, error) {
	in := struct {
		Responses []string      `json:"responses"`
		Request   model.Payload `json:"request"`
	}{Responses: completions, Request: request}
	var out struct {
		Scores []float64 `json:"scores"`
	}
	if err := o.postJSON(ctx, "/score", in, &out); err != nil {
		return nil, err
	}
	return out.Scores, nil
}
