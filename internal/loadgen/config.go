// Package loadgen drives the admin API with organic submissions and checks
// that the service turns them into quota usage and weights.
package loadgen

import (
	"time"

	"github.com/okian/creditgate/internal/domain/model"
)

// Config holds configuration for a load run.
type Config struct {
	BaseURL        string        // Base URL of the service
	NumRequests    int           // Number of organic submissions to generate
	Models         []string      // Model names to spread submissions over
	DuplicateRatio float64       // Share of submissions that reuse an earlier id
	Workers        int           // Number of concurrent submitters
	Timeout        time.Duration // HTTP request timeout
	Settle         time.Duration // Wait between submission and verification
	Seed           uint64        // Generator seed, 0 picks one from the clock
	Verbose        bool
}

// Submission is the body posted to /api/organic.
type Submission struct {
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Seed        int64           `json:"seed"`
}

// AckResponse is the organic endpoint reply.
type AckResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// WeightsResponse mirrors GET /api/weights.
type WeightsResponse struct {
	Weights []float64 `json:"weights"`
	UIDs    []int     `json:"uids"`
}

// QuotaResponse mirrors GET /api/quota.
type QuotaResponse struct {
	Usage []model.QuotaUsage `json:"usage"`
	Count int                `json:"count"`
}

// Stats holds run statistics.
type Stats struct {
	Generated   int
	Submitted   int
	Accepted    int
	Duplicate   int
	Rejected    int // 429 backpressure
	Failed      int
	Workers     int
	Consumed    int64
	WeightTotal float64
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
}
