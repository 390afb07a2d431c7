// Package scoring validates dispatched results, asks the oracle for
// quality scores and feeds them back into reputation.
package scoring

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/okian/creditgate/internal/domain/model"
)

// Default simulation parameters.
const (
	defaultMinLatency = 80 * time.Millisecond
	defaultMaxLatency = 150 * time.Millisecond
	defaultRandomSeed = 42
	defaultJitter     = 0.05
)

// Oracle scores completions against the request that produced them.
// It returns exactly one score per completion.
type Oracle interface {
	Score(ctx context.Context, completions []string, request model.Payload) ([]float64, error)
}

// SimulatedOracle stands in for the remote scoring service in local runs.
// Scores are the share of request words echoed by the completion, with a
// small deterministic jitter.
type SimulatedOracle struct {
	minLatency time.Duration
	maxLatency time.Duration
	jitter     float64

	mu  sync.Mutex
	rng *rand.Rand
}

// Option applies a configuration option to the SimulatedOracle.
type Option func(*SimulatedOracle)

// WithLatencyRange sets the simulated latency range.
func WithLatencyRange(minLatency, maxLatency time.Duration) Option {
	return func(s *SimulatedOracle) {
		if minLatency >= 0 && maxLatency >= minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithSeed reseeds the jitter source.
func WithSeed(seed uint64) Option {
	return func(s *SimulatedOracle) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

// WithJitter sets the maximum absolute noise added to each score.
func WithJitter(j float64) Option {
	return func(s *SimulatedOracle) {
		if j >= 0 {
			s.jitter = j
		}
	}
}

// NewSimulatedOracle creates a SimulatedOracle.
func NewSimulatedOracle(opts ...Option) *SimulatedOracle {
	s := &SimulatedOracle{
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
		jitter:     defaultJitter,
		rng:        rand.New(rand.NewPCG(defaultRandomSeed, defaultRandomSeed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score implements Oracle.
func (s *SimulatedOracle) Score(ctx context.Context, completions []string, request model.Payload) ([]float64, error) {
	s.mu.Lock()
	latency := s.minLatency
	if span := s.maxLatency - s.minLatency; span > 0 {
		latency += time.Duration(s.rng.Int64N(int64(span)))
	}
	noise := make([]float64, len(completions))
	for i := range noise {
		noise[i] = (s.rng.Float64()*2 - 1) * s.jitter
	}
	s.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	want := words(promptOf(request))
	scores := make([]float64, len(completions))
	for i, c := range completions {
		scores[i] = clamp01(overlap(want, words(c)) + noise[i])
	}
	return scores, nil
}

func promptOf(p model.Payload) string {
	var b strings.Builder
	for _, m := range p.Messages {
		if m.Role == "user" {
			b.WriteString(m.Content)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[w] = struct{}{}
	}
	return out
}

// overlap is the share of want found in got. An empty prompt scores 0.5.
func overlap(want, got map[string]struct{}) float64 {
	if len(want) == 0 {
		return 0.5
	}
	if len(got) == 0 {
		return 0
	}
	hit := 0
	for w := range want {
		if _, ok := got[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
