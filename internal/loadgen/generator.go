package loadgen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/logger"
)

var prompts = []string{
	"Summarize the plot of a heist movie in two sentences.",
	"Explain how a token bucket rate limiter works.",
	"Write a haiku about distributed consensus.",
	"List three differences between TCP and UDP.",
	"What is the capital of Australia?",
	"Translate 'good morning' into French and Spanish.",
	"Give a short proof that the square root of two is irrational.",
	"Describe a sorting algorithm that runs in linear time.",
}

const (
	maxTokensMin   = 64
	maxTokensRange = 448
)

// Generate builds NumRequests submissions. About DuplicateRatio of them
// repeat an id already generated so the service's dedupe path is exercised.
func Generate(ctx context.Context, cfg *Config, stats *Stats) ([]Submission, error) {
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("no models configured")
	}
	logger.Get().Info(ctx, "generating organic submissions", logger.Int("count", cfg.NumRequests))

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	subs := make([]Submission, cfg.NumRequests)
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during generation: %w", err)
		}
		if i > 0 && rng.Float64() < cfg.DuplicateRatio {
			subs[i] = subs[rng.IntN(i)]
			continue
		}
		subs[i] = newSubmission(rng, cfg.Models[rng.IntN(len(cfg.Models))])
	}

	stats.Generated = len(subs)
	return subs, nil
}

func newSubmission(rng *rand.Rand, modelName string) Submission {
	return Submission{
		ID:    uuid.NewString(),
		Model: modelName,
		Messages: []model.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: prompts[rng.IntN(len(prompts))]},
		},
		Temperature: rng.Float64(),
		MaxTokens:   maxTokensMin + rng.IntN(maxTokensRange),
		Seed:        rng.Int64(),
	}
}
