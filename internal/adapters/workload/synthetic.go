package workload

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"github.com/okian/creditgate/internal/domain/model"
)

var (
	subjects = []string{
		"the water cycle", "binary search", "photosynthesis", "TCP congestion control",
		"the French revolution", "compound interest", "garbage collection", "plate tectonics",
	}
	tasks = []string{
		"Explain %s to a ten year old.",
		"Summarize %s in three sentences.",
		"List the key facts about %s.",
		"Write a short quiz question about %s and answer it.",
	}
)

// Synthesizer generates synthetic chat payloads for a profile.
type Synthesizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSynthesizer creates a Synthesizer seeded with seed.
func NewSynthesizer(seed uint64) *Synthesizer {
	return &Synthesizer{rng: rand.New(rand.NewPCG(seed, seed^0x5bd1e995))}
}

// Generate builds one payload within profile limits.
func (s *Synthesizer) Generate(profile model.ModelProfile) model.Payload {
	s.mu.Lock()
	subject := subjects[s.rng.IntN(len(subjects))]
	task := tasks[s.rng.IntN(len(tasks))]
	temperature := float64(s.rng.IntN(11)) / 10
	seed := s.rng.Int64()
	s.mu.Unlock()

	maxTokens := profile.MaxTokens
	if maxTokens <= 0 || maxTokens > 1024 {
		maxTokens = 1024
	}
	return model.Payload{
		ID:    uuid.NewString(),
		Model: profile.Name,
		Messages: []model.Message{
			{Role: "user", Content: fmt.Sprintf(task, subject)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
		Seed:        seed,
	}
}
