package model

import "time"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is one unit of workload sent to a batch of workers.
type Payload struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
	Seed        int64     `json:"seed"`
	Organic     bool      `json:"organic"`
}

// DispatchResult is a single worker's answer to a payload.
type DispatchResult struct {
	UID     int
	Content string
	Success bool
	Elapsed time.Duration
	Err     error
}

// Valid reports whether the result can be scored: a completed call with content.
func (r DispatchResult) Valid() bool {
	return r.Success && r.Err == nil && r.Content != ""
}

// ScoreJob hands one dispatched batch to the scoring stage.
type ScoreJob struct {
	BatchID string
	Profile ModelProfile
	Request Payload
	UIDs    []int
	Results []DispatchResult
}
