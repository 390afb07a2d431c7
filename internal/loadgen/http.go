package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/creditgate/pkg/logger"
)

// HTTPClient wraps http.Client with JSON helpers.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// GetJSON decodes a GET response into out.
func (c *HTTPClient) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostJSON posts body and returns the status and raw reply.
func (c *HTTPClient) PostJSON(ctx context.Context, path string, body any) (int, []byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

// Submit posts submissions concurrently and fills the outcome counters.
func Submit(ctx context.Context, cfg *Config, client *HTTPClient, subs []Submission, stats *Stats) {
	log := logger.Get()
	log.Info(ctx, "submitting organic requests", logger.Int("count", len(subs)), logger.Int("workers", cfg.Workers))

	var counts [4]atomic.Int64
	var submitted atomic.Int64
	idx := map[string]int{outcomeAccepted: 0, outcomeDuplicate: 1, outcomeRejected: 2, outcomeFailed: 3}

	workers := max(cfg.Workers, 1)
	ch := make(chan Submission, workers*WorkerChannelMultiplier)
	var wg sync.WaitGroup
	var lastReport atomic.Int64

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range ch {
				if ctx.Err() != nil {
					return
				}
				outcome := submitOne(ctx, client, sub)
				counts[idx[outcome]].Add(1)
				total := submitted.Add(1)

				now := time.Now().UnixNano()
				last := lastReport.Load()
				if cfg.Verbose && now-last >= int64(progressInterval) && lastReport.CompareAndSwap(last, now) {
					log.Info(ctx, "progress", logger.Int64("submitted", total), logger.Int("of", len(subs)))
				}
			}
		}()
	}

	go func() {
		defer close(ch)
		for _, sub := range subs {
			select {
			case <-ctx.Done():
				return
			case ch <- sub:
			}
		}
	}()
	wg.Wait()

	stats.Submitted = int(submitted.Load())
	stats.Accepted = int(counts[0].Load())
	stats.Duplicate = int(counts[1].Load())
	stats.Rejected = int(counts[2].Load())
	stats.Failed = int(counts[3].Load())

	log.Info(ctx, "submission completed",
		logger.Int("accepted", stats.Accepted),
		logger.Int("duplicate", stats.Duplicate),
		logger.Int("rejected", stats.Rejected),
		logger.Int("failed", stats.Failed))
}

// submitOne classifies a single POST /api/organic.
func submitOne(ctx context.Context, client *HTTPClient, sub Submission) string {
	status, raw, err := client.PostJSON(ctx, "/api/organic", sub)
	if err != nil {
		return outcomeFailed
	}
	switch status {
	case http.StatusAccepted:
		return outcomeAccepted
	case http.StatusOK:
		var ack AckResponse
		if err := json.Unmarshal(raw, &ack); err == nil && ack.Duplicate {
			return outcomeDuplicate
		}
		return outcomeFailed
	case http.StatusTooManyRequests:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}
