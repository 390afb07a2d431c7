package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/pkg/metrics"
)

const maxLine = 1 << 20

// Dispatcher sends a payload to a batch of workers and collects their
// streamed completions.
type Dispatcher struct {
	http *http.Client
	now  func() time.Time
}

// NewDispatcher creates a Dispatcher. Timeouts come from the profile.
func NewDispatcher(hc *http.Client) *Dispatcher {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Dispatcher{http: hc, now: time.Now}
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
	Seed        int64           `json:"seed"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Dispatch sends payload to every uid concurrently, each call bounded by
// profile.Timeout. The result slice follows uids. A uid without an endpoint
// gets a failed result.
func (d *Dispatcher) Dispatch(ctx context.Context, uids []int, endpoints map[int]string, payload model.Payload, profile model.ModelProfile) ([]model.DispatchResult, error) {
	if profile.SynapseType != model.SynapseStreamingChat {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSynapse, profile.SynapseType)
	}
	maxTokens := payload.MaxTokens
	if profile.MaxTokens > 0 && (maxTokens <= 0 || maxTokens > profile.MaxTokens) {
		maxTokens = profile.MaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       profile.Name,
		Messages:    payload.Messages,
		Temperature: payload.Temperature,
		MaxTokens:   maxTokens,
		Stream:      true,
		Seed:        payload.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	results := make([]model.DispatchResult, len(uids))
	var wg sync.WaitGroup
	for i, uid := range uids {
		ep, ok := endpoints[uid]
		if !ok {
			results[i] = model.DispatchResult{UID: uid, Err: fmt.Errorf("%w: %d", ErrNoEndpoint, uid)}
			continue
		}
		wg.Add(1)
		go func(i, uid int, ep string) {
			defer wg.Done()
			results[i] = d.call(ctx, uid, ep, body, profile.Timeout)
		}(i, uid, ep)
	}
	wg.Wait()

	for _, r := range results {
		metrics.RecordDispatchResult(r.Valid(), r.Elapsed)
	}
	return results, nil
}

func (d *Dispatcher) call(ctx context.Context, uid int, ep string, body []byte, timeout time.Duration) model.DispatchResult {
	start := d.now()
	res := model.DispatchResult{UID: uid}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(ep)+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		res.Err = err
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := d.http.Do(req)
	if err != nil {
		res.Err = err
		res.Elapsed = d.now().Sub(start)
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		res.Elapsed = d.now().Sub(start)
		return res
	}

	content, err := readStream(resp.Body)
	res.Content = content
	res.Elapsed = d.now().Sub(start)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

// readStream concatenates choices[0].delta.content over an SSE or NDJSON
// body. A "[DONE]" line ends the stream.
func readStream(r io.Reader) (string, error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if line == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return b.String(), fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if len(chunk.Choices) > 0 {
			b.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := sc.Err(); err != nil {
		return b.String(), err
	}
	return b.String(), nil
}
