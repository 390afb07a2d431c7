package upstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/okian/creditgate/pkg/logger"
	"golang.org/x/time/rate"
)

const defaultProbeConcurrency = 32

// CreditProbe asks each worker how much credit it offers.
type CreditProbe struct {
	client
	limiter     *rate.Limiter
	concurrency int
	log         logger.Logger
}

// ProbeOption configures a CreditProbe.
type ProbeOption func(*CreditProbe)

// WithProbeRate paces probe requests to perSecond with the given burst.
func WithProbeRate(perSecond float64, burst int) ProbeOption {
	return func(p *CreditProbe) {
		if perSecond > 0 && burst > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithProbeConcurrency bounds in-flight probes.
func WithProbeConcurrency(n int) ProbeOption {
	return func(p *CreditProbe) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewCreditProbe creates a CreditProbe. Each probe is bounded by timeout.
func NewCreditProbe(hc *http.Client, opts ...ProbeOption) *CreditProbe {
	p := &CreditProbe{
		client:      newClient("", WithHTTPClient(hc)),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		concurrency: defaultProbeConcurrency,
		log:         logger.Get().Named("credit-probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *CreditProbe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// ProbeCredits returns the credit each endpoint reports. Failures report 0.
func (p *CreditProbe) ProbeCredits(ctx context.Context, endpoints map[int]string) map[int]int64 {
	out := make(map[int]int64, len(endpoints))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.concurrency)

	for uid, ep := range endpoints {
		if err := p.limiter.Wait(ctx); err != nil {
			mu.Lock()
			out[uid] = 0
			mu.Unlock()
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(uid int, ep string) {
			defer func() { <-sem; wg.Done() }()
			credit, err := p.probe(ctx, ep)
			if err != nil {
				p.log.Debug(ctx, "credit probe failed", logger.UID(uid), logger.Error(err))
			}
			mu.Lock()
			out[uid] = credit
			mu.Unlock()
		}(uid, ep)
	}
	wg.Wait()
	return out
}

func (p *CreditProbe) probe(ctx context.Context, ep string) (int64, error) {
	var body struct {
		Credit int64 `json:"credit"`
	}
	if err := p.do(ctx, http.MethodGet, endpointURL(ep)+"/credit", nil, &body); err != nil {
		return 0, err
	}
	return max(body.Credit, 0), nil
}
