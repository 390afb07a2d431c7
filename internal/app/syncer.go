package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/quota"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// CreditLedger is the part of the ledger the sync loop writes.
type CreditLedger interface {
	SetCredit(ctx context.Context, uid int, raw int64) (model.Worker, error)
	SetStake(ctx context.Context, uid int, stake float64) error
	Get(ctx context.Context, uids ...int) (map[int]model.Worker, error)
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Listed      int
	Eligible    int
	Reachable   int
	Fraction    float64
	FailedUIDs  []int
	ReportError error
}

// Syncer refreshes credits, stakes and quotas from the directory.
type Syncer struct {
	directory Directory
	probe     CreditProbe
	ledger    CreditLedger
	counter   quota.Counter
	reporter  Reporter

	minStake         float64
	fallbackFraction float64
	forceFull        bool
	interval         time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	log      logger.Logger
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithMinStake drops workers whose stake is below v.
func WithMinStake(v float64) SyncerOption {
	return func(s *Syncer) { s.minStake = v }
}

// WithRateLimitFraction sets the fraction used when the directory has none.
// full forces 1.0 regardless of the directory.
func WithRateLimitFraction(fallback float64, full bool) SyncerOption {
	return func(s *Syncer) {
		if fallback > 0 && fallback <= 1 {
			s.fallbackFraction = fallback
		}
		s.forceFull = full
	}
}

// WithSyncInterval sets the tick.
func WithSyncInterval(d time.Duration) SyncerOption {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithReporter publishes the ledger after each sync.
func WithReporter(r Reporter) SyncerOption {
	return func(s *Syncer) { s.reporter = r }
}

// NewSyncer creates a Syncer.
func NewSyncer(dir Directory, probe CreditProbe, l CreditLedger, counter quota.Counter, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		directory:        dir,
		probe:            probe,
		ledger:           l,
		counter:          counter,
		fallbackFraction: 1.0,
		interval:         10 * time.Minute,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		log:              logger.Get().Named("syncer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run syncs once immediately and then every interval.
func (s *Syncer) Run(ctx context.Context) {
	defer close(s.done)
	s.tick(ctx)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// Stop ends Run after the current pass.
func (s *Syncer) Stop() { s.stopOnce.Do(func() { close(s.stop) }) }

// Done is closed when Run returns.
func (s *Syncer) Done() <-chan struct{} { return s.done }

func (s *Syncer) tick(ctx context.Context) {
	rep, err := s.Sync(ctx)
	if err != nil {
		s.log.Error(ctx, "sync failed", logger.Error(err))
		return
	}
	s.log.Info(ctx, "sync finished",
		logger.Int("listed", rep.Listed),
		logger.Int("eligible", rep.Eligible),
		logger.Int("reachable", rep.Reachable),
		logger.Float64("fraction", rep.Fraction),
		logger.Int("failed", len(rep.FailedUIDs)),
	)
}

// Sync runs one pass: list, filter by stake, probe, record credit and
// quota, forget workers that left, and report.
func (s *Syncer) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport

	uids, err := s.directory.ListEligibleUIDs(ctx)
	if err != nil {
		metrics.RecordSync("error")
		return rep, fmt.Errorf("list uids: %w", err)
	}
	rep.Listed = len(uids)

	stakes, err := s.directory.Stakes(ctx, uids)
	if err != nil {
		metrics.RecordSync("error")
		return rep, fmt.Errorf("stakes: %w", err)
	}
	eligible := make([]int, 0, len(uids))
	for _, uid := range uids {
		if stakes[uid] >= s.minStake {
			eligible = append(eligible, uid)
		}
	}
	slices.Sort(eligible)
	eligible = slices.Compact(eligible)
	rep.Eligible = len(eligible)

	endpoints, err := s.directory.ResolveEndpoints(ctx, eligible)
	if err != nil {
		metrics.RecordSync("error")
		return rep, fmt.Errorf("resolve endpoints: %w", err)
	}
	credits := s.probe.ProbeCredits(ctx, endpoints)

	rep.Fraction = s.fraction(ctx)
	for _, uid := range eligible {
		w, err := s.ledger.SetCredit(ctx, uid, credits[uid])
		if err == nil {
			err = s.ledger.SetStake(ctx, uid, stakes[uid])
		}
		if err == nil {
			err = s.counter.SetQuota(ctx, uid, quota.QuotaFor(w.Credit, rep.Fraction))
		}
		if err != nil {
			s.log.Warn(ctx, "worker sync failed", logger.UID(uid), logger.Error(err))
			rep.FailedUIDs = append(rep.FailedUIDs, uid)
			continue
		}
		if w.Credit > 0 {
			rep.Reachable++
		}
	}

	if err := s.counter.Retain(ctx, eligible); err != nil {
		s.log.Warn(ctx, "retain failed", logger.Error(err))
	}
	metrics.UpdateSyncedWorkers(rep.Eligible - len(rep.FailedUIDs))

	if s.reporter != nil {
		rep.ReportError = s.report(ctx)
	}
	metrics.RecordSync("ok")
	return rep, nil
}

func (s *Syncer) fraction(ctx context.Context) float64 {
	if s.forceFull {
		return 1.0
	}
	f, err := s.directory.RateLimitFraction(ctx)
	if err != nil || f <= 0 || f > 1 {
		s.log.Debug(ctx, "using fallback rate limit fraction",
			logger.Float64("reported", f),
			logger.Float64("fallback", s.fallbackFraction),
		)
		return s.fallbackFraction
	}
	return f
}

func (s *Syncer) report(ctx context.Context) error {
	all, err := s.ledger.Get(ctx)
	if err != nil {
		return err
	}
	ws := make([]model.Worker, 0, len(all))
	for _, w := range all {
		ws = append(ws, w)
	}
	slices.SortFunc(ws, func(a, b model.Worker) int { return a.UID - b.UID })
	if err := s.reporter.Report(ctx, ws); err != nil {
		s.log.Warn(ctx, "metadata report failed", logger.Error(err))
		return err
	}
	return nil
}
