// Package service wires the admission, reputation and scheduling components
// into one process and implements the dependencies of the admin HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/creditgate/internal/adapters/http/api"
	"github.com/okian/creditgate/internal/adapters/mq/queue"
	"github.com/okian/creditgate/internal/adapters/mq/worker"
	"github.com/okian/creditgate/internal/adapters/redisstore"
	"github.com/okian/creditgate/internal/adapters/repository"
	"github.com/okian/creditgate/internal/adapters/upstream"
	"github.com/okian/creditgate/internal/adapters/workload"
	"github.com/okian/creditgate/internal/config"
	"github.com/okian/creditgate/internal/domain/dedupe"
	"github.com/okian/creditgate/internal/domain/ledger"
	"github.com/okian/creditgate/internal/domain/model"
	"github.com/okian/creditgate/internal/domain/quota"
	"github.com/okian/creditgate/internal/domain/reputation"
	"github.com/okian/creditgate/internal/domain/scoring"
	"github.com/okian/creditgate/internal/domain/selection"
	"github.com/okian/creditgate/pkg/logger"
	"github.com/okian/creditgate/pkg/metrics"
)

// Service owns every component of the coordinator.
type Service struct {
	// lifecycle serializes Start and Stop; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.RWMutex
	cfg       *config.Config

	// Collaborators; nil ones are built from cfg on Start.
	directory  Directory
	probe      CreditProbe
	dispatcher Dispatcher
	oracle     scoring.Oracle
	consensus  reputation.Consensus
	reporter   Reporter
	rdb        redis.UniversalClient
	repo       ledger.Repository
	httpClient *http.Client

	profiles  model.Profiles
	ledger    *ledger.Ledger
	counter   quota.Counter
	tally     reputation.Tally
	source    Workload
	synthetic SyntheticStore
	synth     *workload.Synthesizer
	deduper   dedupe.Deduper
	selector  *selection.Selector
	updater   *reputation.Updater
	pipeline  *scoring.Pipeline
	jobs      *queue.InMemoryQueue[model.ScoreJob]
	pool      *worker.Pool[model.ScoreJob]
	scheduler *Scheduler
	emitter   *Emitter
	syncer    *Syncer
	refiller  *Refiller

	started bool
	cancel  context.CancelFunc
	closers []func() error

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDirectory overrides the HTTP directory client.
func WithDirectory(d Directory) Option { return func(s *Service) { s.directory = d } }

// WithCreditProbe overrides the HTTP credit probe.
func WithCreditProbe(p CreditProbe) Option { return func(s *Service) { s.probe = p } }

// WithDispatcher overrides the HTTP dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(s *Service) { s.dispatcher = d } }

// WithOracle overrides the oracle chosen by oracle_mode.
func WithOracle(o scoring.Oracle) Option { return func(s *Service) { s.oracle = o } }

// WithConsensus overrides the HTTP consensus client.
func WithConsensus(c reputation.Consensus) Option { return func(s *Service) { s.consensus = c } }

// WithMetadataReporter overrides the HTTP metadata reporter.
func WithMetadataReporter(r Reporter) Option { return func(s *Service) { s.reporter = r } }

// WithRedis reuses an existing client instead of dialing redis_url.
func WithRedis(rdb redis.UniversalClient) Option { return func(s *Service) { s.rdb = rdb } }

// WithRepository overrides the ledger repository chosen by ledger_backend.
func WithRepository(r ledger.Repository) Option { return func(s *Service) { s.repo = r } }

// WithHTTPClient sets the client used by the upstream adapters.
func WithHTTPClient(hc *http.Client) Option { return func(s *Service) { s.httpClient = hc } }

// New constructs a Service. A nil cfg uses config.New().
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds every component and launches the loops.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting coordinator...")

	if err := s.build(ctx); err != nil {
		s.closeAll()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)

	if s.refiller != nil {
		if _, err := s.refiller.Refill(runCtx); err != nil {
			s.logger.Warn(ctx, "initial refill incomplete", logger.Error(err))
		}
		go s.refiller.Run(runCtx)
	}
	if s.syncer != nil {
		go s.syncer.Run(runCtx)
	}
	if s.scheduler != nil {
		go s.scheduler.Run(runCtx)
	}
	if s.emitter != nil {
		go s.emitter.Run(runCtx)
	}

	s.started = true
	s.logger.Info(ctx, "coordinator started",
		logger.String("ledger", s.cfg.LedgerBackend),
		logger.String("counter", s.cfg.CounterBackend),
		logger.String("oracle", s.cfg.OracleMode),
		logger.Int("profiles", s.profiles.Len()),
		logger.Int("scoring_workers", s.pool.Size()),
		logger.Bool("dispatching", s.scheduler != nil),
		logger.Bool("emitting", s.emitter != nil),
	)
	return nil
}

func (s *Service) build(ctx context.Context) error {
	cfg := s.cfg
	profiles, err := ProfilesFromConfig(cfg)
	if err != nil {
		return err
	}
	s.profiles = profiles

	if err := s.buildStorage(ctx); err != nil {
		return err
	}

	l, err := ledger.New(s.repo,
		ledger.WithCreditBounds(cfg.MinCredit, cfg.MaxCredit),
		ledger.WithDecay(cfg.DecayFactor),
	)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	s.ledger = l
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))
	s.selector = selection.New(s.counter, s.ledger,
		selection.WithTopPerformerMinScore(cfg.TopPerformerMinScore),
	)

	if s.consensus == nil && cfg.ConsensusURL != "" {
		s.consensus = upstream.NewConsensus(cfg.ConsensusURL, upstream.WithHTTPClient(s.httpClient))
	}
	s.updater = reputation.New(s.ledger, s.consensus,
		reputation.WithTempo(cfg.EmitTempo()),
		reputation.WithCreditScaleCap(cfg.CreditScaleCap),
		reputation.WithTally(s.tally),
	)

	if s.oracle == nil {
		switch cfg.OracleMode {
		case config.OracleHTTP:
			s.oracle = upstream.NewOracle(cfg.OracleURL, upstream.WithHTTPClient(s.httpClient))
		default:
			s.oracle = scoring.NewSimulatedOracle(scoring.WithLatencyRange(
				time.Duration(cfg.OracleLatencyMinMS)*time.Millisecond,
				time.Duration(cfg.OracleLatencyMaxMS)*time.Millisecond,
			))
		}
	}
	s.pipeline = scoring.NewPipeline(s.oracle, s.updater, s.tally,
		scoring.WithMaxScoresPerEpoch(cfg.MaxScoresPerEpoch),
		scoring.WithTimePenalty(cfg.TimePenalty),
	)
	s.jobs = queue.NewInMemoryQueue[model.ScoreJob](
		queue.WithCapacity(cfg.ScoringQueueSize),
		queue.WithMetrics(),
	)
	s.pool = worker.NewPool[model.ScoreJob](cfg.ScoringWorkers, s.jobs, s.score)

	if s.directory == nil && cfg.DirectoryURL != "" {
		s.directory = upstream.NewDirectory(cfg.DirectoryURL, cfg.SelfUID, upstream.WithHTTPClient(s.httpClient))
	}
	if s.directory != nil {
		s.buildLoops()
	} else {
		s.logger.Warn(ctx, "no directory configured, sync and dispatch loops disabled")
	}
	if s.consensus != nil {
		s.emitter = NewEmitter(s.updater, s.tally, cfg.EmitInterval())
	}
	return nil
}

func (s *Service) buildStorage(ctx context.Context) error {
	cfg := s.cfg

	if s.repo == nil {
		switch cfg.LedgerBackend {
		case config.BackendPostgres:
			pg, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("postgres ledger: %w", err)
			}
			s.closers = append(s.closers, pg.Close)
			s.repo = pg
		default:
			s.repo = repository.NewMemStore()
		}
	}

	s.synth = workload.NewSynthesizer(uint64(time.Now().UnixNano()))
	switch cfg.CounterBackend {
	case config.BackendRedis:
		if s.rdb == nil {
			rdb, err := redisstore.Connect(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			s.closers = append(s.closers, rdb.Close)
			s.rdb = rdb
		}
		s.counter = redisstore.NewCounter(s.rdb, cfg.RedisKeyPrefix, redisstore.WithCounterInterval(cfg.Interval()))
		s.tally = redisstore.NewTally(s.rdb, cfg.RedisKeyPrefix, cfg.TallyTTL())
		w := redisstore.NewWorkload(s.rdb, cfg.RedisKeyPrefix)
		s.source, s.synthetic = w, w
	default:
		s.counter = quota.NewInMemoryCounter(quota.WithInterval(cfg.Interval()))
		s.tally = reputation.NewMemoryTally(cfg.TallyTTL(), time.Now)
		src := workload.NewMemorySource(workload.WithQueueSize(cfg.OrganicQueueSize))
		s.source, s.synthetic = src, src
	}
	return nil
}

func (s *Service) buildLoops() {
	cfg := s.cfg
	if s.probe == nil {
		s.probe = upstream.NewCreditProbe(s.httpClient, upstream.WithProbeTimeout(cfg.ProbeTimeout()))
	}
	if s.dispatcher == nil {
		s.dispatcher = upstream.NewDispatcher(s.httpClient)
	}
	if s.reporter == nil && cfg.ReportURL != "" {
		s.reporter = upstream.NewReporter(cfg.ReportURL, upstream.WithHTTPClient(s.httpClient))
	}

	syncOpts := []SyncerOption{
		WithMinStake(cfg.MinStake),
		WithRateLimitFraction(cfg.EffectiveRateLimitFraction(), cfg.Network == config.NetworkTestnet),
		WithSyncInterval(cfg.SyncInterval()),
	}
	if s.reporter != nil {
		syncOpts = append(syncOpts, WithReporter(s.reporter))
	}
	s.syncer = NewSyncer(s.directory, s.probe, s.ledger, s.counter, syncOpts...)
	if s.synthetic != nil {
		s.refiller = NewRefiller(s.profiles, s.synthetic, s.synth,
			WithRefillTarget(cfg.SyntheticTarget),
			WithRefillInterval(cfg.RefillInterval()),
		)
	}
	s.scheduler = NewScheduler(s.profiles, s.selector, s.source, s.directory, s.dispatcher, s.jobs,
		WithBatching(cfg.SyntheticThreshold, cfg.BatchSize, cfg.ConcurrentBatches),
		WithDelays(cfg.BatchDelay(), cfg.EpochDelay()),
	)
}

// score is the scoring pool's handler.
func (s *Service) score(ctx context.Context, job model.ScoreJob) error {
	out, err := s.pipeline.Process(ctx, job)
	if err != nil {
		return fmt.Errorf("batch %s: %w", job.BatchID, err)
	}
	s.logger.Debug(ctx, "batch scored",
		logger.String("batch", job.BatchID),
		logger.Int("invalid", len(out.Invalid)),
		logger.Int("filtered", len(out.Filtered)),
		logger.Int("scored", len(out.Scored)),
	)
	return nil
}

// Stop gracefully shuts down the service. Loops finish their current pass
// and the scoring queue drains within the configured grace period. Readers
// such as GetStats are not blocked while Stop waits.
func (s *Service) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	type stopper interface {
		Stop()
		Done() <-chan struct{}
	}
	var loops []stopper
	if s.scheduler != nil {
		loops = append(loops, s.scheduler)
	}
	if s.emitter != nil {
		loops = append(loops, s.emitter)
	}
	if s.syncer != nil {
		loops = append(loops, s.syncer)
	}
	if s.refiller != nil {
		loops = append(loops, s.refiller)
	}
	pool, cancelRun := s.pool, s.cancel
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping coordinator...")
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace())
	defer cancel()

	var errs []error
	for _, l := range loops {
		l.Stop()
	}
	for _, l := range loops {
		select {
		case <-l.Done():
		case <-graceCtx.Done():
			errs = append(errs, fmt.Errorf("loop still running: %w", graceCtx.Err()))
		}
	}

	if err := pool.Shutdown(graceCtx); err != nil {
		errs = append(errs, err)
	}
	cancelRun()

	s.mu.Lock()
	s.closeAll()
	s.mu.Unlock()

	s.logger.Info(ctx, "coordinator stopped")
	return errors.Join(errs...)
}

func (s *Service) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && s.logger != nil {
			s.logger.Warn(context.Background(), "close failed", logger.Error(err))
		}
	}
	s.closers = nil
}

// SeenAndRecord atomically checks if a payload id was seen and records it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	return s.deduper.SeenAndRecord(ctx, id)
}

// Unrecord removes a payload id from the seen list, allowing it to be retried.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.deduper.Unrecord(ctx, id)
}

// Size returns the current number of entries in the deduper.
func (s *Service) Size() int64 {
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Consume admits up to k workers.
func (s *Service) Consume(ctx context.Context, threshold float64, k int, taskCredit int64) ([]int, error) {
	return s.selector.Consume(ctx, threshold, k, taskCredit)
}

// ConsumeTopPerformers admits at most one of the n best scored workers.
func (s *Service) ConsumeTopPerformers(ctx context.Context, n int, taskCredit int64, threshold float64) ([]int, error) {
	return s.selector.ConsumeTopPerformers(ctx, n, taskCredit, threshold)
}

// Step folds scores into the ledger.
func (s *Service) Step(ctx context.Context, scores []float64, uids []int) error {
	return s.updater.Step(ctx, scores, uids)
}

// Weights returns the normalized weight vector.
func (s *Service) Weights(ctx context.Context) ([]int, []float64, error) {
	return s.ledger.Weights(ctx)
}

// Workers lists every ledger record ordered by uid with its score rank.
func (s *Service) Workers(ctx context.Context) ([]model.Standing, error) {
	return s.ledger.Standings(ctx)
}

// Usage snapshots every quota window, most used first.
func (s *Service) Usage(ctx context.Context) ([]model.QuotaUsage, error) {
	u, err := s.counter.Usage(ctx)
	if err != nil {
		return nil, err
	}
	quota.SortUsage(u)
	return u, nil
}

// PushOrganic queues a client payload for a configured model.
func (s *Service) PushOrganic(ctx context.Context, p model.Payload) error {
	profile, err := s.profiles.Get(p.Model)
	if err != nil {
		return err
	}
	if p.MaxTokens <= 0 || p.MaxTokens > profile.MaxTokens {
		p.MaxTokens = profile.MaxTokens
	}
	if err := s.source.PushOrganic(ctx, p); err != nil {
		if errors.Is(err, workload.ErrQueueFull) {
			return fmt.Errorf("%w: %w", api.ErrBackpressure, err)
		}
		return err
	}
	return nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":  s.started,
		"ledger":   s.cfg.LedgerBackend,
		"counter":  s.cfg.CounterBackend,
		"oracle":   s.cfg.OracleMode,
		"profiles": s.profiles.Len(),
	}
	if !s.started {
		return stats
	}

	stats["scoringQueueLength"] = s.jobs.Len()
	stats["scoringQueueCapacity"] = s.jobs.Capacity()
	stats["scoringWorkers"] = s.pool.Size()
	stats["dedupeSize"] = s.deduper.Size()
	if s.scheduler != nil {
		stats["phase"] = s.scheduler.Phase().String()
	}
	if s.emitter != nil {
		stats["emitting"] = s.emitter.Emitting()
	}
	if last := s.updater.LastEmit(); !last.IsZero() {
		stats["lastEmit"] = last.Format(time.RFC3339)
	}
	if n, err := s.ledger.Size(ctx); err == nil {
		stats["workers"] = n
		metrics.UpdateLedgerWorkers(n)
	}
	if counts, err := s.tally.Counts(ctx); err == nil {
		stats["tally"] = reputation.Summarize(counts)
	}
	return stats
}

// ProfilesFromConfig converts the configured model profiles.
func ProfilesFromConfig(cfg *config.Config) (model.Profiles, error) {
	list := make([]model.ModelProfile, 0, len(cfg.ModelProfiles))
	for name, p := range cfg.ModelProfiles {
		list = append(list, model.ModelProfile{
			Name:          name,
			CreditCost:    p.CreditCost,
			Timeout:       time.Duration(p.TimeoutSeconds) * time.Second,
			MaxTokens:     p.MaxTokens,
			SynapseType:   p.SynapseType,
			AllowedParams: p.AllowedParams,
		})
	}
	return model.NewProfiles(list...)
}
