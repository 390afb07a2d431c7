// Package config defines coordinator configuration structures and loading hooks.
//
// Conventions:
// - Durations are plain integers with a unit suffix in the key (_seconds, _ms).
// - New builds a Config with defaults; Load layers file and env on top.
// - Validate reports problems wrapped with ErrInvalidConfig.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Network names.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Backend names for the ledger and the quota counter.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Oracle modes.
const (
	OracleHTTP      = "http"
	OracleSimulated = "simulated"
)

// ModelProfile is the configuration form of a workload profile.
type ModelProfile struct {
	CreditCost     int64    `koanf:"credit_cost"`
	TimeoutSeconds int      `koanf:"timeout_seconds"`
	MaxTokens      int      `koanf:"max_tokens"`
	SynapseType    string   `koanf:"synapse_type"`
	AllowedParams  []string `koanf:"allowed_params"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects text or json output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the admin HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Storage backends.
	LedgerBackend  string `koanf:"ledger_backend"`
	DatabaseURL    string `koanf:"database_url"`
	CounterBackend string `koanf:"counter_backend"`
	RedisURL       string `koanf:"redis_url"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// Bandwidth.
	IntervalSeconds   int     `koanf:"interval_seconds"`
	MinStake          float64 `koanf:"min_stake"`
	MinCredit         int64   `koanf:"min_credit"`
	MaxCredit         int64   `koanf:"max_credit"`
	RateLimitFraction float64 `koanf:"rate_limit_fraction"`
	Network           string  `koanf:"network"`

	// Reputation.
	DecayFactor          float64 `koanf:"decay_factor"`
	CreditScaleCap       float64 `koanf:"credit_scale_cap"`
	TopPerformerMinScore float64 `koanf:"top_performer_min_score"`
	TimePenalty          float64 `koanf:"time_penalty"`
	MaxScoresPerEpoch    int     `koanf:"max_scores_per_epoch"`
	TallyTTLSeconds      int     `koanf:"tally_ttl_seconds"`

	// Validating loop.
	SyntheticThreshold  float64 `koanf:"synthetic_threshold"`
	BatchSize           int     `koanf:"batch_size"`
	ConcurrentBatches   int     `koanf:"concurrent_batches"`
	BatchDelayMS        int     `koanf:"batch_delay_ms"`
	EpochDelayMS        int     `koanf:"epoch_delay_ms"`
	EmitIntervalSeconds int     `koanf:"emit_interval_seconds"`
	EmitTempoSeconds    int     `koanf:"emit_tempo_seconds"`
	SyncIntervalSeconds int     `koanf:"sync_interval_seconds"`

	// Upstream collaborators. SelfUID is the coordinator's own uid.
	SelfUID        int    `koanf:"self_uid"`
	DirectoryURL   string `koanf:"directory_url"`
	OracleURL      string `koanf:"oracle_url"`
	OracleMode     string `koanf:"oracle_mode"`
	ConsensusURL   string `koanf:"consensus_url"`
	ReportURL      string `koanf:"report_url"`
	ProbeTimeoutMS int    `koanf:"probe_timeout_ms"`

	// ModelProfiles maps model names to their profiles.
	ModelProfiles map[string]ModelProfile `koanf:"model_profiles"`

	// Scoring stage.
	ScoringWorkers   int `koanf:"scoring_workers"`
	ScoringQueueSize int `koanf:"scoring_queue_size"`

	// Oracle simulation latency bounds.
	OracleLatencyMinMS int `koanf:"oracle_latency_min_ms"`
	OracleLatencyMaxMS int `koanf:"oracle_latency_max_ms"`

	// DedupeSize sets the size of the organic submission dedupe cache.
	DedupeSize int `koanf:"dedupe_size"`
	// OrganicQueueSize bounds the in-memory organic and synthetic queues.
	OrganicQueueSize int `koanf:"organic_queue_size"`
	// SyntheticTarget is the synthetic backlog the refill loop keeps per model.
	SyntheticTarget  int `koanf:"synthetic_target"`
	RefillIntervalMS int `koanf:"refill_interval_ms"`

	// ShutdownGraceSeconds bounds how long Stop waits for in-flight work.
	ShutdownGraceSeconds int `koanf:"shutdown_grace_seconds"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		Addr:           ":9080",
		LedgerBackend:  BackendMemory,
		CounterBackend: BackendMemory,
		RedisURL:       "redis://localhost:6379/0",
		RedisKeyPrefix: "creditgate",

		IntervalSeconds:   60,
		MinStake:          10_000,
		MinCredit:         48,
		MaxCredit:         256,
		RateLimitFraction: 1.0,
		Network:           NetworkMainnet,

		DecayFactor:          0.9,
		CreditScaleCap:       1.0,
		TopPerformerMinScore: 0.05,
		TimePenalty:          0.2,
		MaxScoresPerEpoch:    4,
		TallyTTLSeconds:      360,

		SyntheticThreshold:  0.2,
		BatchSize:           4,
		ConcurrentBatches:   1,
		BatchDelayMS:        1_000,
		EpochDelayMS:        4_000,
		EmitIntervalSeconds: 600,
		EmitTempoSeconds:    360,
		SyncIntervalSeconds: 600,

		OracleMode:     OracleSimulated,
		ProbeTimeoutMS: 4_000,

		ModelProfiles: DefaultModelProfiles(),

		ScoringWorkers:   runtime.NumCPU(),
		ScoringQueueSize: 1_024,

		OracleLatencyMinMS: 80,
		OracleLatencyMaxMS: 150,

		DedupeSize:       100_000,
		OrganicQueueSize: 10_000,
		SyntheticTarget:  64,
		RefillIntervalMS: 500,

		ShutdownGraceSeconds: 30,
	}
}

// DefaultModelProfiles returns the built-in workload profiles.
func DefaultModelProfiles() map[string]ModelProfile {
	chat := []string{"temperature", "max_tokens", "stream", "seed"}
	return map[string]ModelProfile{
		"gpt-4o":                     {CreditCost: 4, TimeoutSeconds: 32, MaxTokens: 4096, SynapseType: "streaming-chat", AllowedParams: chat},
		"gpt-4o-mini":                {CreditCost: 1, TimeoutSeconds: 32, MaxTokens: 4096, SynapseType: "streaming-chat", AllowedParams: chat},
		"dall-e-3":                   {CreditCost: 2, TimeoutSeconds: 32, MaxTokens: 4096, SynapseType: "streaming-chat", AllowedParams: chat},
		"claude-3-5-sonnet-20241022": {CreditCost: 4, TimeoutSeconds: 32, MaxTokens: 8192, SynapseType: "streaming-chat", AllowedParams: chat},
	}
}

// Validate checks invariants across fields.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.MinCredit <= 0 || c.MaxCredit < c.MinCredit:
		return fmt.Errorf("%w: credit bounds [%d, %d]", ErrInvalidConfig, c.MinCredit, c.MaxCredit)
	case c.DecayFactor <= 0 || c.DecayFactor >= 1:
		return fmt.Errorf("%w: decay_factor %v outside (0,1)", ErrInvalidConfig, c.DecayFactor)
	case c.CreditScaleCap <= 0 || c.CreditScaleCap > 1:
		return fmt.Errorf("%w: credit_scale_cap %v outside (0,1]", ErrInvalidConfig, c.CreditScaleCap)
	case c.IntervalSeconds <= 0:
		return fmt.Errorf("%w: interval_seconds must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0 || c.ConcurrentBatches <= 0:
		return fmt.Errorf("%w: batch_size and concurrent_batches must be positive", ErrInvalidConfig)
	case c.SyntheticTarget <= 0 || c.RefillIntervalMS <= 0:
		return fmt.Errorf("%w: synthetic_target and refill_interval_ms must be positive", ErrInvalidConfig)
	case c.MaxScoresPerEpoch <= 0:
		return fmt.Errorf("%w: max_scores_per_epoch must be positive", ErrInvalidConfig)
	case c.RateLimitFraction <= 0 || c.RateLimitFraction > 1:
		return fmt.Errorf("%w: rate_limit_fraction %v outside (0,1]", ErrInvalidConfig, c.RateLimitFraction)
	case c.Network != NetworkMainnet && c.Network != NetworkTestnet:
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	case c.OracleLatencyMaxMS < c.OracleLatencyMinMS:
		return fmt.Errorf("%w: oracle latency bounds", ErrInvalidConfig)
	}

	switch c.LedgerBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: database_url required for postgres ledger", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger_backend %q", ErrInvalidConfig, c.LedgerBackend)
	}

	switch c.CounterBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: redis_url required for redis counter", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown counter_backend %q", ErrInvalidConfig, c.CounterBackend)
	}

	switch c.OracleMode {
	case OracleSimulated:
	case OracleHTTP:
		if c.OracleURL == "" {
			return fmt.Errorf("%w: oracle_url required in http mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown oracle_mode %q", ErrInvalidConfig, c.OracleMode)
	}

	if len(c.ModelProfiles) == 0 {
		return fmt.Errorf("%w: at least one model profile is required", ErrInvalidConfig)
	}
	for name, p := range c.ModelProfiles {
		if p.CreditCost <= 0 || p.TimeoutSeconds <= 0 {
			return fmt.Errorf("%w: model profile %q needs positive credit_cost and timeout_seconds", ErrInvalidConfig, name)
		}
	}
	return nil
}

// EffectiveRateLimitFraction applies the testnet override.
func (c *Config) EffectiveRateLimitFraction() float64 {
	if c.Network == NetworkTestnet {
		return 1.0
	}
	return c.RateLimitFraction
}

// Interval returns the quota window length.
func (c *Config) Interval() time.Duration { return seconds(c.IntervalSeconds) }

// TallyTTL returns the per-epoch tally entry lifetime.
func (c *Config) TallyTTL() time.Duration { return seconds(c.TallyTTLSeconds) }

// BatchDelay returns the pause between batch launches.
func (c *Config) BatchDelay() time.Duration { return millis(c.BatchDelayMS) }

// EpochDelay returns the pause after each epoch.
func (c *Config) EpochDelay() time.Duration { return millis(c.EpochDelayMS) }

// EmitInterval returns the emission tick.
func (c *Config) EmitInterval() time.Duration { return seconds(c.EmitIntervalSeconds) }

// EmitTempo returns the minimum time between successful emissions.
func (c *Config) EmitTempo() time.Duration { return seconds(c.EmitTempoSeconds) }

// SyncInterval returns the credit sync tick.
func (c *Config) SyncInterval() time.Duration { return seconds(c.SyncIntervalSeconds) }

// RefillInterval returns the synthetic refill tick.
func (c *Config) RefillInterval() time.Duration { return millis(c.RefillIntervalMS) }

// ProbeTimeout bounds a single credit probe.
func (c *Config) ProbeTimeout() time.Duration { return millis(c.ProbeTimeoutMS) }

// ShutdownGrace bounds graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration { return seconds(c.ShutdownGraceSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
