package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/creditgate/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have the coordinator defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.IntervalSeconds, convey.ShouldEqual, 60)
			convey.So(cfg.MinCredit, convey.ShouldEqual, 48)
			convey.So(cfg.MaxCredit, convey.ShouldEqual, 256)
			convey.So(cfg.DecayFactor, convey.ShouldEqual, 0.9)
			convey.So(cfg.SyntheticThreshold, convey.ShouldEqual, 0.2)
			convey.So(cfg.BatchSize, convey.ShouldEqual, 4)
			convey.So(cfg.MaxScoresPerEpoch, convey.ShouldEqual, 4)
			convey.So(cfg.ScoringWorkers, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.ModelProfiles, convey.ShouldContainKey, "gpt-4o-mini")
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})

		convey.Convey("Then duration helpers convert units", func() {
			convey.So(cfg.Interval(), convey.ShouldEqual, time.Minute)
			convey.So(cfg.BatchDelay(), convey.ShouldEqual, time.Second)
			convey.So(cfg.EpochDelay(), convey.ShouldEqual, 4*time.Second)
			convey.So(cfg.EmitInterval(), convey.ShouldEqual, 10*time.Minute)
			convey.So(cfg.EmitTempo(), convey.ShouldEqual, 6*time.Minute)
			convey.So(cfg.TallyTTL(), convey.ShouldEqual, 6*time.Minute)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a default config", t, func() {
		cfg := config.New()

		cases := []struct {
			name   string
			mutate func(c *config.Config)
		}{
			{"inverted credit bounds", func(c *config.Config) { c.MinCredit, c.MaxCredit = 300, 200 }},
			{"decay of one", func(c *config.Config) { c.DecayFactor = 1 }},
			{"zero decay", func(c *config.Config) { c.DecayFactor = 0 }},
			{"zero batch size", func(c *config.Config) { c.BatchSize = 0 }},
			{"unknown network", func(c *config.Config) { c.Network = "devnet" }},
			{"postgres without dsn", func(c *config.Config) { c.LedgerBackend = config.BackendPostgres }},
			{"unknown counter backend", func(c *config.Config) { c.CounterBackend = "etcd" }},
			{"http oracle without url", func(c *config.Config) { c.OracleMode = config.OracleHTTP }},
			{"no profiles", func(c *config.Config) { c.ModelProfiles = nil }},
			{"profile without credit", func(c *config.Config) { c.ModelProfiles["x"] = config.ModelProfile{TimeoutSeconds: 1} }},
			{"rate limit fraction above one", func(c *config.Config) { c.RateLimitFraction = 1.5 }},
			{"credit scale cap above one", func(c *config.Config) { c.CreditScaleCap = 1.5 }},
			{"zero credit scale cap", func(c *config.Config) { c.CreditScaleCap = 0 }},
			{"zero synthetic target", func(c *config.Config) { c.SyntheticTarget = 0 }},
		}

		for _, tc := range cases {
			convey.Convey("When "+tc.name, func() {
				tc.mutate(cfg)
				err := cfg.Validate()

				convey.Convey("Then it is rejected as invalid config", func() {
					convey.So(err, convey.ShouldNotBeNil)
					convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				})
			})
		}

		convey.Convey("When the network is testnet", func() {
			cfg.Network = config.NetworkTestnet
			cfg.RateLimitFraction = 0.5

			convey.Convey("Then the effective rate limit fraction is 1", func() {
				convey.So(cfg.EffectiveRateLimitFraction(), convey.ShouldEqual, 1.0)
			})
		})

		convey.Convey("When the network is mainnet", func() {
			cfg.RateLimitFraction = 0.5

			convey.Convey("Then the configured fraction applies", func() {
				convey.So(cfg.EffectiveRateLimitFraction(), convey.ShouldEqual, 0.5)
			})
		})
	})
}
