package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/okian/creditgate/internal/loadgen"
	"github.com/okian/creditgate/pkg/logger"
)

// Default configuration constants.
const (
	defaultRequests   = 1000
	defaultWorkers    = 2 // multiplier for runtime.NumCPU()
	defaultTimeout    = 30 * time.Second
	defaultSettle     = 30 * time.Second
	defaultRunTimeout = 10 * time.Minute
)

func main() {
	var (
		baseURL   = flag.String("url", "http://localhost:9080", "Base URL of the service")
		requests  = flag.Int("requests", defaultRequests, "Number of organic submissions")
		models    = flag.String("models", "gpt-4o-mini,gpt-4o", "Comma separated model names")
		dupRatio  = flag.Float64("dup", 0.05, "Share of submissions that repeat an earlier id")
		workers   = flag.Int("workers", runtime.NumCPU()*defaultWorkers, "Number of concurrent submitters")
		timeout   = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		settle    = flag.Duration("settle", defaultSettle, "Wait before verifying weights and quota")
		seed      = flag.Uint64("seed", 0, "Generator seed (0 uses the clock)")
		logFormat = flag.String("log-format", "text", "Log format: text or json")
		verbose   = flag.Bool("verbose", false, "Log progress while submitting")
	)
	flag.Parse()

	if err := logger.Init(logger.WithFormat(*logFormat)); err != nil {
		os.Stderr.WriteString("Failed to setup logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancelRun()

	cfg := &loadgen.Config{
		BaseURL:        strings.TrimRight(*baseURL, "/"),
		NumRequests:    *requests,
		Models:         strings.Split(*models, ","),
		DuplicateRatio: *dupRatio,
		Workers:        *workers,
		Timeout:        *timeout,
		Settle:         *settle,
		Seed:           *seed,
		Verbose:        *verbose,
	}

	if _, err := loadgen.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "load run failed", logger.Error(err))
		cancelRun()
		os.Exit(1)
	}
}
