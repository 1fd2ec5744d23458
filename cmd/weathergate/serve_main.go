package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyfetch/weathergate/internal/breaker"
	"github.com/skyfetch/weathergate/internal/cache"
	"github.com/skyfetch/weathergate/internal/clock"
	"github.com/skyfetch/weathergate/internal/config"
	"github.com/skyfetch/weathergate/internal/gateway"
	"github.com/skyfetch/weathergate/internal/httpapi"
	"github.com/skyfetch/weathergate/internal/metrics"
	"github.com/skyfetch/weathergate/internal/upstream"
)

const sweepInterval = 5 * time.Minute

// runServe builds the dependency graph from configuration and serves until
// SIGINT or SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.ListenAddr = listen
	}

	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("Unknown log level, keeping info")
	}

	log.Info().
		Str("version", version).
		Str("listen", cfg.Server.ListenAddr).
		Str("upstream", cfg.Upstream.BaseURL).
		Dur("cache_ttl", cfg.Cache.TTL()).
		Dur("stale_max_age", cfg.Cache.StaleMaxAge()).
		Int("retry_max_attempts", cfg.Retry.MaxAttempts).
		Int("breaker_failure_threshold", cfg.Breaker.FailureThreshold).
		Dur("breaker_recovery_timeout", cfg.Breaker.RecoveryTimeout()).
		Msg("Starting weathergate")

	clk := clock.New()
	reg := metrics.NewRegistry()

	weatherCache := cache.New(cache.Config{
		TTL:         cfg.Cache.TTL(),
		StaleMaxAge: cfg.Cache.StaleMaxAge(),
		MaxEntries:  cfg.Cache.MaxEntries,
	}, clk)

	brk := breaker.New(breaker.Config{
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		RecoveryTimeout:      cfg.Breaker.RecoveryTimeout(),
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
	}, clk, reg, gateway.ClassifyVerdict)

	client := upstream.NewClient(upstream.ClientConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		ConnectTimeout: cfg.Upstream.ConnectTimeout(),
		ReadTimeout:    cfg.Upstream.ReadTimeout(),
		TotalTimeout:   cfg.Upstream.TotalTimeout(),
	})
	defer client.Close()

	retrier := upstream.NewRetrier(client, upstream.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: cfg.Retry.BackoffBase(),
	}, clk, reg)

	orchestrator := gateway.New(weatherCache, brk, retrier, reg, clk)

	prom := prometheus.NewRegistry()
	prom.MustRegister(metrics.NewExporter(reg))

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:         cfg.Server.ListenAddr,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}, httpapi.NewHandlers(orchestrator, reg, brk, version), prom)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	weatherCache.StartSweeper(ctx, sweepInterval)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}
