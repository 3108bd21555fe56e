package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vshong/webproxy/internal/cache"
	"github.com/vshong/webproxy/internal/logging"
	"github.com/vshong/webproxy/internal/pipeline"
	"github.com/vshong/webproxy/internal/policystore"
	"github.com/vshong/webproxy/internal/resolver"
	"github.com/vshong/webproxy/internal/server"
	"github.com/vshong/webproxy/internal/stats"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultConfigPath = "config.txt"

var rootCmd = &cobra.Command{
	Use:   "webproxy [config_path]",
	Short: "A forward HTTP/HTTPS proxy with a reloadable host policy and a TTL+LRU cache",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProxy,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runProxy(cmd *cobra.Command, args []string) error {
	configPath := defaultConfigPath
	if len(args) == 1 {
		configPath = args[0]
	}

	store := policystore.New(configPath)
	warnings, err := store.LoadInitial()
	if err != nil {
		return fmt.Errorf("webproxy: %w", err)
	}

	snap := store.Current()
	logger := logging.New(snap.LogLevel)
	for _, w := range warnings {
		logger.Warn("config warning", "detail", w)
	}

	var sink stats.Sink = stats.Noop{}
	var metrics *stats.Metrics
	if snap.StatsEnabled {
		metrics = stats.New()
		sink = metrics
	}

	c := cache.New(snap.CacheLimit, snap.MaxCacheSizeBytes, snap.CacheTTL)

	deps := &pipeline.Deps{
		Policy:   store,
		Cache:    c,
		Stats:    sink,
		Resolver: resolver.NewSystem(),
		Logger:   logger,
	}
	if metrics != nil {
		deps.StatsHandler = func() ([]byte, bool) {
			body, err := metrics.JSON()
			if err != nil {
				return nil, false
			}
			return body, true
		}
		handler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
		deps.MetricsHandler = func() ([]byte, bool, string) {
			body, contentType, err := renderMetrics(handler)
			if err != nil {
				return nil, false, ""
			}
			return body, true, contentType
		}
	}

	srv := server.New(store, c, sink, deps, logger)

	logger.Info("starting webproxy",
		"config", configPath,
		"port", snap.Port,
		"cache_limit", snap.CacheLimit,
		"max_connections", snap.MaxConnections,
		"stats_enabled", snap.StatsEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx)

	if metrics != nil {
		logger.Info("final stats", "summary", metrics.Summary())
	}
	if err != nil {
		return fmt.Errorf("webproxy: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
