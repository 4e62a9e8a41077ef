package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/deploywatch-rca/internal/api"
	"github.com/miradorstack/deploywatch-rca/internal/config"
	"github.com/miradorstack/deploywatch-rca/internal/correlate"
	"github.com/miradorstack/deploywatch-rca/internal/handler"
	"github.com/miradorstack/deploywatch-rca/internal/hub"
	"github.com/miradorstack/deploywatch-rca/internal/metrics"
	"github.com/miradorstack/deploywatch-rca/internal/patterns"
	"github.com/miradorstack/deploywatch-rca/internal/services"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
	"github.com/miradorstack/deploywatch-rca/internal/watch"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting deploywatch-rca",
		slog.String("grpc_address", cfg.Server.Address),
		slog.String("http_address", cfg.HTTP.Address),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background workers outlive the signal so in-flight work can drain after the listeners stop.
	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	cacheProvider, closeCache := buildCache(bgCtx, cfg.Cache, logger)
	defer closeCache()

	sink, closeSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open report sink", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeSink()

	archiver := buildArchiver(ctx, cfg.Archive, logger)

	liveHub := hub.New(cfg.HTTP.AllowedOrigins, logger)
	go liveHub.Run(bgCtx)

	feed := services.NewFeed(logger, sink, liveHub)
	go feed.Run(bgCtx)

	registry := watch.NewRegistry(
		watch.WithObserver(feed.ObserveWatch),
		watch.WithHistoryPerKey(cfg.Watch.HistoryPerKey),
	)
	go sweepWatches(bgCtx, registry, cfg.Watch.SweepInterval)

	serviceMap, err := buildServiceMap(bgCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to load service map", slog.Any("error", err))
		os.Exit(1)
	}
	correlator := correlate.NewCorrelator(logger, registry, serviceMap)

	pipeline, err := buildPipeline(ctx, cfg, logger, correlator, cacheProvider)
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	dispatcher := buildDispatcher(cfg.Escalation, logger, feed.ObserveEscalation)
	dispatcher.Start(bgCtx)

	patternCache := patterns.NewCacheStore(cacheProvider, cfg.Cache.PatternsTTL)
	deps := services.Deps{
		Pipeline:      pipeline,
		Registry:      registry,
		Lookup:        correlator,
		Sink:          sink,
		Escalator:     dispatcher,
		Publisher:     liveHub,
		Miner:         patterns.NewMiner(logger, patternCache),
		Patterns:      patternCache,
		DefaultTTL:    cfg.Watch.TTL,
		AgentTrigger:  cfg.Watch.AgentTrigger,
		LatencyWindow: cfg.Pipeline.LatencyWindow,
	}
	if archiver != nil {
		deps.Archive = archiver
	}
	incidents := services.NewIncidentService(logger, deps)

	server, err := api.NewServer(cfg.Server, incidents, logger)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           handler.New(logger, incidents, liveHub, cacheProvider, cfg.HTTP).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("http server listening", slog.String("address", cfg.HTTP.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	server.Shutdown(shutdownCtx)
	incidents.Wait()

	cancelBackground()
	dispatcher.Close()
	feed.Wait()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("deploywatch-rca stopped")
}

func sweepWatches(ctx context.Context, registry *watch.Registry, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep()
		}
	}
}
