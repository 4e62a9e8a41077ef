package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/archive"
	"github.com/miradorstack/deploywatch-rca/internal/cache"
	"github.com/miradorstack/deploywatch-rca/internal/config"
	"github.com/miradorstack/deploywatch-rca/internal/correlate"
	"github.com/miradorstack/deploywatch-rca/internal/engine"
	"github.com/miradorstack/deploywatch-rca/internal/escalation"
	"github.com/miradorstack/deploywatch-rca/internal/extractors"
	"github.com/miradorstack/deploywatch-rca/internal/models"
	"github.com/miradorstack/deploywatch-rca/internal/repo"
	"github.com/miradorstack/deploywatch-rca/internal/runbooks"
	"github.com/miradorstack/deploywatch-rca/internal/servicemap"
	"github.com/miradorstack/deploywatch-rca/internal/store"
	"github.com/miradorstack/deploywatch-rca/internal/synth"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

// buildCache prefers Valkey and falls back to an in-process cache, so webhook dedupe
// keeps working on a single replica without one.
func buildCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (cache.Provider, func()) {
	if cfg.Enabled && cfg.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			KeyPrefix:    cfg.KeyPrefix,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
			TLS:          cfg.TLS,
		})
		if err == nil {
			logger.Info("valkey cache connected", slog.String("addr", cfg.Addr))
			return provider, func() { provider.Close() }
		}
		logger.Warn("valkey cache unavailable, using in-process cache", slog.Any("error", err))
	}

	mem := cache.NewMemoryProvider()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := mem.Sweep(); n > 0 {
					logger.Debug("cache entries expired", slog.Int("count", n))
				}
			}
		}
	}()
	return mem, func() { mem.Close() }
}

func buildSink(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.ReportSink, func(), error) {
	if cfg.Postgres.URL == "" {
		logger.Info("using in-memory report sink",
			slog.Int("reports", cfg.Watch.ReportHistory),
			slog.Int("watches", cfg.Watch.WatchHistory),
		)
		return store.NewMemorySink(cfg.Watch.ReportHistory, cfg.Watch.WatchHistory), func() {}, nil
	}
	db, err := store.Connect(cfg.Postgres.URL)
	if err != nil {
		return nil, nil, utils.WrapOp("connect postgres", err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, utils.WrapOp("migrate postgres", err)
	}
	logger.Info("postgres report sink ready")
	return db, db.Close, nil
}

// buildArchiver returns nil when archiving is disabled or the bucket cannot be prepared.
func buildArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) *archive.Archiver {
	if !cfg.Enabled {
		return nil
	}
	a, err := archive.New(archive.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		UseSSL:    cfg.UseSSL,
	}, logger)
	if err != nil {
		logger.Warn("report archive disabled", slog.Any("error", err))
		return nil
	}
	bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.EnsureBucket(bucketCtx); err != nil {
		logger.Warn("report archive disabled", slog.String("bucket", cfg.Bucket), slog.Any("error", err))
		return nil
	}
	return a
}

func buildServiceMap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (correlate.ServiceMap, error) {
	static, err := servicemap.LoadFile(cfg.ServiceMap.Path)
	if err != nil {
		return nil, err
	}
	static = static.WithFallback(cfg.ServiceMap.DefaultRepo, cfg.ServiceMap.DefaultBranches)
	logger.Info("service map loaded", slog.String("path", cfg.ServiceMap.Path), slog.Int("services", static.Len()))

	if !cfg.Consul.Enabled {
		return static, nil
	}
	client, err := servicemap.NewConsulClient(cfg.Consul.Address)
	if err != nil {
		logger.Warn("consul unavailable, using static service map", slog.Any("error", err))
		return static, nil
	}
	consulMap := servicemap.NewConsulMap(client.Catalog(), static, logger)
	go consulMap.Run(ctx, cfg.Consul.RefreshInterval)
	return consulMap, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, correlator engine.Correlator, cacheProvider cache.Provider) (*engine.Pipeline, error) {
	pc := cfg.Providers

	github := repo.NewGitHubClient(pc.GitHub.BaseURL, pc.GitHub.Token, pc.GitHub.Timeout, cacheProvider, pc.GitHub.CacheTTL)

	docs, err := runbooks.LoadDir(pc.Runbooks.Dir)
	if err != nil {
		return nil, err
	}
	weaviate := repo.NewWeaviateRepo(pc.Weaviate.Endpoint, pc.Weaviate.APIKey, pc.Weaviate.Class,
		pc.Weaviate.Certainty, pc.Weaviate.Timeout, cacheProvider, pc.Weaviate.CacheTTL)
	matcher := runbooks.NewMatcher(logger, runbooks.NewIndex(docs), weaviate, pc.Runbooks.TopK, pc.Runbooks.MinScore)
	logger.Info("runbooks loaded", slog.String("dir", pc.Runbooks.Dir), slog.Int("sections", len(docs)))
	if pc.Runbooks.SyncOnStart && weaviate.Enabled() {
		syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		n, err := matcher.Sync(syncCtx)
		cancel()
		if err != nil {
			logger.Warn("runbook sync incomplete", slog.Int("synced", n), slog.Any("error", err))
		} else {
			logger.Info("runbooks synced to weaviate", slog.Int("synced", n))
		}
	}

	var synthesizer engine.Synthesizer
	if pc.Synthesizer.Endpoint != "" {
		synthesizer = synth.NewHTTPSynthesizer(pc.Synthesizer.Endpoint, pc.Synthesizer.APIKey,
			pc.Synthesizer.Model, pc.Synthesizer.Timeout, logger)
		logger.Info("using remote synthesizer", slog.String("model", pc.Synthesizer.Model))
	} else {
		rules, err := synth.NewRuleEngine(cfg.Rules.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("load rule pack: %w", err)
		}
		synthesizer = synth.NewRuleSynthesizer(logger, rules)
		logger.Info("using rule synthesizer", slog.Int("rules", rules.Len()))
	}

	opts := []engine.Option{
		engine.WithDefaultTimeout(cfg.Pipeline.ProviderTimeout),
		engine.WithSynthesisTimeout(cfg.Pipeline.SynthesisTimeout),
	}
	for name, d := range cfg.Pipeline.Timeouts {
		opts = append(opts, engine.WithProviderTimeout(models.ProviderName(name), d))
	}

	providers := []engine.Provider{extractors.NewLogAnalyzer(), github, matcher}
	return engine.NewPipeline(logger, correlator, synthesizer, engine.NewSuspectEngine(logger), providers, opts...), nil
}

func buildDispatcher(cfg config.EscalationConfig, logger *slog.Logger, onOutcome escalation.OutcomeFunc) *escalation.Dispatcher {
	var channels []escalation.Channel
	if cfg.Webhook.URL != "" {
		ch, err := escalation.NewWebhookChannel(escalation.WebhookConfig{
			URL:       cfg.Webhook.URL,
			AuthToken: cfg.Webhook.AuthToken,
			Timeout:   cfg.Webhook.Timeout,
			MinAction: models.EscalationAction(cfg.Webhook.MinAction),
		})
		if err != nil {
			logger.Warn("webhook escalation disabled", slog.Any("error", err))
		} else {
			channels = append(channels, ch)
		}
	}
	voice, err := escalation.NewVoiceChannel(escalation.VoiceConfig{
		BaseURL:    cfg.Voice.BaseURL,
		AccountSID: cfg.Voice.AccountSID,
		AuthToken:  cfg.Voice.AuthToken,
		From:       cfg.Voice.From,
		To:         cfg.Voice.To,
		Voice:      cfg.Voice.Voice,
	})
	switch {
	case err == nil:
		channels = append(channels, voice)
	case !errors.Is(err, escalation.ErrVoiceNotConfigured):
		logger.Warn("voice escalation disabled", slog.Any("error", err))
	}
	if len(channels) == 0 {
		logger.Warn("no escalation channels configured; escalations will only be logged")
	}
	return escalation.NewDispatcher(logger, channels, onOutcome, escalation.Options{
		Workers:   cfg.Workers,
		PerMinute: cfg.PerMinute,
	})
}
