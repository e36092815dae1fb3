package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/circuitbreaker"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/history"
	"github.com/modelrelay/modelrelay/internal/notifications"
	"github.com/modelrelay/modelrelay/internal/orchestrator"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/provider/anthropic"
	"github.com/modelrelay/modelrelay/internal/provider/bedrock"
	"github.com/modelrelay/modelrelay/internal/provider/ollama"
	"github.com/modelrelay/modelrelay/internal/provider/openai"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/scheduler"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/stream"
	"github.com/modelrelay/modelrelay/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting modelrelay", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "modelrelay", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var secretStore secrets.SecretStore
	if cfg.AWSRegion != "" {
		secretStore, err = secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to connect to secrets manager", "error", err)
			os.Exit(1)
		}
	} else {
		secretStore = secrets.NewInMemorySecretStore()
	}

	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("using sns notifier", "topic", cfg.SNSTopicARN)
	} else {
		notifier = notifications.NewInMemoryNotifier()
	}

	alerter := quota.NewAlerter(quota.AlerterConfig{
		WarningPercent:  cfg.AlertWarningPercent,
		CriticalPercent: cfg.AlertCriticalPercent,
		Suppression:     cfg.AlertSuppression,
		HistorySize:     cfg.AlertHistorySize,
	}, notifications.QuotaAlertHandler(notifier))

	tierQuota := config.TierQuotas()[cfg.DefaultTier]
	ledger := quota.NewLedger(
		quota.WithAlerter(alerter),
		quota.WithTenantLimits(func(string) quota.Limits {
			return quota.Limits{
				DailyTokens:   tierQuota.DailyTokens,
				MonthlyTokens: tierQuota.MonthlyTokens,
				DailyRequests: tierQuota.DailyRequests,
			}
		}),
	)

	registry := provider.NewRegistry()
	specs, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		slog.Error("failed to load providers file", "path", cfg.ProvidersFile, "error", err)
		os.Exit(1)
	}

	for _, spec := range specs {
		adapter, err := buildAdapter(ctx, spec, secretStore, limiter, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to build provider", "provider", spec.ID, "error", err)
			os.Exit(1)
		}
		if adapter == nil {
			continue
		}

		if err := adapter.Initialize(ctx); err != nil {
			slog.Warn("provider initialization failed, not registered", "provider", spec.ID, "error", err)
			continue
		}

		registry.Register(adapter)
		desc := adapter.Descriptor()
		ledger.RegisterProvider(desc.ID, quota.Limits{
			DailyTokens:   desc.DailyTokenLimit,
			MonthlyTokens: desc.MonthlyTokenLimit,
		})
		slog.Info("registered provider", "provider", desc.ID, "priority", desc.Priority, "enabled", desc.Enabled)
	}

	if len(registry.IDs()) == 0 {
		slog.Error("no providers registered")
		os.Exit(1)
	}

	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	}
	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(cfg.RedisURL))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(breakerCfg, breakerOpts...)

	recorder := history.NewRecorder(buildHistoryStore(ctx, cfg))

	engine := orchestrator.New(registry, ledger, breakers, recorder, orchestrator.Config{
		MaxAttempts:  cfg.MaxAttempts,
		AttemptDelay: cfg.AttemptDelay,
	})

	streams := stream.NewManager(engine, stream.Config{
		IdleTimeout:   cfg.StreamIdleTimeout,
		SweepInterval: cfg.StreamSweepInterval,
		EventBuffer:   cfg.StreamEventBuffer,
	})
	go streams.Run(ctx)

	go scheduler.New(ledger).Run(ctx)

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: engine,
		Streams:      streams,
		Registry:     registry,
		Ledger:       ledger,
		Alerter:      alerter,
		Breakers:     breakers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses stay open past any fixed ceiling
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func buildAdapter(ctx context.Context, spec config.ProviderSpec, store secrets.SecretStore, limiter ratelimit.RateLimiter, awsRegion string) (provider.Adapter, error) {
	desc := spec.Descriptor()

	apiKey, err := secrets.Resolve(ctx, store, spec.APIKeyRef)
	if err != nil {
		return nil, err
	}

	switch spec.ID {
	case "openai":
		return openai.New(desc, apiKey, spec.BaseURL, spec.Model, limiter), nil
	case "anthropic":
		return anthropic.New(desc, apiKey, spec.Model, limiter), nil
	case "bedrock":
		region := spec.Region
		if region == "" {
			region = awsRegion
		}
		return bedrock.New(ctx, desc, region, spec.Model, limiter)
	case "ollama":
		return ollama.New(desc, spec.BaseURL, spec.Model, limiter), nil
	default:
		slog.Warn("unknown provider id in providers file, skipping", "provider", spec.ID)
		return nil, nil
	}
}

func buildHistoryStore(ctx context.Context, cfg *config.Config) history.Store {
	if cfg.DatabaseURL != "" {
		db, err := history.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Warn("history database unavailable, falling back to in-memory", "error", err)
			return history.NewInMemoryStore()
		}
		slog.Info("using postgres history store")
		return history.NewPostgresStore(db)
	}

	if cfg.HistoryQueue != "" && cfg.AWSRegion != "" {
		store, err := history.NewSQSStore(ctx, cfg.AWSRegion, cfg.HistoryQueue)
		if err != nil {
			slog.Warn("history queue unavailable, falling back to in-memory", "error", err)
			return history.NewInMemoryStore()
		}
		slog.Info("using sqs history store", "queue", cfg.HistoryQueue)
		return store
	}

	return history.NewInMemoryStore()
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
