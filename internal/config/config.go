package config

import (
	"os"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
)

type Config struct {
	Addr          string
	LogLevel      string
	ProvidersFile string
	RedisURL      string
	DatabaseURL   string
	AWSRegion     string
	SNSTopicARN   string
	HistoryQueue  string
	OTLPEndpoint  string
	DefaultTier   domain.PlanTier

	// Orchestration
	MaxAttempts  int
	AttemptDelay time.Duration

	// Circuit breaker
	BreakerFailureThreshold      int
	BreakerCooldown              time.Duration
	UseDistributedCircuitBreaker bool

	// Quota alerting
	AlertWarningPercent  float64
	AlertCriticalPercent float64
	AlertSuppression     time.Duration
	AlertHistorySize     int

	// Streaming sessions
	StreamIdleTimeout   time.Duration
	StreamSweepInterval time.Duration
	StreamEventBuffer   int

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getEnv("ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.yaml"),
		RedisURL:      getEnv("REDIS_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		AWSRegion:     getEnv("AWS_REGION", ""),
		SNSTopicARN:   getEnv("ALERTS_SNS_TOPIC_ARN", ""),
		HistoryQueue:  getEnv("HISTORY_QUEUE_URL", ""),
		OTLPEndpoint:  getEnv("OTLP_ENDPOINT", ""),
		DefaultTier:   domain.PlanTier(getEnv("DEFAULT_TIER", string(domain.TierFree))),

		MaxAttempts:  getIntEnv("DISPATCH_MAX_ATTEMPTS", 3),
		AttemptDelay: getDurationEnv("DISPATCH_ATTEMPT_DELAY", time.Second),

		BreakerFailureThreshold:      getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:              getDurationEnv("BREAKER_COOLDOWN", 60*time.Second),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",

		AlertWarningPercent:  getFloatEnv("ALERT_WARNING_PERCENT", 75),
		AlertCriticalPercent: getFloatEnv("ALERT_CRITICAL_PERCENT", 90),
		AlertSuppression:     getDurationEnv("ALERT_SUPPRESSION", 5*time.Minute),
		AlertHistorySize:     getIntEnv("ALERT_HISTORY_SIZE", 100),

		StreamIdleTimeout:   getDurationEnv("STREAM_IDLE_TIMEOUT", 5*time.Minute),
		StreamSweepInterval: getDurationEnv("STREAM_SWEEP_INTERVAL", 30*time.Second),
		StreamEventBuffer:   getIntEnv("STREAM_EVENT_BUFFER", 64),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:    getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

// TierQuotas returns the per-tier tenant ceilings.
func TierQuotas() map[domain.PlanTier]domain.TierQuota {
	return map[domain.PlanTier]domain.TierQuota{
		domain.TierFree: {
			DailyTokens:   10_000,
			MonthlyTokens: 100_000,
			DailyRequests: 100,
		},
		domain.TierPro: {
			DailyTokens:   200_000,
			MonthlyTokens: 2_000_000,
			DailyRequests: 5_000,
		},
		domain.TierEnterprise: {
			DailyTokens:   2_000_000,
			MonthlyTokens: 50_000_000,
			DailyRequests: 100_000,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
