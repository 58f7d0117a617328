package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"smartnotify/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	// Stores. Redis and MongoDB are optional: when neither is configured the
	// service falls back to the embedded SQLite store (single-node mode).
	RedisURL   string
	MongoURI   string
	SQLitePath string

	// Model provider (OpenAI-compatible endpoint)
	ModelBaseURL      string
	ModelAPIKey       string
	ModelName         string
	EmbeddingModel    string
	ModelTimeout      time.Duration
	ModelRequestsPerS float64 // client-side throttle toward the provider

	// Decision pipeline tuning
	ReferenceTimezone     string // calendar day for rate-limit counters
	CacheTTLHours         float64
	StalenessMessageDelta int
	StalenessAgeHours     float64
	RecentMessageWindow   int
	SemanticResultLimit   int
	CacheSweepInterval    time.Duration
	EmbedBackfillInterval time.Duration

	// Per-feature daily quotas
	DailyLimits map[models.FeatureType]int

	// Heuristic rules file (YAML, hot-reloaded when it changes)
	RulesFile string

	// Service-to-service auth
	JWTSecret string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3002"),
		Environment: getEnv("ENVIRONMENT", "development"),

		RedisURL:   getEnv("REDIS_URL", ""),
		MongoURI:   getEnv("MONGODB_URI", ""),
		SQLitePath: getEnv("SQLITE_PATH", "smartnotify.db"),

		ModelBaseURL:      getEnv("MODEL_BASE_URL", "https://api.openai.com/v1"),
		ModelAPIKey:       getEnv("MODEL_API_KEY", ""),
		ModelName:         getEnv("MODEL_NAME", "gpt-4o-mini"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		ModelTimeout:      getDurationEnv("MODEL_TIMEOUT", 20*time.Second),
		ModelRequestsPerS: getFloatEnv("MODEL_REQUESTS_PER_SECOND", 5),

		ReferenceTimezone:     getEnv("REFERENCE_TIMEZONE", "UTC"),
		CacheTTLHours:         getFloatEnv("CACHE_TTL_HOURS", 24),
		StalenessMessageDelta: getIntEnv("STALENESS_MESSAGE_DELTA", 10),
		StalenessAgeHours:     getFloatEnv("STALENESS_AGE_HOURS", 24),
		RecentMessageWindow:   getIntEnv("RECENT_MESSAGE_WINDOW", 20),
		SemanticResultLimit:   getIntEnv("SEMANTIC_RESULT_LIMIT", 5),
		CacheSweepInterval:    getDurationEnv("CACHE_SWEEP_INTERVAL", 1*time.Hour),
		EmbedBackfillInterval: getDurationEnv("EMBED_BACKFILL_INTERVAL", 10*time.Minute),

		DailyLimits: map[models.FeatureType]int{
			models.FeatureNotificationDecision: getIntEnv("DAILY_LIMIT_NOTIFICATIONS", 100),
			models.FeatureSummary:              getIntEnv("DAILY_LIMIT_SUMMARIES", 20),
			models.FeatureActionItems:          getIntEnv("DAILY_LIMIT_ACTION_ITEMS", 20),
			models.FeatureSearch:               getIntEnv("DAILY_LIMIT_SEARCH", 50),
		},

		RulesFile: getEnv("HEURISTIC_RULES_FILE", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
	}
}

// ReferenceLocation resolves the configured reference timezone. Rate-limit
// days roll over at midnight in this location, regardless of user timezone
// (quiet hours honor the user's own timezone instead).
func (c *Config) ReferenceLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid REFERENCE_TIMEZONE %q: %w", c.ReferenceTimezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
