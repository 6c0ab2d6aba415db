// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// StoreConfig provides shared state store settings.
type StoreConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetStorePrefix() string
}

// SchedulerConfig provides settings for the deferred action scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetDeferredTagDelay() time.Duration
	GetSchedulerMetricsAddr() string
}

// DatabaseConfig provides database connection settings for the audit mirror.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for the admin middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSOrigins() []string
}

// WebhookConfig provides settings for inbound event intake.
type WebhookConfig interface {
	GetWebhookSecret() string
}

// CRMConfig provides settings for the CRM collaborator.
type CRMConfig interface {
	GetCRMBaseURL() string
	GetCRMAPIKey() string
	GetCRMRatePerSecond() float64
	GetExternalTimeout() time.Duration
}

// LLMConfig provides settings for the language-generation collaborator.
type LLMConfig interface {
	GetGeminiAPIKey() string
	GetGeminiModel() string
	GetExternalTimeout() time.Duration
	IsLLMEnabled() bool
}

// CoordinationConfig provides lock and handoff tuning.
type CoordinationConfig interface {
	GetLockTTL() time.Duration
	GetLockMaxWait() time.Duration
	GetHandoffSemanticEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                    string
	HTTPAddr               string
	CORSOrigins            []string
	RedisURL               string
	RedisTLSInsecure       bool
	StorePrefix            string
	AsynqQueueName         string
	AsynqConcurrency       int
	DeferredTagDelay       time.Duration
	SchedulerMetricsAddr   string
	DatabaseURL            string
	JWTAccessSecret        string
	WebhookSecret          string
	CRMBaseURL             string
	CRMAPIKey              string
	CRMRatePerSecond       float64
	GeminiAPIKey           string
	GeminiModel            string
	ExternalTimeout        time.Duration
	LockTTL                time.Duration
	LockMaxWait            time.Duration
	HandoffSemanticEnabled bool
}

// =============================================================================
// Interface Implementations
// =============================================================================

// StoreConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetStorePrefix() string    { return c.StorePrefix }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string          { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int           { return c.AsynqConcurrency }
func (c *Config) GetDeferredTagDelay() time.Duration { return c.DeferredTagDelay }
func (c *Config) GetSchedulerMetricsAddr() string    { return c.SchedulerMetricsAddr }

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string     { return c.DatabaseURL }
func (c *Config) IsAuditMirrorEnabled() bool { return c.DatabaseURL != "" }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// WebhookConfig implementation
func (c *Config) GetWebhookSecret() string { return c.WebhookSecret }

// CRMConfig implementation
func (c *Config) GetCRMBaseURL() string             { return c.CRMBaseURL }
func (c *Config) GetCRMAPIKey() string              { return c.CRMAPIKey }
func (c *Config) GetCRMRatePerSecond() float64      { return c.CRMRatePerSecond }
func (c *Config) GetExternalTimeout() time.Duration { return c.ExternalTimeout }

// LLMConfig implementation
func (c *Config) GetGeminiAPIKey() string { return c.GeminiAPIKey }
func (c *Config) GetGeminiModel() string  { return c.GeminiModel }
func (c *Config) IsLLMEnabled() bool      { return c.GeminiAPIKey != "" }

// CoordinationConfig implementation
func (c *Config) GetLockTTL() time.Duration       { return c.LockTTL }
func (c *Config) GetLockMaxWait() time.Duration   { return c.LockMaxWait }
func (c *Config) GetHandoffSemanticEnabled() bool { return c.HandoffSemanticEnabled }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                    getEnv("APP_ENV", "development"),
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:            splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200")),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisTLSInsecure:       strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		StorePrefix:            getEnv("STORE_PREFIX", "leadrouter"),
		AsynqQueueName:         getEnv("ASYNQ_QUEUE", "deferred"),
		AsynqConcurrency:       mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		DeferredTagDelay:       mustDuration(getEnv("DEFERRED_TAG_DELAY", "5s")),
		SchedulerMetricsAddr:   getEnv("SCHEDULER_METRICS_ADDR", ":9091"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		JWTAccessSecret:        getEnv("JWT_ACCESS_SECRET", ""),
		WebhookSecret:          getEnv("WEBHOOK_SECRET", ""),
		CRMBaseURL:             getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:              getEnv("CRM_API_KEY", ""),
		CRMRatePerSecond:       mustFloat(getEnv("CRM_RATE_PER_SECOND", "8")),
		GeminiAPIKey:           getEnv("GEMINI_API_KEY", ""),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		ExternalTimeout:        mustDuration(getEnv("EXTERNAL_TIMEOUT", "10s")),
		LockTTL:                mustDuration(getEnv("LOCK_TTL", "30s")),
		LockMaxWait:            mustDuration(getEnv("LOCK_MAX_WAIT", "10s")),
		HandoffSemanticEnabled: strings.EqualFold(getEnv("HANDOFF_SEMANTIC_ENABLED", "false"), "true"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CRMBaseURL == "" {
		return fmt.Errorf("CRM_BASE_URL is required")
	}
	if c.WebhookSecret == "" && strings.EqualFold(c.Env, "production") {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}
	if c.RedisURL == "" && strings.EqualFold(c.Env, "production") {
		return fmt.Errorf("REDIS_URL is required in production")
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be a positive duration")
	}
	if c.LockTTL <= 0 || c.LockMaxWait <= 0 {
		return fmt.Errorf("LOCK_TTL and LOCK_MAX_WAIT must be positive durations")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}
