package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port           string
	Env            string
	LogLevel       string
	LogFormat      string
	RequestTimeout time.Duration

	// Stores
	RedisURL     string
	DatabaseURL  string
	StoreTimeout time.Duration

	// Trusted-origin mode
	RunAsInternal       bool
	CacheBypassInternal bool

	// Response cache
	EnableResponseCache bool
	CacheDefaultTTL     time.Duration

	// Rate limiting, requests per window; -1 means unlimited
	RateLimits         map[models.Tier]int
	RateLimitWindow    time.Duration
	RateLimitAllowlist []string

	// Primary gateway
	GatewayURL      string
	GatewayToken    string
	GatewayAPIKey   string
	GatewayChatPath string
	GatewayTimeout  time.Duration

	// Secondary provider
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAITimeout time.Duration

	// Performance monitor
	PerfSlowThreshold time.Duration

	// Auth: raw "key:tenant:tier" entries
	APIKeys []string

	// Collaborator service for the remaining /api routes
	BackendURL string

	// Tracing: "none" keeps spans in-process, "stdout" prints them
	TracingExporter string

	// Usage tracking
	UsageQueueSize      int
	UsageWorkers        int
	UsageCountCacheHits bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	defaultFormat := "json"
	if env == "development" {
		defaultFormat = "console"
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            env,
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", defaultFormat),
		RequestTimeout: getEnvSeconds("REQUEST_TIMEOUT_SEC", 60),

		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTimeout: time.Duration(getEnvInt("STORE_TIMEOUT_MS", 100)) * time.Millisecond,

		RunAsInternal:       getEnvBool("RUN_AS_INTERNAL", false),
		CacheBypassInternal: getEnvBool("CACHE_BYPASS_INTERNAL", false),

		EnableResponseCache: getEnvBool("ENABLE_RESPONSE_CACHE", true),
		CacheDefaultTTL:     getEnvSeconds("CACHE_DEFAULT_TTL", 60),

		RateLimits: map[models.Tier]int{
			models.TierFree:       getEnvInt("RATE_LIMIT_FREE", 100),
			models.TierPro:        getEnvInt("RATE_LIMIT_PRO", 1000),
			models.TierEnterprise: getEnvInt("RATE_LIMIT_ENTERPRISE", -1),
		},
		RateLimitWindow:    getEnvSeconds("RATE_LIMIT_WINDOW_SEC", 60),
		RateLimitAllowlist: getEnvList("RATE_LIMIT_ALLOWLIST"),

		GatewayURL:      strings.TrimRight(getEnv("GATEWAY_URL", ""), "/"),
		GatewayToken:    getEnv("GATEWAY_TOKEN", ""),
		GatewayAPIKey:   getEnv("API_KEY", ""),
		GatewayChatPath: getEnv("GATEWAY_CHAT_PATH", "/v1/chat/completions"),
		GatewayTimeout:  getEnvSeconds("GATEWAY_TIMEOUT_SEC", 15),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAITimeout: getEnvSeconds("OPENAI_TIMEOUT_SEC", 60),

		PerfSlowThreshold: time.Duration(getEnvFloat("PERF_SLOW_THRESHOLD_SEC", 1.0) * float64(time.Second)),

		APIKeys:    getEnvList("API_KEYS"),
		BackendURL: strings.TrimRight(getEnv("BACKEND_URL", ""), "/"),

		TracingExporter: strings.ToLower(getEnv("TRACING_EXPORTER", "none")),

		UsageQueueSize:      getEnvInt("USAGE_QUEUE_SIZE", 1024),
		UsageWorkers:        getEnvInt("USAGE_WORKERS", 2),
		UsageCountCacheHits: getEnvBool("USAGE_COUNT_CACHE_HITS", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted away.
func (c *Config) Validate() error {
	for tier, limit := range c.RateLimits {
		if limit < -1 || limit == 0 {
			return fmt.Errorf("rate limit for tier %s must be positive or -1, got %d", tier, limit)
		}
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SEC must be positive")
	}
	if c.CacheDefaultTTL <= 0 {
		return fmt.Errorf("CACHE_DEFAULT_TTL must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be positive")
	}
	if c.UsageQueueSize <= 0 || c.UsageWorkers <= 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE and USAGE_WORKERS must be positive")
	}

	switch c.TracingExporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be none or stdout, got %q", c.TracingExporter)
	}

	for name, raw := range map[string]string{
		"GATEWAY_URL":     c.GatewayURL,
		"BACKEND_URL":     c.BackendURL,
		"OPENAI_BASE_URL": c.OpenAIBaseURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid absolute URL: %q", name, raw)
		}
	}

	if _, err := c.StaticKeys(); err != nil {
		return err
	}

	return nil
}

// StaticKeys parses API_KEYS entries of the form key:tenant:tier.
func (c *Config) StaticKeys() ([]models.APIKey, error) {
	keys := make([]models.APIKey, 0, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid API_KEYS entry %q (want key:tenant:tier)", entry)
		}
		tier, err := models.ParseTier(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid API_KEYS entry %q: %w", entry, err)
		}
		keys = append(keys, models.APIKey{
			Key:      parts[0],
			TenantID: parts[1],
			Tier:     tier,
			IsActive: true,
		})
	}
	return keys, nil
}

// HasPrimary reports whether the primary gateway is configured.
func (c *Config) HasPrimary() bool {
	return c.GatewayURL != ""
}

// HasSecondary reports whether the direct OpenAI fallback is configured.
func (c *Config) HasSecondary() bool {
	return c.OpenAIAPIKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
