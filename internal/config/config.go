package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLM       LLMConfig
	Billing   BillingConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	PricingFile  string
	AdminUserIDs []string
}

// LLMConfig points at an OpenAI-compatible streaming completion endpoint.
type LLMConfig struct {
	BaseURL       string
	APIKey        string
	StreamTimeout time.Duration
	Temperature   float64
	MaxTokens     int
	SystemPrompt  string
}

type BillingConfig struct {
	// ReconcileOverdraft lets a post-stream charge overdraw when the strict decrement fails.
	ReconcileOverdraft bool
	LockTTL            time.Duration
	LockWait           time.Duration
	HistoryLimit       int
}

// RateLimitConfig bounds chat turns per user. Needs Redis.
type RateLimitConfig struct {
	ChatRate  float64
	ChatBurst int
}

type SchedulerConfig struct {
	Enabled       bool
	RunInterval   time.Duration
	BatchSize     int
	ExpireElapsed bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creditmeter"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditmeter"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		LLM: LLMConfig{
			BaseURL:       strings.TrimSpace(getenv("LLM_BASE_URL", "https://api.openai.com/v1")),
			APIKey:        strings.TrimSpace(getenv("LLM_API_KEY", "")),
			StreamTimeout: getenvDuration("LLM_STREAM_TIMEOUT", 120*time.Second),
			Temperature:   getenvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:     getenvInt("LLM_MAX_TOKENS", 2048),
			SystemPrompt:  getenv("LLM_SYSTEM_PROMPT", "You are an assistant that helps analyse app store reviews."),
		},
		Billing: BillingConfig{
			ReconcileOverdraft: getenvBool("BILLING_RECONCILE_OVERDRAFT", false),
			LockTTL:            getenvDuration("BILLING_LOCK_TTL", 10*time.Second),
			LockWait:           getenvDuration("BILLING_LOCK_WAIT", 2*time.Second),
			HistoryLimit:       getenvInt("CHAT_HISTORY_LIMIT", 20),
		},
		RateLimit: RateLimitConfig{
			ChatRate:  getenvFloat("RATE_LIMIT_CHAT_RATE", 0.5),
			ChatBurst: getenvInt("RATE_LIMIT_CHAT_BURST", 5),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getenvBool("SCHEDULER_ENABLED", true),
			RunInterval:   getenvDuration("SCHEDULER_INTERVAL", 10*time.Minute),
			BatchSize:     getenvInt("SCHEDULER_BATCH_SIZE", 100),
			ExpireElapsed: getenvBool("SUBSCRIPTION_EXPIRE_ELAPSED", false),
		},
		PricingFile:  strings.TrimSpace(getenv("PRICING_FILE", "")),
		AdminUserIDs: parseList(getenv("ADMIN_USER_IDS", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
