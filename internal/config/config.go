package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCatalogDefaultsHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret string
	AdminAPIKey   string

	OTLPEndpoint string

	SnowflakeNode int64

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	EventBus  string
	Catalog   CatalogConfig
	Ledger    LedgerConfig
	Retention RetentionConfig
	RateLimit RateLimitConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CatalogConfig struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	DefaultsFile string
}

type LedgerConfig struct {
	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration
	TxTimeout  time.Duration
}

type RetentionConfig struct {
	Enabled   bool
	Days      int
	Interval  time.Duration
	BatchSize int
}

type RateLimitConfig struct {
	Enabled bool
	Rate    float64
	Burst   int
}

const (
	EventBusRedis  = "redis"
	EventBusMemory = "memory"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "entitlements"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AdminAPIKey:   strings.TrimSpace(getenv("ADMIN_API_KEY", "")),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4318"),
		SnowflakeNode: int64(getenvInt("SNOWFLAKE_NODE", 1)),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "entitlements"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "entitlements.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		EventBus: normalizeEventBus(getenv("EVENT_BUS", EventBusMemory)),
		Catalog: CatalogConfig{
			TTL:          getenvDuration("CATALOG_TTL", 5*time.Minute),
			FetchTimeout: getenvDuration("CATALOG_FETCH_TIMEOUT", 2*time.Second),
			DefaultsFile: strings.TrimSpace(getenv("CATALOG_DEFAULTS_FILE", "")),
		},
		Ledger: LedgerConfig{
			MaxRetries: getenvInt("LEDGER_MAX_RETRIES", 3),
			RetryBase:  getenvDuration("LEDGER_RETRY_BASE", 20*time.Millisecond),
			RetryMax:   getenvDuration("LEDGER_RETRY_MAX", 250*time.Millisecond),
			TxTimeout:  getenvDuration("LEDGER_TX_TIMEOUT", 5*time.Second),
		},
		Retention: RetentionConfig{
			Enabled:   getenvBool("USAGE_RETENTION_ENABLED", true),
			Days:      getenvInt("USAGE_RETENTION_DAYS", 90),
			Interval:  getenvDuration("USAGE_RETENTION_INTERVAL", time.Hour),
			BatchSize: getenvInt("USAGE_RETENTION_BATCH_SIZE", 500),
		},
		RateLimit: RateLimitConfig{
			Enabled: getenvBool("RATE_LIMIT_ENABLED", false),
			Rate:    getenvFloat("RATE_LIMIT_RATE", 5),
			Burst:   getenvInt("RATE_LIMIT_BURST", 20),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func normalizeEventBus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case EventBusRedis:
		return EventBusRedis
	default:
		return EventBusMemory
	}
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

// getenvDuration accepts Go duration strings ("5m") or plain seconds ("300").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
