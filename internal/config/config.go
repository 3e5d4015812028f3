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
	NodeID       int64
	Currency     string

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

	Webhook   WebhookConfig
	Retry     RetryConfig
	Lifecycle LifecycleConfig
	Ledger    LedgerConfig
	Sweeper   SweeperConfig
	Carrier   CarrierConfig
}

// WebhookConfig controls inbound provider notification handling.
type WebhookConfig struct {
	Timeout          time.Duration
	CarrierSecret    string
	CarrierPublicURL string
	PaymentProvider  string
	PaymentSecret    string
	PaymentTolerance time.Duration
	// BootstrapEvents lists provider:kind pairs accepted without a signature.
	BootstrapEvents []string
}

type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

type LifecycleConfig struct {
	StaleThreshold      time.Duration
	BillPartialFailures bool
}

type LedgerConfig struct {
	// LowBalanceThresholdMinor is the balance, in minor units, at or below which a low balance signal is emitted.
	LowBalanceThresholdMinor int64
}

type SweeperConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

type CarrierConfig struct {
	APIBaseURL string
	AccountID  string
	AuthToken  string
	CallerID   string
	Timeout    time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "meterline"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE", 1),
		Currency:     strings.ToUpper(getenv("BILLING_CURRENCY", "EUR")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Webhook: WebhookConfig{
			Timeout:          getenvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			CarrierSecret:    strings.TrimSpace(getenv("CARRIER_WEBHOOK_SECRET", "")),
			CarrierPublicURL: strings.TrimRight(getenv("CARRIER_WEBHOOK_PUBLIC_URL", "http://localhost:8080"), "/"),
			PaymentProvider:  strings.ToLower(getenv("PAYMENT_PROVIDER", "processor")),
			PaymentSecret:    strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			PaymentTolerance: getenvDuration("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute),
			BootstrapEvents:  splitList(getenv("WEBHOOK_BOOTSTRAP_EVENTS", "carrier:call.setup")),
		},
		Retry: RetryConfig{
			MaxAttempts:     getenvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialInterval: getenvDuration("RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
			MaxElapsedTime:  getenvDuration("RETRY_MAX_ELAPSED", 5*time.Second),
		},
		Lifecycle: LifecycleConfig{
			StaleThreshold:      getenvDuration("RESOURCE_STALE_THRESHOLD", 2*time.Hour),
			BillPartialFailures: getenvBool("BILL_PARTIAL_FAILURES", false),
		},
		Ledger: LedgerConfig{
			LowBalanceThresholdMinor: getenvInt64("LOW_BALANCE_THRESHOLD_MINOR", 0),
		},
		Sweeper: SweeperConfig{
			Enabled:     getenvBool("SWEEPER_ENABLED", true),
			RunInterval: getenvDuration("SWEEPER_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SWEEPER_BATCH_SIZE", 100),
			JobTimeout:  getenvDuration("SWEEPER_JOB_TIMEOUT", 30*time.Second),
			LockTTL:     getenvDuration("SWEEPER_LOCK_TTL", 2*time.Minute),
		},
		Carrier: CarrierConfig{
			APIBaseURL: strings.TrimRight(getenv("CARRIER_API_BASE_URL", "http://localhost:9090"), "/"),
			AccountID:  strings.TrimSpace(getenv("CARRIER_ACCOUNT_ID", "")),
			AuthToken:  strings.TrimSpace(getenv("CARRIER_AUTH_TOKEN", "")),
			CallerID:   strings.TrimSpace(getenv("CARRIER_CALLER_ID", "")),
			Timeout:    getenvDuration("CARRIER_TIMEOUT", 5*time.Second),
		},
	}

	if cfg.Webhook.CarrierSecret == "" {
		cfg.Webhook.CarrierSecret = cfg.Carrier.AuthToken
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
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

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
