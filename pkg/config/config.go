package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Store selects the ledger backend: postgres (default) or memory
	Store string

	Database DatabaseConfig
	Redis    RedisConfig

	// Exchanges
	BSE BSEConfig
	NSE NSEConfig

	Registry  RegistryConfig
	Payment   PaymentConfig
	Reconcile ReconcileConfig
	Notify    NotifyConfig

	// Policy file (review ceiling, payment retry limit)
	PolicyFile  string
	PolicyWatch bool

	// Logging
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Monitoring
	MetricsEnabled bool
	MetricsPort    string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// BSEConfig holds BSE StAR MF configuration
type BSEConfig struct {
	BaseURL    string
	MemberID   string
	UserID     string
	Password   string
	Timeout    time.Duration
	RatePerSec int
	Enabled    bool
}

// NSEConfig holds NSE NMF configuration
type NSEConfig struct {
	BaseURL     string
	MemberID    string
	LoginUserID string
	APISecret   string
	LicenseKey  string
	Timeout     time.Duration
	RatePerSec  int
	Enabled     bool
}

// RegistryConfig points at the client/holdings registry (UCC lookup)
type RegistryConfig struct {
	BaseURL  string
	CacheTTL time.Duration
}

// PaymentConfig holds payment gateway settings
type PaymentConfig struct {
	ReturnURL   string
	MaxFailures int
	// MaxOrderAmount is a hard ceiling applied at order validation (0 = none)
	MaxOrderAmount decimal.Decimal
}

// NotifyConfig holds the notification sink settings
type NotifyConfig struct {
	// WebhookURL receives terminal/user-visible notifications (empty = log only)
	WebhookURL  string
	Timeout     time.Duration
	Concurrency int
}

// ReconcileConfig holds poller intervals and staleness thresholds
type ReconcileConfig struct {
	ActiveInterval     time.Duration
	SettlementInterval time.Duration
	StaleActive        time.Duration
	StaleSettlement    time.Duration
	BatchSize          int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	LockTTL            time.Duration
	NotifyGrace        time.Duration
	AllotmentLookback  time.Duration
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port:  getEnv("PORT", "8089"),
		Env:   getEnv("ENV", "development"),
		Store: getEnv("STORE", "postgres"),

		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
		},

		BSE: BSEConfig{
			BaseURL:    getEnv("BSE_BASE_URL", "https://bsestarmfdemo.bseindia.com"),
			MemberID:   getEnv("BSE_MEMBER_ID", ""),
			UserID:     getEnv("BSE_USER_ID", ""),
			Password:   getEnv("BSE_PASSWORD", ""),
			Timeout:    getEnvAsDuration("BSE_TIMEOUT", "30s"),
			RatePerSec: getEnvAsInt("BSE_RATE_PER_SEC", 5),
			Enabled:    getEnvAsBool("BSE_ENABLED", true),
		},

		NSE: NSEConfig{
			BaseURL:     getEnv("NSE_BASE_URL", "https://nseinvestuat.nseindia.com"),
			MemberID:    getEnv("NSE_MEMBER_ID", ""),
			LoginUserID: getEnv("NSE_LOGIN_USER_ID", ""),
			APISecret:   getEnv("NSE_API_SECRET", ""),
			LicenseKey:  getEnv("NSE_LICENSE_KEY", ""),
			Timeout:     getEnvAsDuration("NSE_TIMEOUT", "30s"),
			RatePerSec:  getEnvAsInt("NSE_RATE_PER_SEC", 5),
			Enabled:     getEnvAsBool("NSE_ENABLED", true),
		},

		Registry: RegistryConfig{
			BaseURL:  getEnv("REGISTRY_BASE_URL", ""),
			CacheTTL: getEnvAsDuration("REGISTRY_CACHE_TTL", "10m"),
		},

		Payment: PaymentConfig{
			ReturnURL:      getEnv("PAYMENT_RETURN_URL", "http://localhost:8089/api/callbacks/payment"),
			MaxFailures:    getEnvAsInt("PAYMENT_MAX_FAILURES", 3),
			MaxOrderAmount: getEnvAsDecimal("MAX_ORDER_AMOUNT", "0"),
		},

		Reconcile: ReconcileConfig{
			ActiveInterval:     getEnvAsDuration("RECONCILE_ACTIVE_INTERVAL", "60s"),
			SettlementInterval: getEnvAsDuration("RECONCILE_SETTLEMENT_INTERVAL", "6h"),
			StaleActive:        getEnvAsDuration("STALE_ACTIVE", "2m"),
			StaleSettlement:    getEnvAsDuration("STALE_SETTLEMENT", "24h"),
			BatchSize:          getEnvAsInt("RECONCILE_BATCH", 100),
			BackoffInitial:     getEnvAsDuration("BACKOFF_INITIAL", "30s"),
			BackoffMax:         getEnvAsDuration("BACKOFF_MAX", "2h"),
			LockTTL:            getEnvAsDuration("RECONCILE_LOCK_TTL", "5m"),
			NotifyGrace:        getEnvAsDuration("NOTIFY_GRACE", "5m"),
			AllotmentLookback:  getEnvAsDuration("ALLOTMENT_LOOKBACK", "168h"),
		},

		Notify: NotifyConfig{
			WebhookURL:  getEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:     getEnvAsDuration("NOTIFY_TIMEOUT", "10s"),
			Concurrency: getEnvAsInt("NOTIFY_CONCURRENCY", 16),
		},

		PolicyFile:  getEnv("POLICY_FILE", ""),
		PolicyWatch: getEnvAsBool("POLICY_WATCH", false),

		LogLevel:      getEnv("LOG_LEVEL", "debug"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),

		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("STORE must be one of: postgres, memory")
	}

	// Database URL is required unless running on the in-memory ledger
	if c.Store == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	// 게이트웨이 호출은 10~30초 타임아웃
	for name, d := range map[string]time.Duration{"BSE_TIMEOUT": c.BSE.Timeout, "NSE_TIMEOUT": c.NSE.Timeout} {
		if d < 10*time.Second || d > 30*time.Second {
			return fmt.Errorf("%s must be between 10s and 30s, got %s", name, d)
		}
	}

	if c.Payment.MaxFailures < 1 {
		return fmt.Errorf("PAYMENT_MAX_FAILURES must be >= 1")
	}

	if c.Reconcile.BackoffMax < c.Reconcile.BackoffInitial {
		return fmt.Errorf("BACKOFF_MAX must be >= BACKOFF_INITIAL")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries ENV_FILE, then .env in the usual locations
func loadEnvFile() {
	if path := os.Getenv("ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}

	paths := []string{
		".env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	d, err := decimal.NewFromString(valueStr)
	if err != nil {
		d, _ = decimal.NewFromString(defaultValue)
	}

	return d
}
