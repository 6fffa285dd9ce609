package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

const (
	dbPoolStatsIntervalDefaultMS = 15000
	dbPoolStatsIntervalMinMS     = 1000
	dbPoolStatsIntervalMaxMS     = 300000

	defaultUpdateCron      = "0 */12 * * *"
	defaultTournamentStart = "2025-12-05"
	defaultValuationURL    = "https://clob.polymarket.com"
)

type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Valuation ValuationConfig
	Retry     RetryConfig
	Refresh   RefreshConfig
	Flags     FlagConfig
	Server    ServerConfig
	RateLimit RateLimitConfig
	Alert     AlertConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type DBConfig struct {
	URL                 string
	MaxOpenConns        int
	MaxIdleConns        int
	ConnMaxLifetime     time.Duration
	PoolStatsIntervalMS int
	MigrateOnStart      bool
}

// RedisConfig is optional. An empty URL keeps refresh single-flight
// in-process only.
type RedisConfig struct {
	URL      string
	LeaseTTL time.Duration
}

type LedgerConfig struct {
	RPCURL           string
	RPS              float64
	Burst            int
	Timeout          time.Duration
	TokenAddress     string
	TokenDecimals    int32
	StartBlock       int64
	BlockLookupPause time.Duration
}

type ValuationConfig struct {
	APIURL           string
	APIKey           string
	Timeout          time.Duration
	MaxAttempts      int
	FailureThreshold int
	OpenTimeout      time.Duration
}

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

type RefreshConfig struct {
	BatchSize          int
	BatchPause         time.Duration
	Concurrency        int
	ParticipantTimeout time.Duration
	Cron               string
	RunOnStart         bool
}

type FlagConfig struct {
	TournamentStart      time.Time
	LowDepositThreshold  decimal.Decimal
	HighDepositThreshold decimal.Decimal
}

type ServerConfig struct {
	Port       int
	HealthPort int
	AdminKey   string
}

// RateLimitConfig bounds requests per client IP. Public covers the
// leaderboard read, Admin covers every /admin route.
type RateLimitConfig struct {
	PublicRPS      float64
	PublicBurst    int
	AdminPerMinute float64
	AdminBurst     int
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type LogConfig struct {
	Level string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first without overriding variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DB: DBConfig{
			URL:                 getEnv("DATABASE_URL", ""),
			MaxOpenConns:        getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:        getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:     time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			PoolStatsIntervalMS: getEnvInt("DB_POOL_STATS_INTERVAL_MS", dbPoolStatsIntervalDefaultMS),
			MigrateOnStart:      getEnvBool("MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			LeaseTTL: time.Duration(getEnvInt("REFRESH_LEASE_TTL_MIN", 60)) * time.Minute,
		},
		Ledger: LedgerConfig{
			RPCURL:           getEnv("RPC_URL", ""),
			RPS:              getEnvFloat("RPC_RPS", 10),
			Burst:            getEnvInt("RPC_BURST", 5),
			Timeout:          time.Duration(getEnvInt("RPC_TIMEOUT_SEC", 30)) * time.Second,
			TokenAddress:     getEnv("USDC_TOKEN_ADDRESS", ""),
			TokenDecimals:    int32(getEnvInt("TOKEN_DECIMALS", 6)),
			StartBlock:       getEnvInt64("START_BLOCK", 0),
			BlockLookupPause: time.Duration(getEnvInt("BLOCK_LOOKUP_PAUSE_MS", 100)) * time.Millisecond,
		},
		Valuation: ValuationConfig{
			APIURL:           getEnv("POLYMARKET_API_URL", defaultValuationURL),
			APIKey:           getEnv("POLYMARKET_API_KEY", ""),
			Timeout:          time.Duration(getEnvInt("VALUATION_TIMEOUT_SEC", 30)) * time.Second,
			MaxAttempts:      getEnvInt("VALUATION_RETRY_MAX_ATTEMPTS", 2),
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			OpenTimeout:      time.Duration(getEnvInt("BREAKER_OPEN_TIMEOUT_SEC", 30)) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:  getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: time.Duration(getEnvInt("RETRY_INITIAL_DELAY_MS", 1000)) * time.Millisecond,
		},
		Refresh: RefreshConfig{
			BatchSize:          getEnvInt("BATCH_SIZE", 25),
			BatchPause:         time.Duration(getEnvInt("BATCH_PAUSE_MS", 2000)) * time.Millisecond,
			Concurrency:        getEnvInt("PARTICIPANT_CONCURRENCY", 1),
			ParticipantTimeout: time.Duration(getEnvInt("PARTICIPANT_TIMEOUT_SEC", 300)) * time.Second,
			Cron:               getEnv("UPDATE_CRON", defaultUpdateCron),
			RunOnStart:         getEnvBool("REFRESH_ON_START", false),
		},
		Server: ServerConfig{
			Port:       getEnvInt("PORT", 4000),
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
			AdminKey:   getEnv("ADMIN_KEY", ""),
		},
		RateLimit: RateLimitConfig{
			PublicRPS:      getEnvFloat("RATE_LIMIT_PUBLIC_RPS", 5),
			PublicBurst:    getEnvInt("RATE_LIMIT_PUBLIC_BURST", 20),
			AdminPerMinute: getEnvFloat("RATE_LIMIT_ADMIN_PER_MIN", 10),
			AdminBurst:     getEnvInt("RATE_LIMIT_ADMIN_BURST", 3),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 1800)) * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
		},
	}

	var err error
	if cfg.Flags.TournamentStart, err = time.Parse(time.DateOnly, getEnv("TOURNAMENT_START", defaultTournamentStart)); err != nil {
		return nil, fmt.Errorf("TOURNAMENT_START must be YYYY-MM-DD: %w", err)
	}
	if cfg.Flags.LowDepositThreshold, err = decimal.NewFromString(getEnv("LOW_DEPOSIT_THRESHOLD", "90")); err != nil {
		return nil, fmt.Errorf("LOW_DEPOSIT_THRESHOLD must be a number: %w", err)
	}
	if cfg.Flags.HighDepositThreshold, err = decimal.NewFromString(getEnv("HIGH_DEPOSIT_THRESHOLD", "110")); err != nil {
		return nil, fmt.Errorf("HIGH_DEPOSIT_THRESHOLD must be a number: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DB.PoolStatsIntervalMS < dbPoolStatsIntervalMinMS || c.DB.PoolStatsIntervalMS > dbPoolStatsIntervalMaxMS {
		return fmt.Errorf("DB_POOL_STATS_INTERVAL_MS must be between %d and %d", dbPoolStatsIntervalMinMS, dbPoolStatsIntervalMaxMS)
	}
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.Ledger.TokenAddress == "" {
		return fmt.Errorf("USDC_TOKEN_ADDRESS is required")
	}
	if !common.IsHexAddress(c.Ledger.TokenAddress) {
		return fmt.Errorf("USDC_TOKEN_ADDRESS %q is not a hex address", c.Ledger.TokenAddress)
	}
	if c.Ledger.TokenDecimals <= 0 {
		return fmt.Errorf("TOKEN_DECIMALS must be positive")
	}
	if c.Ledger.StartBlock < 0 {
		return fmt.Errorf("START_BLOCK must not be negative")
	}
	if c.Valuation.APIURL == "" {
		return fmt.Errorf("POLYMARKET_API_URL is required")
	}
	if _, err := url.ParseRequestURI(c.Valuation.APIURL); err != nil {
		return fmt.Errorf("POLYMARKET_API_URL is not a URL: %w", err)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Valuation.MaxAttempts <= 0 {
		return fmt.Errorf("VALUATION_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Refresh.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}
	if c.Refresh.Concurrency <= 0 {
		return fmt.Errorf("PARTICIPANT_CONCURRENCY must be positive")
	}
	if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
		return fmt.Errorf("UPDATE_CRON %q is invalid: %w", c.Refresh.Cron, err)
	}
	if c.RateLimit.PublicRPS <= 0 || c.RateLimit.PublicBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PUBLIC_RPS and RATE_LIMIT_PUBLIC_BURST must be positive")
	}
	if c.RateLimit.AdminPerMinute <= 0 || c.RateLimit.AdminBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_ADMIN_PER_MIN and RATE_LIMIT_ADMIN_BURST must be positive")
	}
	if !c.Flags.LowDepositThreshold.LessThan(c.Flags.HighDepositThreshold) {
		return fmt.Errorf("LOW_DEPOSIT_THRESHOLD must be below HIGH_DEPOSIT_THRESHOLD")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Redacted returns a copy safe to log: secrets are masked and the database
// password is stripped.
func (c Config) Redacted() Config {
	c.DB.URL = redactURL(c.DB.URL)
	c.Redis.URL = redactURL(c.Redis.URL)
	c.Valuation.APIKey = mask(c.Valuation.APIKey)
	c.Server.AdminKey = mask(c.Server.AdminKey)
	c.Alert.SlackWebhookURL = mask(c.Alert.SlackWebhookURL)
	c.Alert.WebhookURL = mask(c.Alert.WebhookURL)
	return c
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
