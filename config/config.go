// Package config loads the engine's global configuration from environment
// variables (via a local .env file read by godotenv in main).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var global *Config

// Config is the process-wide configuration, populated once at startup.
type Config struct {
	// Service
	APIServerPort int
	JWTSecret     string

	// Database
	DBType     string
	DBPath     string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Exchange credentials (bootstrap only; the operational copy lives
	// encrypted in store.ExchangeCredential once configured via the API)
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceTestnet   bool

	// Trading (spec.md §6 "Configuration: Trading")
	OrderType                     string // MARKET or LIMIT
	MaxSlippagePct                float64
	LimitOrderTimeoutSeconds      int
	LimitOrderAutoConvertToMarket bool
	MaxOrderAmount                float64 // 0 = unlimited
	Leverage                      int
	PositionPct                   float64
	TrailingExitPct               float64
	StopLossPct                   float64
	MaxConcurrentPositions        int // 0 = unlimited, see SPEC_FULL §5.4 RiskGuard

	// Scheduling ("Scheduling")
	ManualPlanCheckInterval        time.Duration
	ManualPlanPrecisionThreshold   time.Duration
	ManualPlanPrecisionMode        bool
	WebsocketSubscribeBeforeMinutes time.Duration

	// Market data ("Market data")
	PriceCacheTTL            time.Duration
	BalanceCacheTTL          time.Duration
	BinanceHTTPTimeout       time.Duration
	BinanceMaxRetries        int
	BinanceRetryBackoff      time.Duration
	BinanceRestFailThreshold int
	BinanceRestFailCooldown  time.Duration
	WebsocketPriceEnabled    bool

	// Alerting (optional, SPEC_FULL §3 domain stack)
	TelegramBotToken string
	TelegramChatID   string
}

// Init loads configuration from environment variables, applying the
// defaults in spec.md §6.
func Init() {
	cfg := &Config{
		APIServerPort: 8080,

		DBType:    "sqlite",
		DBPath:    "data/data.db",
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "ignition",
		DBSSLMode: "disable",

		OrderType:                       "MARKET",
		MaxSlippagePct:                  0.005,
		LimitOrderTimeoutSeconds:        2,
		LimitOrderAutoConvertToMarket:   true,
		MaxOrderAmount:                  0,
		Leverage:                        5,
		PositionPct:                     0.5,
		TrailingExitPct:                 0.10,
		StopLossPct:                     0.05,
		MaxConcurrentPositions:          0,

		ManualPlanCheckInterval:         300 * time.Millisecond,
		ManualPlanPrecisionThreshold:    60 * time.Second,
		ManualPlanPrecisionMode:         true,
		WebsocketSubscribeBeforeMinutes: 2 * time.Minute,

		PriceCacheTTL:            5 * time.Second,
		BalanceCacheTTL:          15 * time.Second,
		BinanceHTTPTimeout:       10 * time.Second,
		BinanceMaxRetries:        3,
		BinanceRetryBackoff:      500 * time.Millisecond,
		BinanceRestFailThreshold: 5,
		BinanceRestFailCooldown:  60 * time.Second,
		WebsocketPriceEnabled:    true,
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = strings.TrimSpace(v)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-jwt-secret-change-in-production"
	}

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		}
	}

	if v := os.Getenv("DB_TYPE"); v != "" {
		cfg.DBType = strings.ToLower(v)
	}
	setStr(&cfg.DBPath, "DB_PATH")
	setStr(&cfg.DBHost, "DB_HOST")
	setInt(&cfg.DBPort, "DB_PORT")
	setStr(&cfg.DBUser, "DB_USER")
	setStr(&cfg.DBPassword, "DB_PASSWORD")
	setStr(&cfg.DBName, "DB_NAME")
	setStr(&cfg.DBSSLMode, "DB_SSLMODE")

	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	setBool(&cfg.BinanceTestnet, "BINANCE_TESTNET")

	if v := os.Getenv("ORDER_TYPE"); v != "" {
		cfg.OrderType = strings.ToUpper(v)
	}
	setFloat(&cfg.MaxSlippagePct, "MAX_SLIPPAGE_PCT")
	setIntField := func(dst *int, key string) { setInt(dst, key) }
	setIntField(&cfg.LimitOrderTimeoutSeconds, "LIMIT_ORDER_TIMEOUT_SECONDS")
	setBool(&cfg.LimitOrderAutoConvertToMarket, "LIMIT_ORDER_AUTO_CONVERT_TO_MARKET")
	setFloat(&cfg.MaxOrderAmount, "MAX_ORDER_AMOUNT")
	setInt(&cfg.Leverage, "LEVERAGE")
	setFloat(&cfg.PositionPct, "POSITION_PCT")
	setFloat(&cfg.TrailingExitPct, "TRAILING_EXIT_PCT")
	setFloat(&cfg.StopLossPct, "STOP_LOSS_PCT")
	setInt(&cfg.MaxConcurrentPositions, "MAX_CONCURRENT_POSITIONS")

	setDurationMillis(&cfg.ManualPlanCheckInterval, "MANUAL_PLAN_CHECK_INTERVAL_MS", 300*time.Millisecond)
	setDurationSeconds(&cfg.ManualPlanPrecisionThreshold, "MANUAL_PLAN_PRECISION_THRESHOLD_SECONDS")
	setBool(&cfg.ManualPlanPrecisionMode, "MANUAL_PLAN_PRECISION_MODE")
	setDurationMinutes(&cfg.WebsocketSubscribeBeforeMinutes, "WEBSOCKET_SUBSCRIBE_BEFORE_MINUTES")

	setDurationSeconds(&cfg.PriceCacheTTL, "PRICE_CACHE_TTL_SECONDS")
	setDurationSeconds(&cfg.BalanceCacheTTL, "BALANCE_CACHE_TTL_SECONDS")
	setDurationSeconds(&cfg.BinanceHTTPTimeout, "BINANCE_HTTP_TIMEOUT_SECONDS")
	setInt(&cfg.BinanceMaxRetries, "BINANCE_MAX_RETRIES")
	setDurationMillis(&cfg.BinanceRetryBackoff, "BINANCE_RETRY_BACKOFF_MS", cfg.BinanceRetryBackoff)
	setInt(&cfg.BinanceRestFailThreshold, "BINANCE_REST_FAIL_THRESHOLD")
	setDurationSeconds(&cfg.BinanceRestFailCooldown, "BINANCE_REST_FAIL_COOLDOWN_SECONDS")
	setBool(&cfg.WebsocketPriceEnabled, "WEBSOCKET_PRICE_ENABLED")

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	// manual_plan_check_interval has a floor of 300ms per spec.md §4.E/§6.
	if cfg.ManualPlanCheckInterval < 300*time.Millisecond {
		cfg.ManualPlanCheckInterval = 300 * time.Millisecond
	}

	global = cfg
}

// Get returns the global configuration, initializing it on first use.
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func setDurationMillis(dst *time.Duration, key string, def time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
			return
		}
	}
	*dst = def
}

func setDurationSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setDurationMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}
