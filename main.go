package main

import (
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"ignition/api"
	"ignition/auth"
	"ignition/config"
	"ignition/crypto"
	"ignition/execution"
	"ignition/gateway"
	"ignition/logger"
	"ignition/monitor"
	"ignition/notify"
	"ignition/pricestream"
	"ignition/scheduler"
	"ignition/store"
)

func main() {
	_ = godotenv.Load()

	logger.Init(nil)
	logger.Info("ignition: listing-event execution engine starting")

	config.Init()
	cfg := config.Get()

	cryptoService, err := crypto.NewCryptoService()
	if err != nil {
		logger.Fatalf("initialize encryption service: %v", err)
	}
	crypto.SetGlobalCryptoService(cryptoService)

	if cfg.DBType == "sqlite" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Errorf("create data directory: %v", err)
			}
		}
	}

	dbType := store.DBTypeSQLite
	if cfg.DBType == "postgres" {
		dbType = store.DBTypePostgres
	}
	st, err := store.NewWithConfig(store.DBConfig{
		Type:     dbType,
		Path:     cfg.DBPath,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		logger.Fatalf("initialize database: %v", err)
	}
	defer st.Close()

	auth.SetJWTSecret(cfg.JWTSecret)

	apiKey, secretKey, testnet := resolveExchangeCredential(st, cfg)
	gw := gateway.New(apiKey, secretKey, gateway.Config{
		Testnet:         testnet,
		HTTPTimeout:     cfg.BinanceHTTPTimeout,
		MaxRetries:      cfg.BinanceMaxRetries,
		RetryBackoff:    cfg.BinanceRetryBackoff,
		FailThreshold:   cfg.BinanceRestFailThreshold,
		FailCooldown:    cfg.BinanceRestFailCooldown,
		PriceCacheTTL:   cfg.PriceCacheTTL,
		BalanceCacheTTL: cfg.BalanceCacheTTL,
	})

	var hub *pricestream.Hub
	if cfg.WebsocketPriceEnabled {
		hub = pricestream.NewHub()
	}

	notifier := notify.New(cfg.TelegramBotToken, cfg.TelegramChatID)

	engine := execution.New(gw, st.Position(), st.ExecutionLog(), hub, execution.Settings{
		OrderType:                     cfg.OrderType,
		MaxOrderAmount:                decimal.NewFromFloat(cfg.MaxOrderAmount),
		MaxSlippagePct:                cfg.MaxSlippagePct,
		LimitOrderTimeoutSeconds:      cfg.LimitOrderTimeoutSeconds,
		LimitOrderAutoConvertToMarket: cfg.LimitOrderAutoConvertToMarket,
		MaxConcurrentPositions:        cfg.MaxConcurrentPositions,
	})

	mon := monitor.New(gw, st.Position(), st.ExecutionLog(), hub, monitor.RiskDefaults{
		StopLossPct:     cfg.StopLossPct,
		TrailingExitPct: cfg.TrailingExitPct,
		MaxSlippagePct:  cfg.MaxSlippagePct,
	}).WithNotifier(notifier)

	sched := scheduler.New(st.Plan(), st.Position(), engine, mon, hub, scheduler.Settings{
		ManualPlanCheckInterval:         cfg.ManualPlanCheckInterval,
		ManualPlanPrecisionThreshold:    cfg.ManualPlanPrecisionThreshold,
		ManualPlanPrecisionMode:         cfg.ManualPlanPrecisionMode,
		WebsocketSubscribeBeforeMinutes: cfg.WebsocketSubscribeBeforeMinutes,
		WebsocketPriceEnabled:           cfg.WebsocketPriceEnabled,
	}).WithNotifier(notifier)

	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(st, gw, cfg.APIServerPort)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("api server: %v", err)
		}
	}()

	logger.Info("ignition: engine running, waiting for manual plans")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("ignition: shutdown signal received")
	_ = srv.Stop()
}

// resolveExchangeCredential prefers the operator-configured credential in
// the store (set via the dashboard's PUT /exchange); falling back to the
// bootstrap values from the environment lets the engine start against a
// fresh database before the operator has used the dashboard at all.
func resolveExchangeCredential(st *store.Store, cfg *config.Config) (apiKey, secretKey string, testnet bool) {
	cred, err := st.Exchange().Get()
	if err != nil {
		logger.Warnf("read exchange credential: %v", err)
	}
	if cred != nil {
		return string(cred.APIKey), string(cred.SecretKey), cred.Testnet
	}
	return cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet
}
