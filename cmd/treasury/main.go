package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/meridianpool/treasury/internal/chain"
	"github.com/meridianpool/treasury/internal/handlers"
	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/config"
	"github.com/meridianpool/treasury/pkg/database"
	"github.com/meridianpool/treasury/pkg/logging"
	"github.com/meridianpool/treasury/pkg/monitoring"
	"github.com/meridianpool/treasury/pkg/server"
	"github.com/meridianpool/treasury/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("treasury")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Treasury (Presale Payments API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	npAPIKey := config.RequireEnv("NOWPAYMENTS_API_KEY")
	ipnSecret := config.RequireEnv("NOWPAYMENTS_IPN_SECRET")
	receivingAddress := config.RequireEnv("RECEIVING_ADDRESS")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("treasury", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("treasury", version.Version, version.GitCommit)

	rpcEndpoints := make(map[string]string)
	for name, network := range chain.Networks {
		rpcEndpoints[name] = network.RPCEndpoint()
	}

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":           dbURL,
		"JWT_SECRET":             jwtSecret,
		"NOWPAYMENTS_API_KEY":    npAPIKey,
		"NOWPAYMENTS_IPN_SECRET": ipnSecret,
		"RECEIVING_ADDRESS":      receivingAddress,
	}))
	healthChecker.AddCheck("rpc_endpoints", monitoring.RPCEndpointHealthCheck(rpcEndpoints))

	// Reconciliation policy from environment
	yieldCfg := ledger.YieldConfig{
		HourlyRate:    config.GetEnvFloat("YIELD_HOURLY_RATE", 0.00025),
		MonthlyCapPct: config.GetEnvFloat("YIELD_MONTHLY_CAP_PCT", 0.075),
	}
	gateCfg := ledger.GateConfig{
		VariancePct:           config.GetEnvFloat("AMOUNT_VARIANCE_PCT", 0.05),
		RequiredConfirmations: int64(config.GetEnvInt("REQUIRED_CONFIRMATIONS", 3)),
		ReceivingAddress:      receivingAddress,
		AcceptedCurrencies:    chain.AcceptedCurrencies(),
	}

	// Core components
	store := ledger.NewStore(db, logger)
	gate := ledger.NewGate(gateCfg, logger)
	notifier := ledger.NewNotifier(
		ledger.NewPostgresSink(db),
		ledger.NewDeduper(time.Duration(config.GetEnvInt("NOTIFY_DEDUP_SECONDS", 300))*time.Second),
		logger,
	)
	engine := ledger.NewEngine(db, ledger.EngineConfig{
		Yield:           yieldCfg,
		CommissionRates: parseCommissionRates(config.GetEnv("COMMISSION_RATES", "0.05,0.02,0.01"), logger),
	}, notifier, logger)
	npClient := nowpayments.NewClient(npAPIKey, logger)

	// One verifier per network with a configured RPC endpoint
	verifiers := make(map[string]*chain.Verifier)
	for _, network := range chain.EnabledNetworks() {
		client := chain.NewRPCClient(network.RPCEndpoint(), logger)
		verifiers[network.Name] = chain.NewVerifier(client, network, logger)
		logger.WithField("network", network.Name).Info("On-chain verification enabled")
	}

	handlers.Init(handlers.Deps{
		DB:             db,
		Logger:         logger,
		Metrics:        handlers.NewTreasuryMetrics(metricsCollector),
		Store:          store,
		Gate:           gate,
		Engine:         engine,
		Provider:       npClient,
		Verifiers:      verifiers,
		IPNSecret:      ipnSecret,
		IPNCallbackURL: config.GetEnv("IPN_CALLBACK_URL", ""),
		Yield:          yieldCfg,
	})

	// Background reconciliation
	poller := handlers.NewPaymentPoller(
		time.Duration(config.GetEnvInt("POLL_INTERVAL_SECONDS", 30))*time.Second,
		logger,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller.Start(ctx)
	defer poller.Stop()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "treasury", healthChecker, metricsCollector)
	handlers.RegisterRoutes(router, jwtSecret)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("treasury", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// parseCommissionRates reads the comma-separated referral rates. Falls
// back to the defaults on any malformed entry.
func parseCommissionRates(raw string, logger logging.Logger) []float64 {
	defaults := []float64{0.05, 0.02, 0.01}
	parts := strings.Split(raw, ",")
	rates := make([]float64, 0, len(parts))
	for _, part := range parts {
		rate, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || rate < 0 || rate >= 1 {
			logger.WithField("rates", raw).Warn("Invalid COMMISSION_RATES, using defaults")
			return defaults
		}
		rates = append(rates, rate)
	}
	if len(rates) == 0 {
		return defaults
	}
	return rates
}
