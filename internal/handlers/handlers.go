package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianpool/treasury/internal/chain"
	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/logging"
	"github.com/meridianpool/treasury/pkg/monitoring"
)

// Package-level dependencies, set once by Init before the router starts.
var (
	db       *sql.DB
	logger   logging.Logger
	metrics  *TreasuryMetrics
	store    *ledger.Store
	gate     *ledger.Gate
	engine   *ledger.Engine
	npClient *nowpayments.Client

	// verifiers by network name; empty when no RPC endpoint is configured.
	verifiers map[string]*chain.Verifier

	ipnSecret      string
	ipnCallbackURL string
	yieldCfg       ledger.YieldConfig
)

// TreasuryMetrics holds the service-specific Prometheus metrics.
type TreasuryMetrics struct {
	PaymentsCreated    *prometheus.CounterVec
	PaymentsCredited   *prometheus.CounterVec
	PaymentsRejected   *prometheus.CounterVec
	CommissionsGranted *prometheus.CounterVec
	SignatureFailures  *prometheus.CounterVec
	TokensSold         prometheus.Gauge
	DBQueries          *prometheus.CounterVec
	DBDuration         *prometheus.HistogramVec
	DBConnections      *prometheus.GaugeVec
}

// NewTreasuryMetrics registers the service metrics on the collector.
func NewTreasuryMetrics(mc *monitoring.MetricsCollector) *TreasuryMetrics {
	m := &TreasuryMetrics{
		PaymentsCreated:    mc.NewCounter("payments_created_total", "Payment intents created", []string{"network", "currency"}),
		PaymentsCredited:   mc.NewCounter("payments_credited_total", "Payments credited to the ledger", []string{"source"}),
		PaymentsRejected:   mc.NewCounter("payments_rejected_total", "Payments permanently rejected", []string{"reason"}),
		CommissionsGranted: mc.NewCounter("commissions_granted_total", "Referral commissions granted", []string{"level"}),
		SignatureFailures:  mc.NewCounter("webhook_signature_failures_total", "Webhook deliveries with bad signatures", []string{"provider"}),
		TokensSold:         mc.NewGauge("tokens_sold", "Total tokens sold", nil).WithLabelValues(),
	}
	m.DBQueries, m.DBDuration, m.DBConnections = mc.CreateDatabaseMetrics()
	return m
}

// Deps bundles everything the handlers need.
type Deps struct {
	DB       *sql.DB
	Logger   logging.Logger
	Metrics  *TreasuryMetrics
	Store    *ledger.Store
	Gate     *ledger.Gate
	Engine   *ledger.Engine
	Provider *nowpayments.Client

	Verifiers map[string]*chain.Verifier

	IPNSecret      string
	IPNCallbackURL string
	Yield          ledger.YieldConfig
}

// Init wires the package globals. Call once at startup.
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	metrics = deps.Metrics
	store = deps.Store
	gate = deps.Gate
	engine = deps.Engine
	npClient = deps.Provider
	verifiers = deps.Verifiers
	ipnSecret = deps.IPNSecret
	ipnCallbackURL = deps.IPNCallbackURL
	yieldCfg = deps.Yield
}
