package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianpool/treasury/internal/chain"
	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/logging"
)

const testIPNSecret = "test-ipn-secret"

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (s *recordingSink) Push(_ context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// newTestMetrics builds unregistered collectors so tests can Init
// repeatedly without tripping duplicate registration.
func newTestMetrics() *TreasuryMetrics {
	counter := func(name string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labels)
	}
	return &TreasuryMetrics{
		PaymentsCreated:    counter("test_payments_created", "network", "currency"),
		PaymentsCredited:   counter("test_payments_credited", "source"),
		PaymentsRejected:   counter("test_payments_rejected", "reason"),
		CommissionsGranted: counter("test_commissions_granted", "level"),
		SignatureFailures:  counter("test_signature_failures", "provider"),
		TokensSold:         prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_tokens_sold"}),
		DBQueries:          counter("test_db_queries", "query_type", "status"),
		DBDuration:         prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_db_duration"}, []string{"query_type"}),
		DBConnections:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "test_db_connections"}, []string{"database"}),
	}
}

func setupHandlers(t *testing.T) (sqlmock.Sqlmock, *recordingSink, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	log := logging.NewLogger()
	sink := &recordingSink{}
	yield := ledger.YieldConfig{HourlyRate: 0.00025, MonthlyCapPct: 0.075}

	Init(Deps{
		DB:      mockDB,
		Logger:  log,
		Metrics: newTestMetrics(),
		Store:   ledger.NewStore(mockDB, log),
		Gate: ledger.NewGate(ledger.GateConfig{
			VariancePct:           0.05,
			RequiredConfirmations: 3,
			ReceivingAddress:      "0xaabbccddeeff00112233445566778899aabbccdd",
			AcceptedCurrencies:    chain.AcceptedCurrencies(),
		}, log),
		Engine: ledger.NewEngine(mockDB, ledger.EngineConfig{
			Yield:           yield,
			CommissionRates: []float64{0.05, 0.02, 0.01},
		}, ledger.NewNotifier(sink, nil, log), log),
		IPNSecret: testIPNSecret,
		Yield:     yield,
	})

	return mock, sink, func() { mockDB.Close() }
}

func postIPN(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/webhooks/nowpayments", HandleNowPaymentsIPN)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nowpayments", bytes.NewReader(body))
	if sign {
		sig, err := nowpayments.SignIPN(body, testIPNSecret)
		if err != nil {
			t.Fatalf("failed to sign body: %v", err)
		}
		req.Header.Set("x-nowpayments-sig", sig)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func ipnBody(t *testing.T, status string, actuallyPaid interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"payment_id":     5077125931,
		"payment_status": status,
		"pay_currency":   "usdterc20",
		"price_amount":   "100",
		"pay_amount":     "100",
		"actually_paid":  actuallyPaid,
		"order_id":       "order-1",
	})
	if err != nil {
		t.Fatalf("failed to marshal ipn body: %v", err)
	}
	return body
}

func expectGetPayment(mock sqlmock.Sqlmock, status string) {
	now := time.Now()
	mock.ExpectQuery("FROM treasury.payments WHERE order_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "user_id", "payment_id", "tx_hash", "network", "pay_currency",
			"fiat_amount", "token_amount", "unit_price", "phase", "status", "pay_address",
			"raw_payload", "created_at", "updated_at", "confirmed_at",
		}).AddRow("id-1", "order-1", "user-1", "5077125931", nil, "ethereum", "usdterc20",
			100.0, 1000.0, 0.1, 1, status, "0xdead", nil, now, now, nil))
}

func TestIPNRejectsBadSignature(t *testing.T) {
	_, _, done := setupHandlers(t)
	defer done()

	w := postIPN(t, ipnBody(t, "finished", "100"), false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing signature, got %d", w.Code)
	}

	// Valid JSON, wrong key.
	body := ipnBody(t, "finished", "100")
	router := gin.New()
	router.POST("/webhooks/nowpayments", HandleNowPaymentsIPN)
	sig, _ := nowpayments.SignIPN(body, "wrong-secret")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/nowpayments", bytes.NewReader(body))
	req.Header.Set("x-nowpayments-sig", sig)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", w.Code)
	}
}

func TestIPNUnknownOrderAcknowledged(t *testing.T) {
	mock, sink, done := setupHandlers(t)
	defer done()

	mock.ExpectQuery("FROM treasury.payments WHERE order_id").
		WillReturnError(sql.ErrNoRows)

	// 200 so the provider stops redelivering a callback we can never match.
	w := postIPN(t, ipnBody(t, "finished", "100"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown order, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ignored" {
		t.Errorf("expected status ignored, got %s", resp["status"])
	}
	if sink.count() != 0 {
		t.Errorf("unknown order must emit no events, got %d", sink.count())
	}
}

func TestIPNCreditsFinishedPayment(t *testing.T) {
	mock, sink, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusConfirming)

	// Credit transaction: no referrer, so no cascade.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, user_id, fiat_amount, token_amount, unit_price, phase, status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "fiat_amount", "token_amount", "unit_price", "phase", "status"}).
			AddRow("id-1", "user-1", 100.0, 1000.0, 0.1, 1, ledger.StatusConfirming))
	mock.ExpectQuery("SELECT referred_by, token_balance").
		WillReturnRows(sqlmock.NewRows([]string{"referred_by", "token_balance"}).AddRow(nil, 0.0))
	mock.ExpectExec("UPDATE treasury.accounts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO treasury.contributions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE treasury.sale_metrics").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE treasury.sale_phases").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE treasury.payments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := postIPN(t, ipnBody(t, "finished", "99.5"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp["status"] != ledger.StatusConfirmed {
		t.Errorf("expected status confirmed, got %s", resp["status"])
	}
	if sink.count() != 2 {
		t.Errorf("expected payment_verified and balance_added events, got %d", sink.count())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIPNDuplicateDeliveryIsNoOp(t *testing.T) {
	mock, sink, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusFinished)

	w := postIPN(t, ipnBody(t, "finished", "99.5"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate delivery, got %d", w.Code)
	}
	if sink.count() != 0 {
		t.Errorf("duplicate delivery must emit no events, got %d", sink.count())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIPNUnderpaymentRejected(t *testing.T) {
	mock, sink, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusConfirming)
	// Record moves to failed; no credit transaction runs.
	mock.ExpectExec("UPDATE treasury.payments").WillReturnResult(sqlmock.NewResult(0, 1))

	w := postIPN(t, ipnBody(t, "finished", "50"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 (permanent rejection, no redelivery), got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != ledger.StatusFailed {
		t.Errorf("expected status failed, got %s", resp["status"])
	}
	if sink.count() != 0 {
		t.Errorf("rejected payment must emit no events, got %d", sink.count())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestIPNWaitingAdvancesCreatedRecord(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusCreated)
	mock.ExpectExec("UPDATE treasury.payments").WillReturnResult(sqlmock.NewResult(0, 1))

	w := postIPN(t, ipnBody(t, "waiting", "0"), true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != ledger.StatusWaiting {
		t.Errorf("expected status waiting, got %s", resp["status"])
	}
}

func TestIPNMalformedBody(t *testing.T) {
	_, _, done := setupHandlers(t)
	defer done()

	body := []byte(`{"payment_status":"finished"}`)
	w := postIPN(t, body, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing order_id, got %d", w.Code)
	}
}
