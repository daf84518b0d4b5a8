package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/logging"
)

func TestPollerReconcilesPendingProviderPayment(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"payment_id":     "5077125931",
			"payment_status": "confirming",
			"pay_currency":   "usdterc20",
			"actually_paid":  "0",
			"order_id":       "order-1",
		})
	}))
	defer provider.Close()
	npClient = nowpayments.NewClientWithBaseURL("test-key", provider.URL, logging.NewLogger())

	now := time.Now()
	mock.ExpectQuery("FROM treasury.payments").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "user_id", "payment_id", "tx_hash", "network", "pay_currency",
			"fiat_amount", "token_amount", "unit_price", "phase", "status", "pay_address",
			"raw_payload", "created_at", "updated_at", "confirmed_at",
		}).AddRow("id-1", "order-1", "user-1", "5077125931", nil, "ethereum", "usdterc20",
			100.0, 1000.0, 0.1, 1, ledger.StatusWaiting, "0xdead", nil, now, now, nil))

	// waiting -> confirming after the provider poll.
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Stale sweep at the end of the pass.
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	poller := NewPaymentPoller(time.Minute, logging.NewLogger())
	poller.runOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollerSkipsUnverifiableTxClaims(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	now := time.Now()
	// A tx-hash claim on a network with no RPC endpoint configured: the
	// poller leaves it alone instead of expiring it.
	mock.ExpectQuery("FROM treasury.payments").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "order_id", "user_id", "payment_id", "tx_hash", "network", "pay_currency",
			"fiat_amount", "token_amount", "unit_price", "phase", "status", "pay_address",
			"raw_payload", "created_at", "updated_at", "confirmed_at",
		}).AddRow("id-2", "order-2", "user-2", nil, "0xabc", "bsc", "usdtbsc",
			50.0, 500.0, 0.1, 1, ledger.StatusConfirming, "0xdead", nil, now, now, nil))
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	poller := NewPaymentPoller(time.Minute, logging.NewLogger())
	poller.runOnce(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPollerStop(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	// The initial pass runs immediately on Start.
	mock.ExpectQuery("FROM treasury.payments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnResult(sqlmock.NewResult(0, 0))

	poller := NewPaymentPoller(time.Hour, logging.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	poller.Stop()
}
