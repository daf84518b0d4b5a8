package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	"github.com/meridianpool/treasury/internal/ledger"
)

func postOnchain(t *testing.T, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	router := gin.New()
	router.POST("/payments/onchain", func(c *gin.Context) {
		c.Set("user_id", userID)
		SubmitTransactionHash(c)
	})

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/payments/onchain", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNormalizeTxHash(t *testing.T) {
	valid := "0xABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	hash, ok := normalizeTxHash("  " + valid + " ")
	if !ok {
		t.Fatal("valid hash rejected")
	}
	if hash != "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789" {
		t.Errorf("hash not lowercased: %s", hash)
	}

	for _, bad := range []string{
		"",
		"0x123",
		"abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789ab",
		"0xzzzdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	} {
		if _, ok := normalizeTxHash(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestSubmitTxHashMalformed(t *testing.T) {
	_, _, done := setupHandlers(t)
	defer done()

	w := postOnchain(t, "user-1", gin.H{"order_id": "order-1", "tx_hash": "nonsense"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed hash, got %d", w.Code)
	}
}

func TestSubmitTxHashWrongOwner(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusWaiting)

	w := postOnchain(t, "someone-else", gin.H{
		"order_id": "order-1",
		"tx_hash":  "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign order, got %d", w.Code)
	}
}

func TestSubmitTxHashAlreadyClaimed(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusWaiting)
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_tx_hash_key"})

	w := postOnchain(t, "user-1", gin.H{
		"order_id": "order-1",
		"tx_hash":  "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for claimed hash, got %d", w.Code)
	}
}

func TestSubmitTxHashTerminalOrder(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	expectGetPayment(mock, ledger.StatusConfirmed)

	w := postOnchain(t, "user-1", gin.H{
		"order_id": "order-1",
		"tx_hash":  "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for settled order, got %d", w.Code)
	}
}

func TestSubmitTxHashNoVerifierDefersToPoller(t *testing.T) {
	mock, _, done := setupHandlers(t)
	defer done()

	// No verifiers configured in setupHandlers: the claim is recorded
	// and verification waits for the poller.
	expectGetPayment(mock, ledger.StatusWaiting)
	mock.ExpectExec("UPDATE treasury.payments").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postOnchain(t, "user-1", gin.H{
		"order_id": "order-1",
		"tx_hash":  "0xabcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 without RPC verifier, got %d: %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
