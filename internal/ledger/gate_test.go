package ledger

import (
	"errors"
	"testing"

	"github.com/meridianpool/treasury/pkg/logging"
)

func testGate() *Gate {
	return NewGate(GateConfig{
		VariancePct:           0.05,
		RequiredConfirmations: 3,
		ReceivingAddress:      "0xAABBccddEEff00112233445566778899aabbCCdd",
		AcceptedCurrencies: map[string][]string{
			"ethereum": {"usdterc20", "usdt"},
			"bsc":      {"usdtbsc", "usdt"},
		},
	}, logging.NewLogger())
}

func pendingRecord(status string) *PaymentRecord {
	return &PaymentRecord{
		OrderID:    "order-1",
		UserID:     "user-1",
		Network:    "ethereum",
		FiatAmount: 100,
		Status:     status,
	}
}

func TestGateProviderCredit(t *testing.T) {
	gate := testGate()
	sig := PaymentSignal{PayCurrency: "usdterc20", SourceStatus: "finished", PaidAmount: 99.5}

	d := gate.Evaluate(pendingRecord(StatusConfirming), sig, nil)
	if d.Outcome != OutcomeCredit {
		t.Fatalf("expected credit, got %s (reason %v)", d.Outcome, d.Reason)
	}
	if d.PaidAmount != 99.5 {
		t.Errorf("expected paid amount 99.5, got %v", d.PaidAmount)
	}
}

func TestGateProviderVariance(t *testing.T) {
	gate := testGate()

	// 5% under expected is the boundary: still accepted.
	edge := PaymentSignal{PayCurrency: "usdt", SourceStatus: "confirmed", PaidAmount: 95}
	if d := gate.Evaluate(pendingRecord(StatusWaiting), edge, nil); d.Outcome != OutcomeCredit {
		t.Fatalf("expected boundary payment to credit, got %s", d.Outcome)
	}

	short := PaymentSignal{PayCurrency: "usdt", SourceStatus: "confirmed", PaidAmount: 90}
	d := gate.Evaluate(pendingRecord(StatusWaiting), short, nil)
	if d.Outcome != OutcomeReject {
		t.Fatalf("expected underpayment to be rejected, got %s", d.Outcome)
	}
	if !errors.Is(d.Reason, ErrAmountMismatch) {
		t.Errorf("expected ErrAmountMismatch, got %v", d.Reason)
	}
	if d.NextStatus != StatusFailed {
		t.Errorf("expected next status failed, got %s", d.NextStatus)
	}

	over := PaymentSignal{PayCurrency: "usdt", SourceStatus: "confirmed", PaidAmount: 110}
	if d := gate.Evaluate(pendingRecord(StatusWaiting), over, nil); d.Outcome != OutcomeReject {
		t.Fatalf("expected overpayment to be rejected, got %s", d.Outcome)
	}
}

func TestGateProviderCurrency(t *testing.T) {
	gate := testGate()
	sig := PaymentSignal{PayCurrency: "btc", SourceStatus: "finished", PaidAmount: 100}

	d := gate.Evaluate(pendingRecord(StatusWaiting), sig, nil)
	if d.Outcome != OutcomeReject || !errors.Is(d.Reason, ErrInvalidCurrency) {
		t.Fatalf("expected currency rejection, got %s (%v)", d.Outcome, d.Reason)
	}

	// Case-insensitive match.
	upper := PaymentSignal{PayCurrency: "USDTERC20", SourceStatus: "finished", PaidAmount: 100}
	if d := gate.Evaluate(pendingRecord(StatusWaiting), upper, nil); d.Outcome != OutcomeCredit {
		t.Fatalf("expected uppercase currency to be accepted, got %s", d.Outcome)
	}
}

func TestGateTerminalRecordsAreSticky(t *testing.T) {
	gate := testGate()
	sig := PaymentSignal{PayCurrency: "usdt", SourceStatus: "finished", PaidAmount: 100}

	for _, status := range []string{StatusFinished, StatusFailed, StatusExpired, StatusCancelled} {
		d := gate.Evaluate(pendingRecord(status), sig, nil)
		if d.Outcome != OutcomeAlreadyFinal {
			t.Errorf("status %s: expected already_final, got %s", status, d.Outcome)
		}
	}

	// A failure signal cannot resurrect or flip a credited record.
	failSig := PaymentSignal{PayCurrency: "usdt", SourceStatus: "failed"}
	if d := gate.Evaluate(pendingRecord(StatusConfirmed), failSig, nil); d.Outcome != OutcomeAlreadyFinal {
		t.Fatalf("expected failure signal on confirmed record to be dropped, got %s", d.Outcome)
	}

	// confirmed -> finished is the one legal terminal move.
	d := gate.Evaluate(pendingRecord(StatusConfirmed), sig, nil)
	if d.Outcome != OutcomeAdvance || d.NextStatus != StatusFinished {
		t.Fatalf("expected confirmed record to advance to finished, got %s -> %s", d.Outcome, d.NextStatus)
	}
}

func TestGateProviderLifecycleSignals(t *testing.T) {
	gate := testGate()

	d := gate.Evaluate(pendingRecord(StatusWaiting), PaymentSignal{PayCurrency: "usdt", SourceStatus: "confirming"}, nil)
	if d.Outcome != OutcomeAdvance || d.NextStatus != StatusConfirming {
		t.Fatalf("expected advance to confirming, got %s -> %s", d.Outcome, d.NextStatus)
	}

	d = gate.Evaluate(pendingRecord(StatusWaiting), PaymentSignal{PayCurrency: "usdt", SourceStatus: "expired"}, nil)
	if d.Outcome != OutcomeReject || d.NextStatus != StatusExpired {
		t.Fatalf("expected expiry, got %s -> %s", d.Outcome, d.NextStatus)
	}

	d = gate.Evaluate(pendingRecord(StatusConfirming), PaymentSignal{PayCurrency: "usdt", SourceStatus: "some_new_status"}, nil)
	if d.Outcome != OutcomeDefer {
		t.Fatalf("expected unknown status to defer, got %s", d.Outcome)
	}
}

func TestGateOnChain(t *testing.T) {
	gate := testGate()
	receiving := "0xaabbccddeeff00112233445566778899aabbccdd"
	sig := PaymentSignal{PayCurrency: "usdt"}

	// Below required depth: keep polling, not a failure.
	shallow := &OnChainEvidence{TxBlock: 100, CurrentBlock: 101, Transfers: []TokenTransfer{{To: receiving, Amount: 100}}}
	d := gate.Evaluate(pendingRecord(StatusConfirming), sig, shallow)
	if d.Outcome != OutcomeAdvance || !errors.Is(d.Reason, ErrInsufficientConfirmations) {
		t.Fatalf("expected confirmation deferral, got %s (%v)", d.Outcome, d.Reason)
	}

	// Exactly at depth: final.
	deep := &OnChainEvidence{TxBlock: 100, CurrentBlock: 103, Transfers: []TokenTransfer{{To: receiving, Amount: 100}}}
	d = gate.Evaluate(pendingRecord(StatusConfirming), sig, deep)
	if d.Outcome != OutcomeCredit {
		t.Fatalf("expected credit at required depth, got %s (%v)", d.Outcome, d.Reason)
	}
	if d.PaidAmount != 100 {
		t.Errorf("expected paid amount 100, got %v", d.PaidAmount)
	}

	reverted := &OnChainEvidence{TxBlock: 100, CurrentBlock: 110, Reverted: true}
	d = gate.Evaluate(pendingRecord(StatusConfirming), sig, reverted)
	if d.Outcome != OutcomeReject || !errors.Is(d.Reason, ErrTransactionReverted) {
		t.Fatalf("expected reverted rejection, got %s (%v)", d.Outcome, d.Reason)
	}

	unmined := &OnChainEvidence{}
	if d := gate.Evaluate(pendingRecord(StatusConfirming), sig, unmined); d.Outcome != OutcomeDefer {
		t.Fatalf("expected unmined tx to defer, got %s", d.Outcome)
	}
}

func TestGateOnChainTransferTarget(t *testing.T) {
	gate := testGate()
	receiving := "0xaabbccddeeff00112233445566778899aabbccdd"
	sig := PaymentSignal{PayCurrency: "usdt"}

	// Transfer went somewhere else entirely.
	wrongTarget := &OnChainEvidence{TxBlock: 100, CurrentBlock: 110, Transfers: []TokenTransfer{
		{To: "0x0000000000000000000000000000000000000001", Amount: 100},
	}}
	d := gate.Evaluate(pendingRecord(StatusConfirming), sig, wrongTarget)
	if d.Outcome != OutcomeReject || !errors.Is(d.Reason, ErrNoMatchingTransfer) {
		t.Fatalf("expected transfer-target rejection, got %s (%v)", d.Outcome, d.Reason)
	}

	// Split transfers to the receiving address sum toward the total.
	split := &OnChainEvidence{TxBlock: 100, CurrentBlock: 110, Transfers: []TokenTransfer{
		{To: receiving, Amount: 60},
		{To: "0x0000000000000000000000000000000000000001", Amount: 500},
		{To: receiving, Amount: 40},
	}}
	d = gate.Evaluate(pendingRecord(StatusConfirming), sig, split)
	if d.Outcome != OutcomeCredit || d.PaidAmount != 100 {
		t.Fatalf("expected summed credit of 100, got %s (%v)", d.Outcome, d.PaidAmount)
	}
}
