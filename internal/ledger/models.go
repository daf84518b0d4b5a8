package ledger

import (
	"database/sql"
	"time"
)

// Payment lifecycle statuses. Provider statuses and on-chain observations
// are both normalized onto this set before anything touches the store.
const (
	StatusCreated    = "created"    // intent registered, no signal yet
	StatusWaiting    = "waiting"    // awaiting funds
	StatusConfirming = "confirming" // seen on-chain, below required depth
	StatusConfirmed  = "confirmed"  // finality reached, credit applied
	StatusFinished   = "finished"   // provider settled after confirmation
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a status can never change again. Terminal
// statuses are sticky: late or duplicate signals must not resurrect the
// record. Confirmed counts as terminal for crediting purposes even though
// the provider may still move it to finished.
func IsTerminal(status string) bool {
	switch status {
	case StatusConfirmed, StatusFinished, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// IsCredited reports whether the payment has already been applied to the
// ledger.
func IsCredited(status string) bool {
	return status == StatusConfirmed || status == StatusFinished
}

// CanTransition reports whether a status change is legal. Forward-only:
// a record never moves backward in the lifecycle, and the only terminal
// transition allowed is confirmed -> finished.
func CanTransition(from, to string) bool {
	if from == to {
		return false
	}
	if IsTerminal(from) {
		return from == StatusConfirmed && to == StatusFinished
	}
	rank := map[string]int{
		StatusCreated:    0,
		StatusWaiting:    1,
		StatusConfirming: 2,
	}
	fromRank, ok := rank[from]
	if !ok {
		return false
	}
	if toRank, ok := rank[to]; ok {
		return toRank > fromRank
	}
	return IsTerminal(to)
}

// PaymentRecord is the durable reconciliation state for one purchase
// attempt. Exactly one record exists per order; the external payment ID
// and the transaction hash are each unique when set.
type PaymentRecord struct {
	ID           string
	OrderID      string
	UserID       string
	PaymentID    sql.NullString // provider-assigned ID, empty for direct on-chain payments
	TxHash       sql.NullString
	Network      string
	PayCurrency  string
	FiatAmount   float64 // expected USD-stablecoin amount
	TokenAmount  float64 // tokens to credit on success
	UnitPrice    float64
	Phase        int
	Status       string
	PayAddress   string
	RawPayload   []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ConfirmedAt  sql.NullTime
}

// Account is a participant's ledger row. Yield fields are maintained by
// the credit engine and read by the accrual calculator.
type Account struct {
	ID                  string
	Email               string
	ReferredBy          sql.NullString
	TokenBalance        float64
	PurchasedDirectly   float64 // own purchases, excludes commissions
	ContributedValue    float64 // lifetime stablecoin contributed
	CommissionBalance   float64
	YieldRatePerMinute  float64
	AccumulatedYield    float64
	LastYieldUpdate     time.Time
	IsActiveContributor bool
}

// CommissionRecord is an audit row written for every referral commission
// granted during a credit.
type CommissionRecord struct {
	ID            string
	BeneficiaryID string
	SourceUserID  string
	OrderID       string
	Level         int
	Amount        float64
	Pct           float64
	Status        string
	CreatedAt     time.Time
}

// PaymentSignal is a normalized external event about a payment: a
// provider webhook, a provider status poll, or a user-submitted
// transaction hash. The gate evaluates signals against the stored record.
type PaymentSignal struct {
	OrderID      string
	PaymentID    string // provider payment ID, if any
	TxHash       string
	Network      string
	PayCurrency  string
	PaidAmount   float64 // amount the source claims was paid
	SourceStatus string  // provider status verbatim, empty for on-chain
}

// TokenTransfer is one stablecoin Transfer event extracted from a
// transaction receipt, denominated in whole tokens.
type TokenTransfer struct {
	To     string // recipient address, lowercase hex
	Amount float64
}

// OnChainEvidence is what the chain verifier could prove about a
// transaction. TxBlock zero means the transaction is not yet mined.
type OnChainEvidence struct {
	TxBlock      int64
	CurrentBlock int64
	Reverted     bool
	Transfers    []TokenTransfer
}

// Confirmations returns the confirmation depth of the transaction, or
// zero when it is unmined.
func (e *OnChainEvidence) Confirmations() int64 {
	if e.TxBlock == 0 || e.CurrentBlock < e.TxBlock {
		return 0
	}
	return e.CurrentBlock - e.TxBlock
}

// CreditResult reports the outcome of a credit attempt.
type CreditResult struct {
	OrderID         string
	UserID          string
	TokensCredited  float64
	NewBalance      float64
	CommissionsPaid int
	AlreadyCredited bool
}

// SaleMetrics is the aggregate sale progress row.
type SaleMetrics struct {
	TotalTokensSold       float64
	TotalValueContributed float64
	ActivePhase           int
	UpdatedAt             time.Time
}

// SalePhase describes one pricing tier of the sale.
type SalePhase struct {
	Phase         int
	UnitPrice     float64
	AllocationCap float64
	TokensSold    float64
	IsActive      bool
}
