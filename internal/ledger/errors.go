package ledger

import "errors"

// Error taxonomy for the reconciliation core. Callers map these onto
// transport responses: permanent rejections must not be retried by the
// provider, transient failures must be.
var (
	// ErrDuplicateKey means an insert violated the order_id/tx_hash
	// uniqueness constraint. The payment is already being processed;
	// callers should fetch and return the existing record.
	ErrDuplicateKey = errors.New("payment already exists")

	// ErrPaymentNotFound means no record matches the given identifier.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrAccountNotFound means the referenced user no longer exists.
	// Fatal for the signal; logged for manual investigation.
	ErrAccountNotFound = errors.New("ledger account not found")

	// ErrInvalidCurrency means the paid currency is not an accepted
	// stablecoin variant for the network. Permanent rejection.
	ErrInvalidCurrency = errors.New("unsupported payment currency")

	// ErrAmountMismatch means the paid amount deviates from the expected
	// amount by more than the allowed variance. Permanent rejection.
	ErrAmountMismatch = errors.New("paid amount outside allowed variance")

	// ErrInsufficientConfirmations means the transaction is mined but not
	// yet final. Not a failure; the caller should ask again later.
	ErrInsufficientConfirmations = errors.New("insufficient confirmations")

	// ErrTransactionReverted means the on-chain transaction failed.
	// Permanent rejection; never retried.
	ErrTransactionReverted = errors.New("transaction reverted on-chain")

	// ErrNoMatchingTransfer means the transaction carried no stablecoin
	// transfer to the configured receiving address. Permanent rejection.
	ErrNoMatchingTransfer = errors.New("no transfer to receiving address")

	// ErrExternalService means the payment provider or blockchain RPC was
	// unreachable or returned a server error. Transient; retry later.
	ErrExternalService = errors.New("external service unavailable")

	// ErrNotCreditEligible means a credit was requested for a record whose
	// status does not permit crediting (failed/expired/cancelled).
	ErrNotCreditEligible = errors.New("payment not eligible for credit")
)

// IsRetryable reports whether the caller's retry mechanism can be
// expected to eventually succeed for this error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInsufficientConfirmations) || errors.Is(err, ErrExternalService)
}
