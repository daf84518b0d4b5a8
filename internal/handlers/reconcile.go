package handlers

import (
	"context"
	"errors"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/logging"
)

// ProcessSignal is the single reconciliation path for every payment
// signal source: webhook deliveries, provider status polls, user
// tx-hash submissions, and the background poller all land here. The
// gate decides, this function applies the decision, so the sources can
// never diverge on validation or crediting behavior.
//
// Returns the resulting payment status. A non-nil error is always
// transient (retryable); permanent rejections resolve to a status, not
// an error.
func ProcessSignal(ctx context.Context, rec *ledger.PaymentRecord, sig ledger.PaymentSignal, ev *ledger.OnChainEvidence, rawPayload []byte) (string, error) {
	decision := gate.Evaluate(rec, sig, ev)

	log := logger.WithFields(logging.Fields{
		"order_id": rec.OrderID,
		"outcome":  decision.Outcome.String(),
	})

	switch decision.Outcome {
	case ledger.OutcomeAlreadyFinal:
		return rec.Status, nil

	case ledger.OutcomeDefer:
		return rec.Status, nil

	case ledger.OutcomeAdvance:
		if decision.NextStatus != rec.Status {
			if _, err := store.UpdateStatus(ctx, rec.OrderID, decision.NextStatus, rawPayload); err != nil {
				return "", err
			}
		}
		return decision.NextStatus, nil

	case ledger.OutcomeReject:
		log.WithField("reason", reasonLabel(decision.Reason)).Warn("Payment rejected")
		if _, err := store.UpdateStatus(ctx, rec.OrderID, decision.NextStatus, rawPayload); err != nil {
			return "", err
		}
		metrics.PaymentsRejected.WithLabelValues(reasonLabel(decision.Reason)).Inc()
		return decision.NextStatus, nil

	case ledger.OutcomeCredit:
		result, err := engine.Credit(ctx, rec.OrderID, decision.PaidAmount)
		if err != nil {
			if errors.Is(err, ledger.ErrNotCreditEligible) {
				// Raced with a rejection; the record settled elsewhere.
				return rec.Status, nil
			}
			return "", err
		}
		if !result.AlreadyCredited {
			metrics.PaymentsCredited.WithLabelValues(signalSource(sig, ev)).Inc()
			for i := 0; i < result.CommissionsPaid; i++ {
				metrics.CommissionsGranted.WithLabelValues(levelLabel(i + 1)).Inc()
			}
			log.WithFields(logging.Fields{
				"user_id": result.UserID,
				"tokens":  result.TokensCredited,
			}).Info("Payment reconciled and credited")
		}
		return ledger.StatusConfirmed, nil
	}

	return rec.Status, nil
}

func reasonLabel(reason error) string {
	switch {
	case errors.Is(reason, ledger.ErrInvalidCurrency):
		return "invalid_currency"
	case errors.Is(reason, ledger.ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(reason, ledger.ErrTransactionReverted):
		return "reverted"
	case errors.Is(reason, ledger.ErrNoMatchingTransfer):
		return "wrong_recipient"
	case reason == nil:
		return "provider_failed"
	default:
		return "other"
	}
}

func signalSource(sig ledger.PaymentSignal, ev *ledger.OnChainEvidence) string {
	if ev != nil {
		return "onchain"
	}
	return "provider"
}

func levelLabel(level int) string {
	switch level {
	case 1:
		return "1"
	case 2:
		return "2"
	default:
		return "3"
	}
}
