package ledger

import (
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/meridianpool/treasury/pkg/logging"
)

// Outcome classifies what a payment signal means for the ledger.
type Outcome int

const (
	// OutcomeDefer means the signal is plausible but not final yet; ask
	// again later.
	OutcomeDefer Outcome = iota
	// OutcomeCredit means the payment passed every check and the credit
	// engine should run.
	OutcomeCredit
	// OutcomeAlreadyFinal means the record is terminal; drop the signal.
	OutcomeAlreadyFinal
	// OutcomeReject means the payment permanently failed a check; mark it
	// failed and never retry.
	OutcomeReject
	// OutcomeAdvance means the signal moves the record forward in the
	// lifecycle without crediting (waiting -> confirming and the like).
	OutcomeAdvance
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCredit:
		return "credit"
	case OutcomeAlreadyFinal:
		return "already_final"
	case OutcomeReject:
		return "reject"
	case OutcomeAdvance:
		return "advance"
	default:
		return "defer"
	}
}

// Decision is the gate's verdict on one signal. Reason is set for
// rejections and deferrals; NextStatus is set for advance and reject
// outcomes to tell the caller where the record should move.
type Decision struct {
	Outcome    Outcome
	Reason     error
	NextStatus string
	PaidAmount float64 // validated paid amount, set on credit
}

// GateConfig carries the policy knobs for signal evaluation.
type GateConfig struct {
	// VariancePct is the allowed relative deviation between expected and
	// paid amounts (0.05 = 5%).
	VariancePct float64
	// RequiredConfirmations is the minimum block depth before an on-chain
	// payment counts as final.
	RequiredConfirmations int64
	// ReceivingAddress is the treasury wallet, lowercase hex.
	ReceivingAddress string
	// AcceptedCurrencies maps a network name to the provider currency
	// codes accepted on it.
	AcceptedCurrencies map[string][]string
}

// Gate decides whether an external payment signal is allowed to touch
// the ledger. It is the single choke point every signal source flows
// through: webhooks, status polls, and on-chain verifications all call
// Evaluate so the validation rules cannot drift apart per source.
type Gate struct {
	cfg    GateConfig
	logger logging.Logger
}

func NewGate(cfg GateConfig, logger logging.Logger) *Gate {
	if cfg.VariancePct <= 0 {
		cfg.VariancePct = 0.05
	}
	if cfg.RequiredConfirmations <= 0 {
		cfg.RequiredConfirmations = 3
	}
	cfg.ReceivingAddress = strings.ToLower(cfg.ReceivingAddress)
	return &Gate{cfg: cfg, logger: logger}
}

// Evaluate checks a signal against the stored record. Evidence is nil
// for provider-sourced signals; for on-chain signals it carries the
// verified receipt facts. Evaluate never mutates anything.
func (g *Gate) Evaluate(rec *PaymentRecord, sig PaymentSignal, ev *OnChainEvidence) Decision {
	log := g.logger.WithFields(logging.Fields{
		"order_id": rec.OrderID,
		"status":   rec.Status,
	})

	// Terminal records are immutable. Duplicate deliveries and late
	// signals end here, which is what makes redelivery safe.
	if IsTerminal(rec.Status) {
		if rec.Status == StatusConfirmed && normalizeStatus(sig.SourceStatus) == StatusFinished {
			return Decision{Outcome: OutcomeAdvance, NextStatus: StatusFinished}
		}
		log.WithField("source_status", sig.SourceStatus).Debug("Signal for terminal payment ignored")
		return Decision{Outcome: OutcomeAlreadyFinal}
	}

	if ev != nil {
		return g.evaluateOnChain(rec, ev, log)
	}
	return g.evaluateProvider(rec, sig, log)
}

func (g *Gate) evaluateProvider(rec *PaymentRecord, sig PaymentSignal, log *logrus.Entry) Decision {
	if !g.currencyAccepted(rec.Network, sig.PayCurrency) {
		log.WithField("pay_currency", sig.PayCurrency).Warn("Payment in unsupported currency rejected")
		return Decision{Outcome: OutcomeReject, Reason: ErrInvalidCurrency, NextStatus: StatusFailed}
	}

	switch normalizeStatus(sig.SourceStatus) {
	case StatusFailed:
		return Decision{Outcome: OutcomeReject, NextStatus: StatusFailed}
	case StatusExpired:
		return Decision{Outcome: OutcomeReject, NextStatus: StatusExpired}
	case StatusCancelled:
		return Decision{Outcome: OutcomeReject, NextStatus: StatusCancelled}
	case StatusConfirmed, StatusFinished:
		paid := ParseAmount(sig.PaidAmount, 0)
		if !g.withinVariance(rec.FiatAmount, paid) {
			log.WithFields(logging.Fields{
				"expected": rec.FiatAmount,
				"paid":     paid,
			}).Warn("Paid amount outside allowed variance")
			return Decision{Outcome: OutcomeReject, Reason: ErrAmountMismatch, NextStatus: StatusFailed}
		}
		return Decision{Outcome: OutcomeCredit, PaidAmount: paid}
	case StatusConfirming:
		return Decision{Outcome: OutcomeAdvance, NextStatus: StatusConfirming}
	case StatusWaiting:
		if rec.Status == StatusCreated {
			return Decision{Outcome: OutcomeAdvance, NextStatus: StatusWaiting}
		}
		return Decision{Outcome: OutcomeDefer}
	default:
		log.WithField("source_status", sig.SourceStatus).Debug("Unrecognized provider status, deferring")
		return Decision{Outcome: OutcomeDefer}
	}
}

func (g *Gate) evaluateOnChain(rec *PaymentRecord, ev *OnChainEvidence, log *logrus.Entry) Decision {
	if ev.TxBlock == 0 {
		// Not mined yet. Keep waiting; mempool drops resolve via expiry.
		return Decision{Outcome: OutcomeDefer, Reason: ErrInsufficientConfirmations}
	}
	if ev.Reverted {
		log.Warn("On-chain transaction reverted")
		return Decision{Outcome: OutcomeReject, Reason: ErrTransactionReverted, NextStatus: StatusFailed}
	}
	if depth := ev.Confirmations(); depth < g.cfg.RequiredConfirmations {
		log.WithFields(logging.Fields{
			"confirmations": depth,
			"required":      g.cfg.RequiredConfirmations,
		}).Debug("Transaction below required confirmation depth")
		return Decision{
			Outcome:    OutcomeAdvance,
			Reason:     ErrInsufficientConfirmations,
			NextStatus: StatusConfirming,
		}
	}

	var paid float64
	for _, transfer := range ev.Transfers {
		if strings.EqualFold(transfer.To, g.cfg.ReceivingAddress) {
			paid += ParseAmount(transfer.Amount, 0)
		}
	}
	if paid == 0 {
		log.Warn("Transaction carried no transfer to the receiving address")
		return Decision{Outcome: OutcomeReject, Reason: ErrNoMatchingTransfer, NextStatus: StatusFailed}
	}
	if !g.withinVariance(rec.FiatAmount, paid) {
		log.WithFields(logging.Fields{
			"expected": rec.FiatAmount,
			"paid":     paid,
		}).Warn("On-chain amount outside allowed variance")
		return Decision{Outcome: OutcomeReject, Reason: ErrAmountMismatch, NextStatus: StatusFailed}
	}
	return Decision{Outcome: OutcomeCredit, PaidAmount: paid}
}

func (g *Gate) currencyAccepted(network, currency string) bool {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		return false
	}
	accepted, ok := g.cfg.AcceptedCurrencies[strings.ToLower(network)]
	if !ok {
		return false
	}
	for _, c := range accepted {
		if currency == c {
			return true
		}
	}
	return false
}

func (g *Gate) withinVariance(expected, paid float64) bool {
	if expected <= 0 {
		return false
	}
	return math.Abs(paid-expected)/expected <= g.cfg.VariancePct
}

// normalizeStatus maps provider status strings onto the internal
// lifecycle. Unknown statuses return empty and are deferred.
func normalizeStatus(providerStatus string) string {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "waiting":
		return StatusWaiting
	case "confirming", "sending":
		return StatusConfirming
	case "confirmed":
		return StatusConfirmed
	case "finished":
		return StatusFinished
	case "failed", "refunded":
		return StatusFailed
	case "expired":
		return StatusExpired
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return ""
	}
}
