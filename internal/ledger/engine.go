package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianpool/treasury/pkg/logging"
)

// EngineConfig carries the crediting policy.
type EngineConfig struct {
	Yield YieldConfig
	// CommissionRates are the referral rates by upline level, nearest
	// first (0.05, 0.02, 0.01).
	CommissionRates []float64
}

// Engine applies a verified payment to the ledger exactly once. All
// mutations for one credit happen in a single database transaction: the
// balance update, the contribution row, the commission cascade, the sale
// counters, and the payment status flip commit or roll back together.
//
// Idempotence comes from re-checking the payment status after taking a
// row lock. Two concurrent credits for the same order serialize on the
// lock; the loser observes the confirmed status and returns without
// writing anything.
type Engine struct {
	db       *sql.DB
	cfg      EngineConfig
	notifier *Notifier
	logger   logging.Logger
}

func NewEngine(db *sql.DB, cfg EngineConfig, notifier *Notifier, logger logging.Logger) *Engine {
	if len(cfg.CommissionRates) == 0 {
		cfg.CommissionRates = []float64{0.05, 0.02, 0.01}
	}
	return &Engine{db: db, cfg: cfg, notifier: notifier, logger: logger}
}

// Credit applies the payment identified by orderID. paidAmount is the
// gate-validated stablecoin amount actually received; the token amount
// always comes from the stored record, never from the signal.
func (e *Engine) Credit(ctx context.Context, orderID string, paidAmount float64) (*CreditResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		rec       PaymentRecord
		rawStatus string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, fiat_amount, token_amount, unit_price, phase, status
		FROM treasury.payments
		WHERE order_id = $1
		FOR UPDATE`, orderID).Scan(
		&rec.ID, &rec.UserID, &rec.FiatAmount, &rec.TokenAmount,
		&rec.UnitPrice, &rec.Phase, &rawStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	if IsCredited(rawStatus) {
		// A concurrent delivery won the race. Nothing to do.
		e.logger.WithFields(logging.Fields{
			"order_id": orderID,
			"status":   rawStatus,
		}).Info("Credit skipped, payment already applied")
		return &CreditResult{
			OrderID:         orderID,
			UserID:          rec.UserID,
			TokensCredited:  rec.TokenAmount,
			AlreadyCredited: true,
		}, nil
	}
	if IsTerminal(rawStatus) {
		return nil, ErrNotCreditEligible
	}

	tokens := ParseAmount(rec.TokenAmount, 0)
	if tokens == 0 && rec.UnitPrice > 0 {
		tokens = ParseAmount(rec.FiatAmount/rec.UnitPrice, 0)
	}
	paid := ParseAmount(paidAmount, rec.FiatAmount)

	var acct Account
	err = tx.QueryRowContext(ctx, `
		SELECT referred_by, token_balance
		FROM treasury.accounts
		WHERE id = $1
		FOR UPDATE`, rec.UserID).Scan(&acct.ReferredBy, &acct.TokenBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	// Buyer credit. The purchase starts earning yield immediately, so the
	// accrual baseline resets in the same statement that raises the rate.
	_, err = tx.ExecContext(ctx, `
		UPDATE treasury.accounts
		SET token_balance = token_balance + $1,
		    purchased_directly = purchased_directly + $1,
		    contributed_value = contributed_value + $2,
		    yield_rate_per_minute = yield_rate_per_minute + $3,
		    is_active_contributor = TRUE,
		    last_yield_update = NOW()
		WHERE id = $4`,
		tokens, paid, RatePerMinute(tokens, e.cfg.Yield.HourlyRate), rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasury.contributions (id, user_id, order_id, token_amount, paid_amount, unit_price, phase, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		uuid.New().String(), rec.UserID, orderID, tokens, paid, rec.UnitPrice, rec.Phase)
	if err != nil {
		return nil, fmt.Errorf("failed to record contribution: %w", err)
	}

	grants, err := e.cascadeCommissions(ctx, tx, rec.UserID, orderID, acct.ReferredBy, tokens)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE treasury.sale_metrics
		SET total_tokens_sold = total_tokens_sold + $1,
		    total_value_contributed = total_value_contributed + $2,
		    updated_at = NOW()`,
		tokens, paid)
	if err != nil {
		return nil, fmt.Errorf("failed to update sale metrics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE treasury.sale_phases
		SET tokens_sold = tokens_sold + $1
		WHERE phase = $2`,
		tokens, rec.Phase)
	if err != nil {
		return nil, fmt.Errorf("failed to update sale phase: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE treasury.payments
		SET status = $1, confirmed_at = NOW(), updated_at = NOW()
		WHERE order_id = $2`,
		StatusConfirmed, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	result := &CreditResult{
		OrderID:         orderID,
		UserID:          rec.UserID,
		TokensCredited:  tokens,
		NewBalance:      acct.TokenBalance + tokens,
		CommissionsPaid: len(grants),
	}

	e.logger.WithFields(logging.Fields{
		"order_id":    orderID,
		"user_id":     rec.UserID,
		"tokens":      tokens,
		"paid_amount": paid,
		"commissions": len(grants),
	}).Info("Payment credited")

	// Notifications ride outside the transaction: a sink failure must not
	// undo a committed credit.
	e.notifier.Emit(ctx, Event{Type: EventPaymentVerified, UserID: rec.UserID, Amount: paid, SourceID: orderID})
	e.notifier.Emit(ctx, Event{Type: EventBalanceAdded, UserID: rec.UserID, Amount: tokens, SourceID: orderID})
	for _, grant := range grants {
		e.notifier.Emit(ctx, Event{
			Type:     EventCommissionEarned,
			UserID:   grant.BeneficiaryID,
			Amount:   grant.Amount,
			SourceID: grant.ID,
		})
	}

	return result, nil
}
