package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meridianpool/treasury/pkg/logging"
)

// cascadeCommissions walks the buyer's referral upline and grants each
// ancestor a token commission proportional to the purchase. The walk is
// bounded by the number of configured rates and by a visited set, so a
// corrupted referral graph (cycles, self-references) terminates instead
// of looping. A dangling parent reference ends the walk for the levels
// above it; levels already granted keep their commissions.
//
// Commissions join the beneficiary's yield-bearing balance immediately,
// so each grant also bumps the yield rate and resets the accrual
// baseline.
func (e *Engine) cascadeCommissions(ctx context.Context, tx *sql.Tx, buyerID, orderID string, firstReferrer sql.NullString, tokens float64) ([]CommissionRecord, error) {
	visited := map[string]bool{buyerID: true}
	current := firstReferrer

	var grants []CommissionRecord
	for level, rate := range e.cfg.CommissionRates {
		if !current.Valid || current.String == "" {
			break
		}
		beneficiaryID := current.String
		if visited[beneficiaryID] {
			e.logger.WithFields(logging.Fields{
				"order_id": orderID,
				"user_id":  beneficiaryID,
				"level":    level + 1,
			}).Warn("Referral cycle detected, stopping cascade")
			break
		}
		visited[beneficiaryID] = true

		var parent sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT referred_by FROM treasury.accounts
			WHERE id = $1
			FOR UPDATE`, beneficiaryID).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			e.logger.WithFields(logging.Fields{
				"order_id": orderID,
				"user_id":  beneficiaryID,
			}).Warn("Referrer account missing, stopping cascade")
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock referrer account: %w", err)
		}

		amount := tokens * rate
		if amount <= 0 {
			current = parent
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE treasury.accounts
			SET token_balance = token_balance + $1,
			    commission_balance = commission_balance + $1,
			    yield_rate_per_minute = yield_rate_per_minute + $2,
			    last_yield_update = NOW()
			WHERE id = $3`,
			amount, RatePerMinute(amount, e.cfg.Yield.HourlyRate), beneficiaryID)
		if err != nil {
			return nil, fmt.Errorf("failed to grant commission: %w", err)
		}

		grant := CommissionRecord{
			ID:            uuid.New().String(),
			BeneficiaryID: beneficiaryID,
			SourceUserID:  buyerID,
			OrderID:       orderID,
			Level:         level + 1,
			Amount:        amount,
			Pct:           rate,
			Status:        "available",
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO treasury.commissions (id, beneficiary_id, source_user_id, order_id, level, amount, pct, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
			grant.ID, grant.BeneficiaryID, grant.SourceUserID, grant.OrderID,
			grant.Level, grant.Amount, grant.Pct, grant.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to record commission: %w", err)
		}

		grants = append(grants, grant)
		current = parent
	}
	return grants, nil
}
