package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianpool/treasury/internal/ledger"
)

// GetVesting reports the caller's balances and live yield. Yield is
// computed on read; nothing is persisted here, so polling this endpoint
// is free of write contention.
func GetVesting(c *gin.Context) {
	userID := c.GetString("user_id")

	var acct ledger.Account
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT token_balance, purchased_directly, contributed_value, commission_balance,
		       yield_rate_per_minute, accumulated_yield, last_yield_update, is_active_contributor
		FROM treasury.accounts
		WHERE id = $1`, userID).Scan(
		&acct.TokenBalance, &acct.PurchasedDirectly, &acct.ContributedValue,
		&acct.CommissionBalance, &acct.YieldRatePerMinute, &acct.AccumulatedYield,
		&acct.LastYieldUpdate, &acct.IsActiveContributor)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	accrual := ledger.AccrueYield(&acct, yieldCfg, time.Now())

	c.JSON(http.StatusOK, gin.H{
		"token_balance":         acct.TokenBalance,
		"purchased_directly":    acct.PurchasedDirectly,
		"contributed_value":     acct.ContributedValue,
		"commission_balance":    acct.CommissionBalance,
		"yield_rate_per_minute": acct.YieldRatePerMinute,
		"session_yield":         accrual.SessionYield,
		"current_yield":         accrual.CurrentYield,
		"yield_capped":          accrual.Capped,
		"last_yield_update":     acct.LastYieldUpdate,
		"is_active_contributor": acct.IsActiveContributor,
	})
}
