package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetReferrals reports the caller's referral tree sizes and commission
// history. Level counts come from the referral graph itself; commission
// totals come from the audit rows, so a stopped cascade (cycle, deleted
// referrer) shows up as a discrepancy an operator can see.
func GetReferrals(c *gin.Context) {
	userID := c.GetString("user_id")
	ctx := c.Request.Context()

	var level1, level2, level3 int
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM treasury.accounts WHERE referred_by = $1),
			(SELECT COUNT(*) FROM treasury.accounts WHERE referred_by IN
				(SELECT id FROM treasury.accounts WHERE referred_by = $1)),
			(SELECT COUNT(*) FROM treasury.accounts WHERE referred_by IN
				(SELECT id FROM treasury.accounts WHERE referred_by IN
					(SELECT id FROM treasury.accounts WHERE referred_by = $1)))`,
		userID).Scan(&level1, &level2, &level3)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to count referrals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referrals"})
		return
	}

	var totalEarned float64
	if err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM treasury.commissions
		WHERE beneficiary_id = $1`, userID).Scan(&totalEarned); err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to sum commissions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referrals"})
		return
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, source_user_id, order_id, level, amount, pct, status, created_at
		FROM treasury.commissions
		WHERE beneficiary_id = $1
		ORDER BY created_at DESC
		LIMIT 100`, userID)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Error("Failed to list commissions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referrals"})
		return
	}
	defer rows.Close()

	commissions := make([]gin.H, 0)
	for rows.Next() {
		var rec struct {
			ID, SourceUserID, OrderID, Status string
			Level                             int
			Amount, Pct                       float64
			CreatedAt                         interface{}
		}
		if err := rows.Scan(&rec.ID, &rec.SourceUserID, &rec.OrderID, &rec.Level,
			&rec.Amount, &rec.Pct, &rec.Status, &rec.CreatedAt); err != nil {
			logger.WithError(err).Error("Failed to scan commission row")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referrals"})
			return
		}
		commissions = append(commissions, gin.H{
			"id":         rec.ID,
			"from_user":  rec.SourceUserID,
			"order_id":   rec.OrderID,
			"level":      rec.Level,
			"amount":     rec.Amount,
			"pct":        rec.Pct,
			"status":     rec.Status,
			"created_at": rec.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load referrals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"referral_counts": gin.H{"level_1": level1, "level_2": level2, "level_3": level3},
		"total_earned":    totalEarned,
		"commissions":     commissions,
	})
}
