package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSaleStatus reports aggregate sale progress and the phase table.
// Public endpoint; nothing here is per-user.
func GetSaleStatus(c *gin.Context) {
	ctx := c.Request.Context()

	var totalSold, totalContributed float64
	err := db.QueryRowContext(ctx, `
		SELECT total_tokens_sold, total_value_contributed
		FROM treasury.sale_metrics`).Scan(&totalSold, &totalContributed)
	if err != nil {
		logger.WithError(err).Error("Failed to load sale metrics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sale status"})
		return
	}
	metrics.TokensSold.Set(totalSold)

	rows, err := db.QueryContext(ctx, `
		SELECT phase, unit_price, allocation_cap, tokens_sold, is_active
		FROM treasury.sale_phases
		ORDER BY phase`)
	if err != nil {
		logger.WithError(err).Error("Failed to load sale phases")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sale status"})
		return
	}
	defer rows.Close()

	phases := make([]gin.H, 0)
	for rows.Next() {
		var (
			phase                       int
			active                      bool
			unitPrice, allocation, sold float64
		)
		if err := rows.Scan(&phase, &unitPrice, &allocation, &sold, &active); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sale status"})
			return
		}
		phases = append(phases, gin.H{
			"phase":          phase,
			"unit_price":     unitPrice,
			"allocation_cap": allocation,
			"tokens_sold":    sold,
			"is_active":      active,
		})
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sale status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_tokens_sold":       totalSold,
		"total_value_contributed": totalContributed,
		"phases":                  phases,
	})
}
