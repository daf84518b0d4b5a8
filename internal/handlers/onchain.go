package handlers

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/logging"
)

type submitTxRequest struct {
	OrderID string `json:"order_id" binding:"required"`
	TxHash  string `json:"tx_hash" binding:"required"`
}

// SubmitTransactionHash lets a buyer claim a direct on-chain transfer
// for their order. The hash is bound to the order under a uniqueness
// constraint before any verification, so the same transaction can never
// be claimed twice, then verified immediately when an RPC endpoint is
// available.
func SubmitTransactionHash(c *gin.Context) {
	userID := c.GetString("user_id")

	var req submitTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	txHash, ok := normalizeTxHash(req.TxHash)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed transaction hash"})
		return
	}

	rec, err := store.GetByOrderID(c.Request.Context(), req.OrderID)
	if err != nil || rec.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if ledger.IsTerminal(rec.Status) {
		c.JSON(http.StatusConflict, gin.H{"error": "payment already settled", "status": rec.Status})
		return
	}

	if !rec.TxHash.Valid || rec.TxHash.String != txHash {
		if err := store.AttachTxHash(c.Request.Context(), req.OrderID, txHash); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				logger.WithFields(logging.Fields{
					"order_id": req.OrderID,
					"tx_hash":  txHash,
				}).Warn("Transaction hash already claimed")
				c.JSON(http.StatusConflict, gin.H{"error": "transaction already claimed"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record transaction"})
			return
		}
		rec.TxHash.String = txHash
		rec.TxHash.Valid = true
	}

	verifier, ok := verifiers[rec.Network]
	if !ok {
		// No RPC endpoint for this network; the poller retries once one
		// is configured.
		c.JSON(http.StatusAccepted, gin.H{"status": rec.Status, "detail": "verification pending"})
		return
	}

	evidence, err := verifier.CollectEvidence(c.Request.Context(), txHash)
	if err != nil {
		logger.WithError(err).WithField("order_id", req.OrderID).Warn("On-chain verification unavailable, deferring to poller")
		c.JSON(http.StatusAccepted, gin.H{"status": rec.Status, "detail": "verification pending"})
		return
	}

	sig := ledger.PaymentSignal{
		OrderID:     req.OrderID,
		TxHash:      txHash,
		Network:     rec.Network,
		PayCurrency: "usdt",
	}
	status, err := ProcessSignal(c.Request.Context(), rec, sig, evidence, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	switch status {
	case ledger.StatusConfirmed, ledger.StatusFinished:
		c.JSON(http.StatusOK, gin.H{
			"status":       status,
			"token_amount": rec.TokenAmount,
		})
	case ledger.StatusFailed:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"status": status, "error": "transaction rejected"})
	default:
		c.JSON(http.StatusAccepted, gin.H{
			"status":        status,
			"confirmations": evidence.Confirmations(),
			"required":      verifier.Network().Confirmations,
		})
	}
}

// normalizeTxHash validates and lowercases a 32-byte EVM tx hash.
func normalizeTxHash(raw string) (string, bool) {
	hash := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return "", false
	}
	if _, err := hex.DecodeString(hash[2:]); err != nil {
		return "", false
	}
	return hash, true
}
