package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/logging"
)

const maxWebhookBody = 1 << 20

// HandleNowPaymentsIPN processes provider payment callbacks. Response
// codes drive the provider's redelivery: 2xx stops it, 5xx asks for a
// retry. Permanent rejections therefore answer 200 after marking the
// record failed, and only transient errors surface as 500.
func HandleNowPaymentsIPN(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	signature := c.GetHeader("x-nowpayments-sig")
	if !nowpayments.VerifyIPNSignature(body, signature, ipnSecret) {
		metrics.SignatureFailures.WithLabelValues("nowpayments").Inc()
		logger.WithField("remote_addr", c.ClientIP()).Warn("IPN signature verification failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var payload nowpayments.IPNPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if payload.OrderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing order_id"})
		return
	}

	rec, err := store.GetByOrderID(c.Request.Context(), payload.OrderID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		// Unknown order: acknowledged so the provider stops redelivering,
		// logged so an operator can investigate.
		logger.WithFields(logging.Fields{
			"order_id":   payload.OrderID,
			"payment_id": payload.PaymentID.String(),
		}).Warn("IPN for unknown order ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	sig := ledger.PaymentSignal{
		OrderID:      payload.OrderID,
		PaymentID:    payload.PaymentID.String(),
		PayCurrency:  payload.PayCurrency,
		PaidAmount:   ledger.ParseAmount(payload.ActuallyPaid.String(), 0),
		SourceStatus: payload.PaymentStatus,
	}

	status, err := ProcessSignal(c.Request.Context(), rec, sig, nil, body)
	if err != nil {
		logger.WithError(err).WithField("order_id", payload.OrderID).Error("IPN reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status})
}
