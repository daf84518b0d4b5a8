package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meridianpool/treasury/internal/chain"
	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/internal/nowpayments"
	"github.com/meridianpool/treasury/pkg/logging"
)

type createPaymentRequest struct {
	AmountUSD   float64 `json:"amount_usd" binding:"required,gt=0"`
	PayCurrency string  `json:"pay_currency" binding:"required"`
	Network     string  `json:"network" binding:"required"`
}

// CreatePayment registers a purchase intent and opens a provider payment
// for it. The token amount and unit price are locked in here from the
// active sale phase; later signals can never renegotiate them.
func CreatePayment(c *gin.Context) {
	userID := c.GetString("user_id")

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	network, err := chain.GetNetwork(req.Network)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !currencyOnNetwork(network, req.PayCurrency) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency not supported on network"})
		return
	}

	phase, err := activePhase(c.Request.Context())
	if err != nil {
		logger.WithError(err).Error("Failed to load active sale phase")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sale is not open"})
		return
	}

	amount := ledger.ParseAmount(req.AmountUSD, 0)
	tokens := amount / phase.UnitPrice
	if phase.AllocationCap > 0 && phase.TokensSold+tokens > phase.AllocationCap {
		c.JSON(http.StatusConflict, gin.H{"error": "purchase exceeds remaining phase allocation"})
		return
	}

	orderID := uuid.New().String()
	payment, err := npClient.CreatePayment(c.Request.Context(), nowpayments.CreatePaymentRequest{
		PriceAmount:    amount,
		PriceCurrency:  "usd",
		PayCurrency:    strings.ToLower(req.PayCurrency),
		OrderID:        orderID,
		IPNCallbackURL: ipnCallbackURL,
	})
	if err != nil {
		logger.WithError(err).WithField("order_id", orderID).Error("Failed to create provider payment")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable"})
		return
	}

	rec := &ledger.PaymentRecord{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		UserID:      userID,
		PaymentID:   sql.NullString{String: payment.PaymentID.String(), Valid: payment.PaymentID.String() != ""},
		Network:     network.Name,
		PayCurrency: strings.ToLower(req.PayCurrency),
		FiatAmount:  amount,
		TokenAmount: tokens,
		UnitPrice:   phase.UnitPrice,
		Phase:       phase.Phase,
		Status:      ledger.StatusWaiting,
		PayAddress:  payment.PayAddress,
	}
	if err := store.Insert(c.Request.Context(), rec); err != nil {
		logger.WithError(err).WithField("order_id", orderID).Error("Failed to persist payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register payment"})
		return
	}

	metrics.PaymentsCreated.WithLabelValues(network.Name, rec.PayCurrency).Inc()
	logger.WithFields(logging.Fields{
		"order_id": orderID,
		"user_id":  userID,
		"amount":   amount,
		"tokens":   tokens,
		"network":  network.Name,
	}).Info("Payment intent created")

	c.JSON(http.StatusCreated, paymentResponse(rec))
}

// GetPayment returns a payment's current state, opportunistically
// reconciling against the provider when the record is still open. A
// provider outage degrades to serving the stored state.
func GetPayment(c *gin.Context) {
	userID := c.GetString("user_id")
	orderID := c.Param("order_id")

	rec, err := store.GetByOrderID(c.Request.Context(), orderID)
	if err != nil || rec.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	if !ledger.IsTerminal(rec.Status) && rec.PaymentID.Valid {
		payment, err := npClient.GetPaymentStatus(c.Request.Context(), rec.PaymentID.String)
		if err != nil {
			logger.WithError(err).WithField("order_id", orderID).Warn("Provider status poll failed, serving stored state")
		} else {
			sig := ledger.PaymentSignal{
				OrderID:      orderID,
				PaymentID:    rec.PaymentID.String,
				PayCurrency:  payment.PayCurrency,
				PaidAmount:   ledger.ParseAmount(payment.ActuallyPaid.String(), 0),
				SourceStatus: payment.PaymentStatus,
			}
			if _, err := ProcessSignal(c.Request.Context(), rec, sig, nil, nil); err != nil {
				logger.WithError(err).WithField("order_id", orderID).Warn("Reconciliation failed, serving stored state")
			}
			if updated, err := store.GetByOrderID(c.Request.Context(), orderID); err == nil {
				rec = updated
			}
		}
	}

	c.JSON(http.StatusOK, paymentResponse(rec))
}

func paymentResponse(rec *ledger.PaymentRecord) gin.H {
	resp := gin.H{
		"order_id":     rec.OrderID,
		"status":       rec.Status,
		"network":      rec.Network,
		"pay_currency": rec.PayCurrency,
		"pay_address":  rec.PayAddress,
		"amount_usd":   rec.FiatAmount,
		"token_amount": rec.TokenAmount,
		"unit_price":   rec.UnitPrice,
		"phase":        rec.Phase,
		"created_at":   rec.CreatedAt,
	}
	if rec.TxHash.Valid {
		resp["tx_hash"] = rec.TxHash.String
	}
	if rec.ConfirmedAt.Valid {
		resp["confirmed_at"] = rec.ConfirmedAt.Time
	}
	return resp
}

func currencyOnNetwork(network chain.NetworkConfig, currency string) bool {
	currency = strings.ToLower(strings.TrimSpace(currency))
	for _, c := range network.Currencies {
		if currency == c {
			return true
		}
	}
	return false
}

// activePhase loads the currently open sale phase.
func activePhase(ctx context.Context) (*ledger.SalePhase, error) {
	var phase ledger.SalePhase
	err := db.QueryRowContext(ctx, `
		SELECT phase, unit_price, allocation_cap, tokens_sold
		FROM treasury.sale_phases
		WHERE is_active = TRUE
		ORDER BY phase
		LIMIT 1`).Scan(&phase.Phase, &phase.UnitPrice, &phase.AllocationCap, &phase.TokensSold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("no active sale phase")
	}
	if err != nil {
		return nil, err
	}
	if phase.UnitPrice <= 0 {
		return nil, errors.New("sale phase has no price")
	}
	phase.IsActive = true
	return &phase, nil
}
