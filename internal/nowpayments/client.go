package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/meridianpool/treasury/internal/ledger"
	"github.com/meridianpool/treasury/pkg/clients"
	"github.com/meridianpool/treasury/pkg/logging"
)

const defaultBaseURL = "https://api.nowpayments.io/v1"

// Client is a minimal NOWPayments API client covering payment creation
// and status polling. Requests run through a failsafe executor with a
// circuit breaker so a degraded provider cannot stall the poller.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   failsafe.Executor[*http.Response]
	logger     logging.Logger
}

func NewClient(apiKey string, logger logging.Logger) *Client {
	return NewClientWithBaseURL(apiKey, defaultBaseURL, logger)
}

func NewClientWithBaseURL(apiKey, baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		executor: clients.NewHTTPExecutor(clients.HTTPExecutorConfig{
			MaxRetries:         2,
			BaseDelay:          250 * time.Millisecond,
			MaxDelay:           5 * time.Second,
			WithCircuitBreaker: true,
		}),
		logger: logger,
	}
}

// CreatePaymentRequest is the order we place with the provider.
type CreatePaymentRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
}

// Payment mirrors the provider's payment resource. Numeric fields arrive
// as json.Number because the provider is inconsistent about strings
// versus numbers.
type Payment struct {
	PaymentID      json.Number `json:"payment_id"`
	PaymentStatus  string      `json:"payment_status"`
	PayAddress     string      `json:"pay_address"`
	PayAmount      json.Number `json:"pay_amount"`
	PayCurrency    string      `json:"pay_currency"`
	PriceAmount    json.Number `json:"price_amount"`
	PriceCurrency  string      `json:"price_currency"`
	ActuallyPaid   json.Number `json:"actually_paid"`
	OutcomeAmount  json.Number `json:"outcome_amount"`
	OrderID        string      `json:"order_id"`
	PayinExtraID   string      `json:"payin_extra_id"`
	Network        string      `json:"network"`
	ExpirationDate string      `json:"expiration_estimate_date"`
}

// CreatePayment places a new payment order.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}
	var payment Payment
	if err := c.do(ctx, http.MethodPost, "/payment", body, &payment); err != nil {
		return nil, err
	}
	c.logger.WithFields(logging.Fields{
		"order_id":   req.OrderID,
		"payment_id": payment.PaymentID.String(),
		"currency":   req.PayCurrency,
	}).Info("Provider payment created")
	return &payment, nil
}

// GetPaymentStatus fetches the current state of a payment.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, http.MethodGet, "/payment/"+paymentID, nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	resp, err := clients.ExecuteHTTP(ctx, c.executor, func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-api-key", c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Provider request failed")
		return fmt.Errorf("%w: %v", ledger.ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read provider response: %v", ledger.ErrExternalService, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned HTTP %d", ledger.ErrExternalService, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider rejected request: HTTP %d: %s", resp.StatusCode, raw)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode provider response: %v", ledger.ErrExternalService, err)
	}
	return nil
}
