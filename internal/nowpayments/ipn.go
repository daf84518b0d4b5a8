package nowpayments

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IPNPayload is the webhook body NOWPayments posts on every payment
// state change. Amounts stay json.Number until the reconciler parses
// them defensively.
type IPNPayload struct {
	PaymentID     json.Number `json:"payment_id"`
	PaymentStatus string      `json:"payment_status"`
	PayAddress    string      `json:"pay_address"`
	PayCurrency   string      `json:"pay_currency"`
	PriceAmount   json.Number `json:"price_amount"`
	PriceCurrency string      `json:"price_currency"`
	PayAmount     json.Number `json:"pay_amount"`
	ActuallyPaid  json.Number `json:"actually_paid"`
	OutcomeAmount json.Number `json:"outcome_amount"`
	OrderID       string      `json:"order_id"`
}

// VerifyIPNSignature checks the x-nowpayments-sig header: HMAC-SHA512
// over the JSON body with its keys sorted. encoding/json marshals maps
// with sorted keys, so a decode/re-encode round trip produces the
// canonical form the provider signs.
func VerifyIPNSignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	var payload map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return false
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignIPN produces the signature the provider would send for a body.
// Used by tests and the sandbox replay tool.
func SignIPN(body []byte, secret string) (string, error) {
	var payload map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid ipn body: %w", err)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
