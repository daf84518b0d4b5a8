package ledger

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseAmount converts an externally-sourced numeric representation into
// a safe, non-negative decimal value. All monetary fields round-trip
// through dynamically-typed transports (provider JSON, raw payloads), so
// every arithmetic site must defend against corrupt input or the ledger
// could silently produce negative or NaN balances.
//
// The result is always finite and >= 0. Invalid or missing input maps to
// max(0, def). Never panics.
func ParseAmount(value interface{}, def float64) float64 {
	fallback := def
	if !isFinite(fallback) || fallback < 0 {
		fallback = 0
	}

	switch v := value.(type) {
	case nil:
		return fallback
	case float64:
		return clampAmount(v, fallback)
	case float32:
		return clampAmount(float64(v), fallback)
	case int:
		return clampAmount(float64(v), fallback)
	case int64:
		return clampAmount(float64(v), fallback)
	case uint64:
		return clampAmount(float64(v), fallback)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return fallback
		}
		return clampAmount(parsed, fallback)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return fallback
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return fallback
		}
		return clampAmount(parsed, fallback)
	case []byte:
		return ParseAmount(string(v), fallback)
	default:
		return fallback
	}
}

func clampAmount(v, fallback float64) float64 {
	if !isFinite(v) {
		return fallback
	}
	if v < 0 {
		return 0
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
