package ledger

import "time"

// Yield accrual is pure arithmetic over an account snapshot. The credit
// engine maintains yield_rate_per_minute and last_yield_update; this file
// turns those into a balance-at-now figure without touching storage, so
// read endpoints can report live yield without a write.

// YieldConfig carries the accrual policy.
type YieldConfig struct {
	// HourlyRate is the fraction of the purchased balance earned per hour
	// (0.00025 = 0.025%/h).
	HourlyRate float64
	// MonthlyCapPct caps total unclaimed yield at this fraction of the
	// purchased balance (0.075 = 7.5%). Zero disables the cap.
	MonthlyCapPct float64
}

// Accrual is the computed yield state at a point in time.
type Accrual struct {
	// SessionYield accrued since the last persisted update.
	SessionYield float64
	// CurrentYield is the total unclaimed yield including the session.
	CurrentYield float64
	// Capped is true when the monthly cap truncated the result.
	Capped bool
}

// AccrueYield computes yield earned by an account between lastUpdate and
// now. The base is the account's own purchases plus earned commissions:
// commissions compound into the accruing balance the moment they are
// granted. Elapsed time below one second accrues nothing. Corrupt inputs
// (negative balances, future timestamps) clamp to zero rather than
// propagate.
func AccrueYield(acct *Account, cfg YieldConfig, now time.Time) Accrual {
	base := ParseAmount(acct.PurchasedDirectly, 0) + ParseAmount(acct.CommissionBalance, 0)
	accumulated := ParseAmount(acct.AccumulatedYield, 0)

	var session float64
	if !acct.LastYieldUpdate.IsZero() && cfg.HourlyRate > 0 && base > 0 {
		elapsed := now.Sub(acct.LastYieldUpdate)
		if elapsed > 0 {
			perSecond := base * cfg.HourlyRate / 3600
			session = perSecond * float64(int64(elapsed.Seconds()))
		}
	}

	result := Accrual{
		SessionYield: session,
		CurrentYield: accumulated + session,
	}
	if cfg.MonthlyCapPct > 0 {
		cap := base * cfg.MonthlyCapPct
		if result.CurrentYield > cap {
			result.CurrentYield = cap
			result.Capped = true
			if result.SessionYield > cap-accumulated {
				result.SessionYield = clampAmount(cap-accumulated, 0)
			}
		}
	}
	return result
}

// RatePerMinute converts an hourly rate applied to a balance delta into
// the per-minute rate increment the credit engine stores.
func RatePerMinute(balanceDelta, hourlyRate float64) float64 {
	return ParseAmount(balanceDelta, 0) * hourlyRate / 60
}
