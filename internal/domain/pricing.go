package domain

import "github.com/shopspring/decimal"

// MinimumNextBid returns the smallest admissible bid amount for a token: the
// configured floor when no ACTIVE bid exists, otherwise the current highest
// ACTIVE amount grown by the increment percentage, rounded up at the ledger's
// native precision so the minimum is never understated.
func MinimumNextBid(highest *decimal.Decimal, floor, incrementPct decimal.Decimal) decimal.Decimal {
	if highest == nil {
		return floor
	}

	factor := decimal.NewFromInt(1).Add(incrementPct)
	return highest.Mul(factor).RoundUp(NativeDecimals)
}
