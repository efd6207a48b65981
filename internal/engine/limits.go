package engine

import "github.com/shopspring/decimal"

var two = decimal.NewFromInt(2)

// Limits are the withdrawal ceilings derived from a member's confirmed
// contributions. They are never stored; every validation point recomputes
// them from the authoritative ledger so intervening contributions or
// withdrawals are always reflected.
type Limits struct {
	Tier1     decimal.Decimal
	Tier2     decimal.Decimal
	Effective decimal.Decimal
}

// ComputeLimits maps a contribution total and the verification flag to the
// tier ceilings. Tier 1 is the member's own contributions; tier 2 doubles
// that by drawing on pooled funds and requires identity verification.
func ComputeLimits(contributionTotal decimal.Decimal, verified bool) Limits {
	l := Limits{
		Tier1: contributionTotal,
		Tier2: contributionTotal.Mul(two),
	}
	if verified {
		l.Effective = l.Tier2
	} else {
		l.Effective = l.Tier1
	}
	return l
}
