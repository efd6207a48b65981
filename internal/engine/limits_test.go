package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestComputeLimitsUnverified(t *testing.T) {
	total := decimal.NewFromInt(250)
	l := ComputeLimits(total, false)
	assert.True(t, l.Tier1.Equal(total))
	assert.True(t, l.Tier2.Equal(decimal.NewFromInt(500)))
	assert.True(t, l.Effective.Equal(total), "unverified members cap at their own contributions")
}

func TestComputeLimitsVerified(t *testing.T) {
	total := decimal.NewFromInt(250)
	l := ComputeLimits(total, true)
	assert.True(t, l.Effective.Equal(decimal.NewFromInt(500)), "verified members reach double their contributions")
}

func TestComputeLimitsZeroContributions(t *testing.T) {
	l := ComputeLimits(decimal.Zero, true)
	assert.True(t, l.Effective.IsZero(), "no contributions means no withdrawal ceiling at all")
}

func TestComputeLimitsFractionalAmounts(t *testing.T) {
	total := decimal.RequireFromString("33.5")
	l := ComputeLimits(total, true)
	assert.True(t, l.Tier2.Equal(decimal.RequireFromString("67")))
}
