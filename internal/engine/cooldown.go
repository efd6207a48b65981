package engine

import (
	"time"

	"github.com/openmutual/pool/internal/ledger"
)

// cooldownRemaining returns how long until the member may request again,
// or zero if the cooldown has elapsed (or no withdrawal has executed yet).
// Exactly at the boundary the member is eligible.
func cooldownRemaining(member ledger.Member, period time.Duration, now time.Time) time.Duration {
	if member.LastWithdrawalAt == nil {
		return 0
	}
	remaining := member.LastWithdrawalAt.Add(period).Sub(now)
	if remaining <= 0 {
		return 0
	}
	return remaining
}

func (e *Engine) checkCooldown(member ledger.Member, now time.Time) error {
	if remaining := cooldownRemaining(member, e.cfg.CooldownPeriod, now); remaining > 0 {
		return &CooldownError{RetryAfter: now.Add(remaining)}
	}
	return nil
}
