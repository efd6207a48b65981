package engine

// approvalRatioPermille reports the supporting-vote share in permille,
// zero when no votes were cast.
func approvalRatioPermille(votesFor, votesAgainst int64) int64 {
	total := votesFor + votesAgainst
	if total == 0 {
		return 0
	}
	return votesFor * 1000 / total
}

// decide is the resolution function: approved iff at least one vote was
// cast and the supporting share meets the threshold. The comparison is
// cross-multiplied so the boundary is exact (6 of 10 approves at 60%, 5 of
// 10 rejects). It depends only on the tally, never on when it runs, so the
// lazy read path and the sweeper always agree.
func decide(votesFor, votesAgainst, thresholdPct int64) bool {
	total := votesFor + votesAgainst
	if total == 0 {
		return false
	}
	return votesFor*100 >= thresholdPct*total
}
