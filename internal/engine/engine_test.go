package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmutual/pool/internal/events"
	"github.com/openmutual/pool/internal/ledger"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *ledger.Memory, *testClock) {
	t.Helper()
	clock := newTestClock()
	cfg.Now = clock.Now
	mem := ledger.NewMemory()
	eng := New(mem, events.NewBus(nil, nil), nil, nil, cfg)
	return eng, mem, clock
}

func seedMember(t *testing.T, eng *Engine, id string, contribution int64, verified bool) {
	t.Helper()
	ctx := context.Background()
	_, err := eng.RegisterMember(ctx, id)
	require.NoError(t, err)
	if contribution > 0 {
		_, err = eng.RecordContribution(ctx, id, "seed-"+id, decimal.NewFromInt(contribution))
		require.NoError(t, err)
	}
	if verified {
		_, err = eng.SetVerified(ctx, id, true)
		require.NoError(t, err)
	}
}

func submit(t *testing.T, eng *Engine, memberID string, amount int64) ledger.Request {
	t.Helper()
	req, err := eng.Submit(context.Background(), SubmitInput{
		MemberID: memberID,
		Amount:   decimal.NewFromInt(amount),
		Reason:   "medical emergency",
	})
	require.NoError(t, err)
	return req
}

func castVotes(t *testing.T, eng *Engine, requestID string, votesFor, votesAgainst int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < votesFor+votesAgainst; i++ {
		voter := fmt.Sprintf("voter-%s-%d", requestID[:8], i)
		seedMember(t, eng, voter, 10, true)
		_, err := eng.CastVote(ctx, requestID, voter, i < votesFor)
		require.NoError(t, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)

	_, err := eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.Zero, Reason: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.NewFromInt(-5), Reason: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.NewFromInt(10), Reason: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = eng.Submit(ctx, SubmitInput{MemberID: "nobody", Amount: decimal.NewFromInt(10), Reason: "x"})
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)
}

func TestSubmitTierLimits(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	seedMember(t, eng, "bob", 100, true)

	// Unverified: capped at own contributions.
	_, err := eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.NewFromInt(101), Reason: "rent"})
	assert.ErrorIs(t, err, ErrLimitExceeded)
	req := submit(t, eng, "alice", 100)
	assert.Equal(t, ledger.StateVoting, req.State)

	// Verified: up to double.
	_, err = eng.Submit(ctx, SubmitInput{MemberID: "bob", Amount: decimal.NewFromInt(201), Reason: "rent"})
	assert.ErrorIs(t, err, ErrLimitExceeded)
	req = submit(t, eng, "bob", 200)
	assert.Equal(t, ledger.StateVoting, req.State)
}

func TestSubmitSetsDeadline(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{VotingWindow: 7 * 24 * time.Hour})
	seedMember(t, eng, "alice", 100, false)
	req := submit(t, eng, "alice", 50)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), req.Deadline)
	assert.Equal(t, clock.Now(), req.CreatedAt)
}

func TestContributionIdempotency(t *testing.T) {
	eng, mem, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 0, false)

	_, err := eng.RecordContribution(ctx, "alice", "tx-1", decimal.NewFromInt(50))
	require.NoError(t, err)
	_, err = eng.RecordContribution(ctx, "alice", "tx-1", decimal.NewFromInt(50))
	assert.ErrorIs(t, err, ledger.ErrDuplicateContribution)

	member, err := mem.Member(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, member.ContributionTotal.Equal(decimal.NewFromInt(50)), "duplicate reference must not double-count")
}

func TestCastVoteGates(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	seedMember(t, eng, "verified", 10, true)
	seedMember(t, eng, "unverified", 10, false)
	req := submit(t, eng, "alice", 50)

	_, err := eng.CastVote(ctx, req.ID, "alice", true)
	assert.ErrorIs(t, err, ErrSelfVote)

	_, err = eng.CastVote(ctx, req.ID, "unverified", true)
	assert.ErrorIs(t, err, ErrUnauthorizedVoter)

	_, err = eng.CastVote(ctx, req.ID, "ghost", true)
	assert.ErrorIs(t, err, ledger.ErrMemberNotFound)

	updated, err := eng.CastVote(ctx, req.ID, "verified", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.VotesFor)

	_, err = eng.CastVote(ctx, req.ID, "verified", false)
	assert.ErrorIs(t, err, ErrDuplicateVote)
}

func TestSelfVoteRejectedEvenWhenVerified(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	seedMember(t, eng, "alice", 100, true)
	req := submit(t, eng, "alice", 50)
	_, err := eng.CastVote(context.Background(), req.ID, "alice", true)
	assert.ErrorIs(t, err, ErrSelfVote)
}

func TestCastVoteAfterDeadline(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	seedMember(t, eng, "alice", 100, false)
	seedMember(t, eng, "bob", 10, true)
	req := submit(t, eng, "alice", 50)

	clock.Advance(8 * 24 * time.Hour)
	_, err := eng.CastVote(context.Background(), req.ID, "bob", true)
	assert.ErrorIs(t, err, ErrVotingClosed)

	// The late vote attempt triggered the lazy resolution.
	current, err := eng.Request(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRejected, current.State, "zero votes at deadline rejects")
}

func TestConcurrentDuplicateVotes(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	seedMember(t, eng, "alice", 100, false)
	seedMember(t, eng, "bob", 10, true)
	req := submit(t, eng, "alice", 50)

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.CastVote(context.Background(), req.ID, "bob", true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	accepted, duplicates := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrDuplicateVote):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one vote accepted under any interleaving")
	assert.Equal(t, attempts-1, duplicates)

	current, err := eng.Request(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.VotesFor)
	assert.Equal(t, int64(0), current.VotesAgainst)
}

func TestResolveOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		votesFor     int
		votesAgainst int
		want         ledger.RequestState
	}{
		{"sixty percent approves", 6, 4, ledger.StateApproved},
		{"fifty percent rejects", 5, 5, ledger.StateRejected},
		{"zero votes rejects", 0, 0, ledger.StateRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, clock := newTestEngine(t, Config{})
			seedMember(t, eng, "alice", 100, false)
			req := submit(t, eng, "alice", 50)
			castVotes(t, eng, req.ID, tt.votesFor, tt.votesAgainst)

			clock.Advance(8 * 24 * time.Hour)
			resolved, err := eng.Resolve(context.Background(), req.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resolved.State)
		})
	}
}

func TestResolveBeforeDeadline(t *testing.T) {
	eng, _, _ := newTestEngine(t, Config{})
	seedMember(t, eng, "alice", 100, false)
	req := submit(t, eng, "alice", 50)

	_, err := eng.Resolve(context.Background(), req.ID)
	assert.ErrorIs(t, err, ErrVotingOpen)
}

func TestResolveIdempotent(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	seedMember(t, eng, "alice", 100, false)
	req := submit(t, eng, "alice", 50)
	castVotes(t, eng, req.ID, 3, 0)

	clock.Advance(8 * 24 * time.Hour)
	first, err := eng.Resolve(context.Background(), req.ID)
	require.NoError(t, err)
	second, err := eng.Resolve(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)
}

func TestConcurrentResolveSingleTransition(t *testing.T) {
	eng, mem, clock := newTestEngine(t, Config{})
	bus := events.NewBus(nil, nil)
	eng = New(mem, bus, nil, nil, Config{Now: clock.Now})
	seedMember(t, eng, "alice", 100, false)
	req := submit(t, eng, "alice", 50)
	castVotes(t, eng, req.ID, 3, 0)

	sub := bus.Subscribe(events.TypeRequestResolved)
	clock.Advance(8 * 24 * time.Hour)

	const racers = 8
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Resolve(context.Background(), req.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	resolvedEvents := 0
	for {
		select {
		case <-sub.Ch:
			resolvedEvents++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, resolvedEvents, "only the CAS winner emits the transition")
}

func approvedRequest(t *testing.T, eng *Engine, clock *testClock, memberID string, amount int64) ledger.Request {
	t.Helper()
	req := submit(t, eng, memberID, amount)
	castVotes(t, eng, req.ID, 3, 0)
	clock.Advance(8 * 24 * time.Hour)
	resolved, err := eng.Resolve(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.StateApproved, resolved.State)
	return resolved
}

func TestExecuteTier1DrawsFromMemberLedger(t *testing.T) {
	eng, mem, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	req := approvedRequest(t, eng, clock, "alice", 60)

	executed, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExecuted, executed.State)
	assert.True(t, executed.Executed)

	member, err := mem.Member(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, member.ContributionTotal.Equal(decimal.NewFromInt(40)), "tier-1 draw reduces the member's own total")
	assert.Equal(t, int64(1), member.WithdrawalCount)
	require.NotNil(t, member.LastWithdrawalAt)
	assert.Equal(t, clock.Now(), *member.LastWithdrawalAt)
}

func TestExecuteTier2DrawsFromPoolOnly(t *testing.T) {
	eng, mem, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, true)
	// Tier-2 draws come out of pooled community funds.
	seedMember(t, eng, "backer", 1000, false)
	req := approvedRequest(t, eng, clock, "alice", 150)

	poolBefore, err := mem.PoolBalance(ctx)
	require.NoError(t, err)

	_, err = eng.Execute(ctx, req.ID)
	require.NoError(t, err)

	member, err := mem.Member(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, member.ContributionTotal.Equal(decimal.NewFromInt(100)), "tier-2 draw leaves the member total untouched")

	poolAfter, err := mem.PoolBalance(ctx)
	require.NoError(t, err)
	assert.True(t, poolBefore.Sub(poolAfter).Equal(decimal.NewFromInt(150)))
}

func TestExecuteRechecksLimit(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)

	// Both requests pass validation against the original total of 100.
	first := submit(t, eng, "alice", 100)
	second := submit(t, eng, "alice", 60)
	castVotes(t, eng, first.ID, 3, 0)
	castVotes(t, eng, second.ID, 3, 0)
	clock.Advance(8 * 24 * time.Hour)
	_, err := eng.Resolve(ctx, first.ID)
	require.NoError(t, err)
	_, err = eng.Resolve(ctx, second.ID)
	require.NoError(t, err)

	// Executing the second drops the total to 40; the first no longer fits.
	_, err = eng.Execute(ctx, second.ID)
	require.NoError(t, err)
	_, err = eng.Execute(ctx, first.ID)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestConcurrentExecutesShareOneCeiling(t *testing.T) {
	// Two approved requests that each fit the ceiling alone must not both
	// settle: the ledger revalidates the tier-1 draw atomically, so the
	// loser gets ErrLimitExceeded and the total never goes negative.
	for i := 0; i < 100; i++ {
		eng, mem, clock := newTestEngine(t, Config{})
		ctx := context.Background()
		seedMember(t, eng, "alice", 100, false)
		first := submit(t, eng, "alice", 100)
		second := submit(t, eng, "alice", 100)
		castVotes(t, eng, first.ID, 3, 0)
		castVotes(t, eng, second.ID, 3, 0)

		clock.Advance(8 * 24 * time.Hour)
		_, err := eng.Resolve(ctx, first.ID)
		require.NoError(t, err)
		_, err = eng.Resolve(ctx, second.ID)
		require.NoError(t, err)

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, id := range []string{first.ID, second.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				<-start
				_, err := eng.Execute(ctx, id)
				errs <- err
			}(id)
		}
		close(start)
		wg.Wait()
		close(errs)

		settled, refused := 0, 0
		for err := range errs {
			switch {
			case err == nil:
				settled++
			case errors.Is(err, ErrLimitExceeded):
				refused++
			default:
				t.Fatalf("iteration %d: unexpected error: %v", i, err)
			}
		}
		require.Equal(t, 1, settled, "iteration %d: exactly one draw settles", i)
		require.Equal(t, 1, refused, "iteration %d: the loser is refused", i)

		member, err := mem.Member(ctx, "alice")
		require.NoError(t, err)
		require.False(t, member.ContributionTotal.IsNegative(),
			"iteration %d: contribution total went negative", i)
		require.True(t, member.ContributionTotal.Equal(decimal.Zero))
	}
}

func TestExecuteStateGates(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)

	voting := submit(t, eng, "alice", 50)
	_, err := eng.Execute(ctx, voting.ID)
	assert.ErrorIs(t, err, ErrVotingOpen)

	rejected := submit(t, eng, "alice", 40)
	clock.Advance(8 * 24 * time.Hour)
	_, err = eng.Resolve(ctx, rejected.ID)
	require.NoError(t, err)
	_, err = eng.Execute(ctx, rejected.ID)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestExecuteIdempotent(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	req := approvedRequest(t, eng, clock, "alice", 60)

	first, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)
	second, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
}

func TestExecuteTransferFailureRollsBack(t *testing.T) {
	eng, mem, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	req := approvedRequest(t, eng, clock, "alice", 60)

	mem.SetTransferHook(func(ledger.SettleInput) error {
		return errors.New("rpc timeout")
	})
	_, err := eng.Execute(ctx, req.ID)
	assert.ErrorIs(t, err, ErrTransferFailed)

	current, err := eng.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateApproved, current.State, "state survives a failed transfer")
	assert.False(t, current.Executed, "executed flag rolled back")

	member, err := mem.Member(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, member.ContributionTotal.Equal(decimal.NewFromInt(100)))
	assert.Nil(t, member.LastWithdrawalAt)

	// Retry succeeds once the transfer path recovers.
	mem.SetTransferHook(nil)
	executed, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateExecuted, executed.State)
}

func TestCooldownBlocksSecondRequest(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 200, false)
	req := approvedRequest(t, eng, clock, "alice", 50)
	_, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)

	clock.Advance(89 * 24 * time.Hour)
	_, err = eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.NewFromInt(10), Reason: "rent"})
	assert.ErrorIs(t, err, ErrCooldownActive)
	var cooldownErr *CooldownError
	require.ErrorAs(t, err, &cooldownErr)
	assert.Equal(t, clock.Now().Add(24*time.Hour), cooldownErr.RetryAfter)

	clock.Advance(24 * time.Hour)
	_, err = eng.Submit(ctx, SubmitInput{MemberID: "alice", Amount: decimal.NewFromInt(10), Reason: "rent"})
	assert.NoError(t, err)
}

func TestCooldownAtExecutionFlag(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{CooldownAtExecution: true})
	ctx := context.Background()
	seedMember(t, eng, "alice", 200, false)
	req := approvedRequest(t, eng, clock, "alice", 50)
	_, err := eng.Execute(ctx, req.ID)
	require.NoError(t, err)

	// Creation is unrestricted under this policy...
	second := submit(t, eng, "alice", 50)
	castVotes(t, eng, second.ID, 3, 0)
	clock.Advance(8 * 24 * time.Hour)
	_, err = eng.Resolve(ctx, second.ID)
	require.NoError(t, err)

	// ...but execution enforces the spacing.
	_, err = eng.Execute(ctx, second.ID)
	assert.ErrorIs(t, err, ErrCooldownActive)
}

func TestSweepResolvesDueRequests(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, false)
	seedMember(t, eng, "carol", 100, false)
	first := submit(t, eng, "alice", 50)
	second := submit(t, eng, "carol", 50)
	castVotes(t, eng, first.ID, 3, 0)

	clock.Advance(8 * 24 * time.Hour)
	eng.Sweep(ctx)

	got, err := eng.Request(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateApproved, got.State)
	got, err = eng.Request(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRejected, got.State)
}

func TestMemberStatus(t *testing.T) {
	eng, _, clock := newTestEngine(t, Config{})
	ctx := context.Background()
	seedMember(t, eng, "alice", 100, true)

	status, err := eng.MemberStatus(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, status.Limits.Effective.Equal(decimal.NewFromInt(200)))
	assert.True(t, status.EligibleToSubmit)
	assert.Nil(t, status.CooldownUntil)

	req := approvedRequest(t, eng, clock, "alice", 50)
	_, err = eng.Execute(ctx, req.ID)
	require.NoError(t, err)

	status, err = eng.MemberStatus(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, status.EligibleToSubmit)
	require.NotNil(t, status.CooldownUntil)
	assert.Equal(t, clock.Now().Add(90*24*time.Hour), *status.CooldownUntil)
}
