// Package engine implements the withdrawal request lifecycle: tiered limit
// checks, the 90-day cooldown, quorum voting and execution against the
// authoritative ledger. Every fund-moving decision re-reads the ledger at
// the moment of the transition; the read mirror is display-only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/openmutual/pool/internal/events"
	"github.com/openmutual/pool/internal/ledger"
)

const maxReasonLength = 500

type Config struct {
	// VotingWindow is added to the creation time to produce the deadline.
	VotingWindow time.Duration
	// CooldownPeriod is the minimum spacing between executed withdrawals.
	CooldownPeriod time.Duration
	// ApprovalThresholdPct is the minimum supporting-vote share, inclusive.
	ApprovalThresholdPct int64
	// CooldownAtExecution moves the cooldown check from request creation
	// to execution. The observed system checks at creation, which lets a
	// member queue a new request the moment the previous one resolves;
	// that behavior is preserved as the default.
	CooldownAtExecution bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		VotingWindow:         7 * 24 * time.Hour,
		CooldownPeriod:       90 * 24 * time.Hour,
		ApprovalThresholdPct: 60,
	}
}

type Engine struct {
	cfg     config
	ledger  ledger.Ledger
	bus     *events.Bus
	logger  *slog.Logger
	metrics *engineMetrics
}

// config is Config with defaults applied.
type config struct {
	VotingWindow         time.Duration
	CooldownPeriod       time.Duration
	ApprovalThresholdPct int64
	CooldownAtExecution  bool
	Now                  func() time.Time
}

func New(l ledger.Ledger, bus *events.Bus, logger *slog.Logger, promRegistry prometheus.Registerer, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = def.VotingWindow
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = def.CooldownPeriod
	}
	if cfg.ApprovalThresholdPct <= 0 {
		cfg.ApprovalThresholdPct = def.ApprovalThresholdPct
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg: config{
			VotingWindow:         cfg.VotingWindow,
			CooldownPeriod:       cfg.CooldownPeriod,
			ApprovalThresholdPct: cfg.ApprovalThresholdPct,
			CooldownAtExecution:  cfg.CooldownAtExecution,
			Now:                  cfg.Now,
		},
		ledger:  l,
		bus:     bus,
		logger:  logger,
		metrics: newEngineMetrics(promRegistry),
	}
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

// RegisterMember adds a wallet identity to the pool.
func (e *Engine) RegisterMember(ctx context.Context, memberID string) (ledger.Member, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return ledger.Member{}, validationError("member id is required")
	}
	return e.ledger.RegisterMember(ctx, memberID, e.now())
}

// SetVerified records the external verifier's result for a member. The
// flag gates tier-2 limits and voting rights and may be revoked.
func (e *Engine) SetVerified(ctx context.Context, memberID string, verified bool) (ledger.Member, error) {
	return e.ledger.SetVerified(ctx, memberID, verified)
}

// RecordContribution credits a confirmed contribution, idempotent per
// transaction reference.
func (e *Engine) RecordContribution(ctx context.Context, memberID, txRef string, amount decimal.Decimal) (ledger.Member, error) {
	txRef = strings.TrimSpace(txRef)
	if txRef == "" {
		return ledger.Member{}, validationError("transaction reference is required")
	}
	if !amount.IsPositive() {
		return ledger.Member{}, validationError("amount must be positive")
	}
	now := e.now()
	member, err := e.ledger.Credit(ctx, memberID, txRef, amount, now)
	if err != nil {
		return ledger.Member{}, err
	}
	e.publish(events.TypeContributionRecorded, "contribution:"+txRef, now, events.ContributionRecordedData{
		MemberID:   member.ID,
		TxRef:      txRef,
		Amount:     amount,
		Total:      member.ContributionTotal,
		RecordedAt: now,
	})
	return member, nil
}

type SubmitInput struct {
	MemberID string
	Amount   decimal.Decimal
	Reason   string
}

// Submit validates cooldown and tier ceiling and creates a request in the
// voting state. The deadline is creation time plus the voting window.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (ledger.Request, error) {
	in.Reason = strings.TrimSpace(in.Reason)
	if !in.Amount.IsPositive() {
		return ledger.Request{}, validationError("amount must be positive")
	}
	if in.Reason == "" {
		return ledger.Request{}, validationError("reason is required")
	}
	if len(in.Reason) > maxReasonLength {
		return ledger.Request{}, validationError("reason is too long")
	}
	member, err := e.ledger.Member(ctx, in.MemberID)
	if err != nil {
		return ledger.Request{}, err
	}
	now := e.now()
	if !e.cfg.CooldownAtExecution {
		if err := e.checkCooldown(member, now); err != nil {
			return ledger.Request{}, err
		}
	}
	limits := ComputeLimits(member.ContributionTotal, member.Verified)
	if in.Amount.GreaterThan(limits.Effective) {
		return ledger.Request{}, fmt.Errorf("%w: requested %s, effective limit %s",
			ErrLimitExceeded, in.Amount, limits.Effective)
	}
	req := ledger.Request{
		ID:        uuid.NewString(),
		MemberID:  member.ID,
		Amount:    in.Amount,
		Reason:    in.Reason,
		State:     ledger.StateVoting,
		Deadline:  now.Add(e.cfg.VotingWindow),
		CreatedAt: now,
	}
	if err := e.ledger.CreateRequest(ctx, req); err != nil {
		return ledger.Request{}, err
	}
	e.metrics.requestsCreated.Inc()
	e.logger.Info("withdrawal request created",
		"request_id", req.ID,
		"member_id", req.MemberID,
		"amount", req.Amount,
		"deadline", req.Deadline,
	)
	e.publish(events.TypeRequestCreated, "request.created:"+req.ID, now, events.RequestCreatedData{
		RequestID: req.ID,
		MemberID:  req.MemberID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Deadline:  req.Deadline,
		CreatedAt: req.CreatedAt,
	})
	return req, nil
}

// CastVote appends one immutable vote. The ledger enforces the
// one-vote-per-member constraint atomically, so concurrent duplicates
// resolve to exactly one accepted vote.
func (e *Engine) CastVote(ctx context.Context, requestID, voterID string, support bool) (ledger.Request, error) {
	req, err := e.ledger.Request(ctx, requestID)
	if err != nil {
		return ledger.Request{}, err
	}
	if req.State != ledger.StateVoting {
		return req, ErrVotingClosed
	}
	now := e.now()
	if !req.Deadline.After(now) {
		// Past the deadline the tally is frozen; resolve instead.
		if resolved, rerr := e.Resolve(ctx, requestID); rerr == nil {
			return resolved, ErrVotingClosed
		}
		return req, ErrVotingClosed
	}
	if voterID == req.MemberID {
		return req, ErrSelfVote
	}
	voter, err := e.ledger.Member(ctx, voterID)
	if err != nil {
		return ledger.Request{}, err
	}
	if !voter.Verified {
		return req, ErrUnauthorizedVoter
	}
	req, err = e.ledger.AppendVote(ctx, ledger.Vote{
		RequestID: requestID,
		VoterID:   voterID,
		Support:   support,
		CastAt:    now,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateVote):
			return req, ErrDuplicateVote
		case errors.Is(err, ledger.ErrStateConflict):
			return req, ErrVotingClosed
		}
		return ledger.Request{}, err
	}
	e.metrics.votesCast.Inc()
	e.publish(events.TypeVoteCast, fmt.Sprintf("vote.cast:%s:%s", requestID, voterID), now, events.VoteCastData{
		RequestID:    requestID,
		VoterID:      voterID,
		Support:      support,
		CastAt:       now,
		VotesFor:     req.VotesFor,
		VotesAgainst: req.VotesAgainst,
	})
	return req, nil
}

// Resolve moves a request past its deadline into approved or rejected.
// The decision is a pure function of the tally, and the state transition
// is a compare-and-set, so concurrent callers (the lazy read path and the
// sweeper) converge on the same terminal state; losers no-op.
func (e *Engine) Resolve(ctx context.Context, requestID string) (ledger.Request, error) {
	req, err := e.ledger.Request(ctx, requestID)
	if err != nil {
		return ledger.Request{}, err
	}
	if req.State != ledger.StateVoting {
		return req, nil
	}
	now := e.now()
	if req.Deadline.After(now) {
		return req, ErrVotingOpen
	}
	to := ledger.StateRejected
	if decide(req.VotesFor, req.VotesAgainst, e.cfg.ApprovalThresholdPct) {
		to = ledger.StateApproved
	}
	resolved, err := e.ledger.TransitionState(ctx, requestID, ledger.StateVoting, to, now)
	if err != nil {
		if errors.Is(err, ledger.ErrStateConflict) {
			// Another caller won the transition.
			return resolved, nil
		}
		return ledger.Request{}, err
	}
	e.metrics.requestsResolved.WithLabelValues(string(to)).Inc()
	e.logger.Info("withdrawal request resolved",
		"request_id", requestID,
		"outcome", to,
		"votes_for", resolved.VotesFor,
		"votes_against", resolved.VotesAgainst,
		"approval_permille", approvalRatioPermille(resolved.VotesFor, resolved.VotesAgainst),
	)
	e.publish(events.TypeRequestResolved, "request.resolved:"+requestID, now, events.RequestResolvedData{
		RequestID:    requestID,
		Approved:     to == ledger.StateApproved,
		VotesFor:     resolved.VotesFor,
		VotesAgainst: resolved.VotesAgainst,
		ResolvedAt:   now,
	})
	return resolved, nil
}

// ResolveIfDue resolves a request whose deadline has passed and returns
// the current request either way. Read paths use it so display state never
// shows a stale voting request past its deadline.
func (e *Engine) ResolveIfDue(ctx context.Context, requestID string) (ledger.Request, error) {
	req, err := e.Resolve(ctx, requestID)
	if errors.Is(err, ErrVotingOpen) {
		return req, nil
	}
	return req, err
}

// Execute pays out an approved request. The effective limit is recomputed
// against the current ledger: contributions may have dropped since
// approval, in which case execution is refused. The check here is a fast
// path; the ledger revalidates a tier-1 draw atomically at settlement, so
// two approved requests racing past this check cannot both draw beyond
// the member's total. The executed flag is a compare-and-set so only one
// executor moves funds; a failed transfer clears the flag again and
// surfaces ErrTransferFailed for retry.
func (e *Engine) Execute(ctx context.Context, requestID string) (ledger.Request, error) {
	req, err := e.ledger.Request(ctx, requestID)
	if err != nil {
		return ledger.Request{}, err
	}
	switch req.State {
	case ledger.StateExecuted:
		return req, nil
	case ledger.StateVoting:
		return req, ErrVotingOpen
	case ledger.StateRejected:
		return req, ErrNotApproved
	}
	member, err := e.ledger.Member(ctx, req.MemberID)
	if err != nil {
		return ledger.Request{}, err
	}
	now := e.now()
	if e.cfg.CooldownAtExecution {
		if err := e.checkCooldown(member, now); err != nil {
			return req, err
		}
	}
	limits := ComputeLimits(member.ContributionTotal, member.Verified)
	if req.Amount.GreaterThan(limits.Effective) {
		return req, fmt.Errorf("%w: requested %s, effective limit now %s",
			ErrLimitExceeded, req.Amount, limits.Effective)
	}
	tier1 := !req.Amount.GreaterThan(limits.Tier1)

	if _, err := e.ledger.MarkExecuted(ctx, requestID); err != nil {
		if errors.Is(err, ledger.ErrExecutedConflict) {
			// Race loser: the winner either finishes or rolls back.
			current, gerr := e.ledger.Request(ctx, requestID)
			if gerr != nil {
				return ledger.Request{}, gerr
			}
			return current, nil
		}
		return ledger.Request{}, err
	}

	if _, err := e.ledger.Settle(ctx, ledger.SettleInput{
		RequestID: requestID,
		MemberID:  req.MemberID,
		Amount:    req.Amount,
		Tier1:     tier1,
		Now:       now,
	}); err != nil {
		if cerr := e.ledger.ClearExecuted(ctx, requestID); cerr != nil {
			e.logger.Error("failed to roll back executed flag",
				"request_id", requestID, "error", cerr)
		}
		if errors.Is(err, ledger.ErrLimitExceeded) {
			// A concurrent execution for the same member settled first
			// and shrank the ceiling between the check above and here.
			return req, fmt.Errorf("%w: ceiling shrank before settlement", ErrLimitExceeded)
		}
		e.metrics.transferFailures.Inc()
		return req, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	executed, err := e.ledger.TransitionState(ctx, requestID, ledger.StateApproved, ledger.StateExecuted, now)
	if err != nil && !errors.Is(err, ledger.ErrStateConflict) {
		return ledger.Request{}, err
	}
	e.metrics.requestsExecuted.Inc()
	e.logger.Info("withdrawal request executed",
		"request_id", requestID,
		"member_id", req.MemberID,
		"amount", req.Amount,
		"tier1", tier1,
	)
	e.publish(events.TypeRequestExecuted, "request.executed:"+requestID, now, events.RequestExecutedData{
		RequestID:  requestID,
		MemberID:   req.MemberID,
		Amount:     req.Amount,
		Tier1:      tier1,
		ExecutedAt: now,
	})
	return executed, nil
}

// Request returns the authoritative request state.
func (e *Engine) Request(ctx context.Context, requestID string) (ledger.Request, error) {
	return e.ledger.Request(ctx, requestID)
}

// MemberStatus is the per-member view the dashboard shows: current
// ceilings and cooldown position alongside the ledger record.
type MemberStatus struct {
	Member           ledger.Member
	Limits           Limits
	CooldownUntil    *time.Time
	EligibleToSubmit bool
}

func (e *Engine) MemberStatus(ctx context.Context, memberID string) (MemberStatus, error) {
	member, err := e.ledger.Member(ctx, memberID)
	if err != nil {
		return MemberStatus{}, err
	}
	status := MemberStatus{
		Member:           member,
		Limits:           ComputeLimits(member.ContributionTotal, member.Verified),
		EligibleToSubmit: true,
	}
	if remaining := cooldownRemaining(member, e.cfg.CooldownPeriod, e.now()); remaining > 0 {
		until := e.now().Add(remaining)
		status.CooldownUntil = &until
		if !e.cfg.CooldownAtExecution {
			status.EligibleToSubmit = false
		}
	}
	return status, nil
}

// publish is best-effort: the bus never blocks and failures never unwind
// the transition that produced the event.
func (e *Engine) publish(eventType events.Type, dedupKey string, ts time.Time, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.New(eventType, dedupKey, ts, data))
}
