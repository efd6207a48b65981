// Package ledger holds the authoritative state of the benefits pool:
// members, withdrawal requests, votes and the community pool balance.
// In production this is backed by the on-chain contract; the Memory
// implementation carries the same contract for in-process use and tests.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type RequestState string

const (
	StateVoting   RequestState = "voting"
	StateApproved RequestState = "approved"
	StateRejected RequestState = "rejected"
	StateExecuted RequestState = "executed"
)

var (
	ErrMemberExists          = errors.New("member exists")
	ErrMemberNotFound        = errors.New("member not found")
	ErrRequestNotFound       = errors.New("request not found")
	ErrDuplicateVote         = errors.New("duplicate vote")
	ErrDuplicateContribution = errors.New("duplicate contribution reference")
	ErrStateConflict         = errors.New("request state conflict")
	ErrExecutedConflict      = errors.New("request already executed")
	ErrLimitExceeded         = errors.New("amount exceeds current contribution total")
	ErrInsufficientPool      = errors.New("insufficient pool balance")
	ErrTransferFailed        = errors.New("fund transfer failed")
)

type Member struct {
	ID                string
	ContributionTotal decimal.Decimal
	Verified          bool
	LastWithdrawalAt  *time.Time
	WithdrawalCount   int64
	JoinedAt          time.Time
}

type Request struct {
	ID           string
	MemberID     string
	Amount       decimal.Decimal
	Reason       string
	State        RequestState
	VotesFor     int64
	VotesAgainst int64
	Deadline     time.Time
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ExecutedAt   *time.Time
	Executed     bool
}

type Vote struct {
	RequestID string
	VoterID   string
	Support   bool
	CastAt    time.Time
}

// SettleInput describes the ledger-side effects of a successful execution.
// Tier1 marks a draw covered by the member's own contributions; only those
// draws reduce the member's total. Tier-2 draws come out of the community
// pool alone.
type SettleInput struct {
	RequestID string
	MemberID  string
	Amount    decimal.Decimal
	Tier1     bool
	Now       time.Time
}

// Ledger is the authoritative source for every fund-moving decision.
// Display paths go through the read mirror instead.
type Ledger interface {
	RegisterMember(ctx context.Context, id string, now time.Time) (Member, error)
	Member(ctx context.Context, id string) (Member, error)
	SetVerified(ctx context.Context, id string, verified bool) (Member, error)

	// Credit records a confirmed contribution, idempotent per txRef.
	// The amount lands on both the member's total and the pool balance.
	Credit(ctx context.Context, memberID, txRef string, amount decimal.Decimal, now time.Time) (Member, error)
	PoolBalance(ctx context.Context) (decimal.Decimal, error)

	CreateRequest(ctx context.Context, req Request) error
	Request(ctx context.Context, id string) (Request, error)
	DueRequests(ctx context.Context, now time.Time) ([]Request, error)

	// AppendVote atomically checks the (request, voter) uniqueness
	// constraint, appends the vote and bumps the tally. The request must
	// still be in the voting state.
	AppendVote(ctx context.Context, v Vote) (Request, error)

	// TransitionState is a compare-and-set on the request state. Exactly
	// one concurrent caller wins; losers get ErrStateConflict along with
	// the current request.
	TransitionState(ctx context.Context, id string, from, to RequestState, now time.Time) (Request, error)

	// MarkExecuted is the single-executor compare-and-set on the executed
	// flag. ClearExecuted is the compensating action for a failed transfer.
	MarkExecuted(ctx context.Context, id string) (Request, error)
	ClearExecuted(ctx context.Context, id string) error

	// Settle moves the funds and applies the member-side bookkeeping. A
	// tier-1 draw revalidates the ceiling against the member's current
	// total under the same lock as the debit; ErrLimitExceeded means a
	// concurrent draw shrank it since the caller's check.
	Settle(ctx context.Context, in SettleInput) (Member, error)
}
