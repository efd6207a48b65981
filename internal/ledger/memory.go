package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Memory is the in-process Ledger. A single mutex gives every method the
// atomicity the interface demands; state reads return copies so callers
// never alias internal maps.
type Memory struct {
	mu       sync.Mutex
	members  map[string]Member
	requests map[string]Request
	votes    map[string]map[string]Vote // request id -> voter id
	txRefs   map[string]struct{}
	pool     decimal.Decimal

	transferHook func(SettleInput) error
}

func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]Member),
		requests: make(map[string]Request),
		votes:    make(map[string]map[string]Vote),
		txRefs:   make(map[string]struct{}),
		pool:     decimal.Zero,
	}
}

// SetTransferHook installs the outbound transfer call invoked by Settle.
// The default hook always succeeds; tests use this to inject failures.
func (m *Memory) SetTransferHook(hook func(SettleInput) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transferHook = hook
}

func (m *Memory) RegisterMember(_ context.Context, id string, now time.Time) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; ok {
		return Member{}, ErrMemberExists
	}
	member := Member{
		ID:                id,
		ContributionTotal: decimal.Zero,
		JoinedAt:          now,
	}
	m.members[id] = member
	return member, nil
}

func (m *Memory) Member(_ context.Context, id string) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return member, nil
}

func (m *Memory) SetVerified(_ context.Context, id string, verified bool) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[id]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	member.Verified = verified
	m.members[id] = member
	return member, nil
}

func (m *Memory) Credit(_ context.Context, memberID, txRef string, amount decimal.Decimal, _ time.Time) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	if _, seen := m.txRefs[txRef]; seen {
		return Member{}, ErrDuplicateContribution
	}
	m.txRefs[txRef] = struct{}{}
	member.ContributionTotal = member.ContributionTotal.Add(amount)
	m.members[memberID] = member
	m.pool = m.pool.Add(amount)
	return member, nil
}

func (m *Memory) PoolBalance(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool, nil
}

func (m *Memory) CreateRequest(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	m.requests[req.ID] = req
	m.votes[req.ID] = make(map[string]Vote)
	return nil
}

func (m *Memory) Request(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return req, nil
}

func (m *Memory) DueRequests(_ context.Context, now time.Time) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []Request
	for _, req := range m.requests {
		if req.State == StateVoting && !req.Deadline.After(now) {
			due = append(due, req)
		}
	}
	return due, nil
}

func (m *Memory) AppendVote(_ context.Context, v Vote) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[v.RequestID]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if req.State != StateVoting {
		return req, ErrStateConflict
	}
	if _, exists := m.votes[v.RequestID][v.VoterID]; exists {
		return req, ErrDuplicateVote
	}
	m.votes[v.RequestID][v.VoterID] = v
	if v.Support {
		req.VotesFor++
	} else {
		req.VotesAgainst++
	}
	m.requests[v.RequestID] = req
	return req, nil
}

func (m *Memory) TransitionState(_ context.Context, id string, from, to RequestState, now time.Time) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if req.State != from {
		return req, ErrStateConflict
	}
	req.State = to
	switch to {
	case StateApproved, StateRejected:
		t := now
		req.ResolvedAt = &t
	case StateExecuted:
		t := now
		req.ExecutedAt = &t
	}
	m.requests[id] = req
	return req, nil
}

func (m *Memory) MarkExecuted(_ context.Context, id string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	if req.Executed {
		return req, ErrExecutedConflict
	}
	req.Executed = true
	m.requests[id] = req
	return req, nil
}

func (m *Memory) ClearExecuted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.Executed = false
	m.requests[id] = req
	return nil
}

func (m *Memory) Settle(_ context.Context, in SettleInput) (Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[in.MemberID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	if in.Tier1 && member.ContributionTotal.LessThan(in.Amount) {
		return Member{}, ErrLimitExceeded
	}
	if m.pool.LessThan(in.Amount) {
		return Member{}, ErrInsufficientPool
	}
	if m.transferHook != nil {
		if err := m.transferHook(in); err != nil {
			return Member{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	m.pool = m.pool.Sub(in.Amount)
	if in.Tier1 {
		member.ContributionTotal = member.ContributionTotal.Sub(in.Amount)
	}
	t := in.Now
	member.LastWithdrawalAt = &t
	member.WithdrawalCount++
	m.members[in.MemberID] = member
	return member, nil
}
