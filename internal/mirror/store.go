// Package mirror maintains the relational read model of the request
// lifecycle. It consumes the event stream idempotently (dedup by the
// natural key each transition carries) and serves display queries. It is
// eventually consistent and never consulted for fund-moving decisions.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openmutual/pool/internal/events"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type RequestView struct {
	ID           string
	MemberID     string
	Amount       decimal.Decimal
	Reason       string
	State        string
	VotesFor     int64
	VotesAgainst int64
	Deadline     time.Time
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	ExecutedAt   *time.Time
}

type VoteView struct {
	RequestID string
	VoterID   string
	Support   bool
	CastAt    time.Time
}

type ContributionView struct {
	TxRef      string
	MemberID   string
	Amount     decimal.Decimal
	RecordedAt time.Time
}

// ApplyEvent folds one stream event into the read model. Replays and
// duplicates are no-ops: inserts land on natural-key conflicts and updates
// are conditioned on the prior state, so at-least-once delivery is safe.
func (s *Store) ApplyEvent(ctx context.Context, evt events.Event) error {
	switch data := evt.Data.(type) {
	case events.ContributionRecordedData:
		_, err := s.pool.Exec(ctx, `
			INSERT INTO contributions (tx_ref, member_id, amount, recorded_at)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (tx_ref) DO NOTHING
		`, data.TxRef, data.MemberID, data.Amount.String(), data.RecordedAt)
		return err
	case events.RequestCreatedData:
		_, err := s.pool.Exec(ctx, `
			INSERT INTO requests (id, member_id, amount, reason, state, deadline, created_at)
			VALUES ($1, $2, $3::numeric, $4, 'voting', $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, data.RequestID, data.MemberID, data.Amount.String(), data.Reason, data.Deadline, data.CreatedAt)
		return err
	case events.VoteCastData:
		return s.applyVote(ctx, data)
	case events.RequestResolvedData:
		state := "rejected"
		if data.Approved {
			state = "approved"
		}
		_, err := s.pool.Exec(ctx, `
			UPDATE requests
			SET state = $2,
			    votes_for = GREATEST(votes_for, $3),
			    votes_against = GREATEST(votes_against, $4),
			    resolved_at = $5
			WHERE id = $1 AND state = 'voting'
		`, data.RequestID, state, data.VotesFor, data.VotesAgainst, data.ResolvedAt)
		return err
	case events.RequestExecutedData:
		_, err := s.pool.Exec(ctx, `
			UPDATE requests
			SET state = 'executed', executed_at = $2
			WHERE id = $1 AND state = 'approved'
		`, data.RequestID, data.ExecutedAt)
		return err
	default:
		return fmt.Errorf("unknown event payload %T", evt.Data)
	}
}

func (s *Store) applyVote(ctx context.Context, data events.VoteCastData) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO votes (request_id, voter_id, support, cast_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, voter_id) DO NOTHING
	`, data.RequestID, data.VoterID, data.Support, data.CastAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		// Tallies in the payload are absolute; GREATEST keeps them
		// monotonic when events arrive out of order.
		_, err = tx.Exec(ctx, `
			UPDATE requests
			SET votes_for = GREATEST(votes_for, $2),
			    votes_against = GREATEST(votes_against, $3)
			WHERE id = $1
		`, data.RequestID, data.VotesFor, data.VotesAgainst)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const requestColumns = `
	id, member_id, amount::text, reason, state,
	votes_for, votes_against, deadline, created_at, resolved_at, executed_at
`

func scanRequest(row pgx.Row) (RequestView, error) {
	var (
		r      RequestView
		amount string
	)
	err := row.Scan(
		&r.ID,
		&r.MemberID,
		&amount,
		&r.Reason,
		&r.State,
		&r.VotesFor,
		&r.VotesAgainst,
		&r.Deadline,
		&r.CreatedAt,
		&r.ResolvedAt,
		&r.ExecutedAt,
	)
	if err != nil {
		return RequestView{}, err
	}
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return RequestView{}, fmt.Errorf("parse amount: %w", err)
	}
	return r, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (RequestView, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE id = $1
	`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RequestView{}, ErrNotFound
		}
		return RequestView{}, err
	}
	return r, nil
}

type ListFilter struct {
	State    string
	MemberID string
	Limit    int
}

func (s *Store) ListRequests(ctx context.Context, filter ListFilter) ([]RequestView, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE ($1 = '' OR state = $1)
		  AND ($2 = '' OR member_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.State, filter.MemberID, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestView
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListVotes(ctx context.Context, requestID string) ([]VoteView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, voter_id, support, cast_at
		FROM votes
		WHERE request_id = $1
		ORDER BY cast_at
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VoteView
	for rows.Next() {
		var v VoteView
		if err := rows.Scan(&v.RequestID, &v.VoterID, &v.Support, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) ListContributions(ctx context.Context, memberID string) ([]ContributionView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_ref, member_id, amount::text, recorded_at
		FROM contributions
		WHERE member_id = $1
		ORDER BY recorded_at
	`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContributionView
	for rows.Next() {
		var (
			c      ContributionView
			amount string
		)
		if err := rows.Scan(&c.TxRef, &c.MemberID, &amount, &c.RecordedAt); err != nil {
			return nil, err
		}
		c.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
