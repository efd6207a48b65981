package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation        = errors.New("invalid request")
	ErrLimitExceeded     = errors.New("amount exceeds effective tier limit")
	ErrCooldownActive    = errors.New("withdrawal cooldown active")
	ErrDuplicateVote     = errors.New("member already voted on this request")
	ErrSelfVote          = errors.New("requester cannot vote on own request")
	ErrUnauthorizedVoter = errors.New("only verified members may vote")
	ErrVotingOpen        = errors.New("voting deadline has not passed")
	ErrVotingClosed      = errors.New("voting is closed for this request")
	ErrNotApproved       = errors.New("request was not approved")
	ErrTransferFailed    = errors.New("fund transfer failed")
)

// CooldownError carries the earliest time a new request will be accepted.
type CooldownError struct {
	RetryAfter time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("withdrawal cooldown active until %s", e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

func validationError(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
