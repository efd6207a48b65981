package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/openmutual/pool/internal/engine"
	"github.com/openmutual/pool/internal/ledger"
	"github.com/openmutual/pool/internal/mirror"
)

type registerMemberRequest struct {
	ID string `json:"id"`
}

type setVerificationRequest struct {
	Verified bool `json:"verified"`
}

type recordContributionRequest struct {
	TxRef  string `json:"tx_ref"`
	Amount string `json:"amount"`
}

type submitWithdrawalRequest struct {
	MemberID string `json:"member_id"`
	Amount   string `json:"amount"`
	Reason   string `json:"reason"`
}

type castVoteRequest struct {
	VoterID string `json:"voter_id"`
	Support bool   `json:"support"`
}

type memberResponse struct {
	ID                string     `json:"id"`
	ContributionTotal string     `json:"contribution_total"`
	Verified          bool       `json:"verified"`
	WithdrawalCount   int64      `json:"withdrawal_count"`
	LastWithdrawalAt  *time.Time `json:"last_withdrawal_at,omitempty"`
	Tier1Limit        string     `json:"tier1_limit,omitempty"`
	Tier2Limit        string     `json:"tier2_limit,omitempty"`
	EffectiveLimit    string     `json:"effective_limit,omitempty"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`
	EligibleToSubmit  *bool      `json:"eligible_to_submit,omitempty"`
}

type requestResponse struct {
	ID           string     `json:"id"`
	MemberID     string     `json:"member_id"`
	Amount       string     `json:"amount"`
	Reason       string     `json:"reason"`
	State        string     `json:"state"`
	VotesFor     int64      `json:"votes_for"`
	VotesAgainst int64      `json:"votes_against"`
	Deadline     time.Time  `json:"deadline"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
}

type voteResponse struct {
	RequestID string    `json:"request_id"`
	VoterID   string    `json:"voter_id"`
	Support   bool      `json:"support"`
	CastAt    time.Time `json:"cast_at"`
}

type contributionResponse struct {
	TxRef      string    `json:"tx_ref"`
	MemberID   string    `json:"member_id"`
	Amount     string    `json:"amount"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (s *Server) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req registerMemberRequest
	if !s.decode(w, r, &req) {
		return
	}
	member, err := s.engine.RegisterMember(r.Context(), req.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("member registered", "member_id", member.ID)
	writeJSON(w, http.StatusCreated, toMemberResponse(member))
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.MemberStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberStatusResponse(status))
}

func (s *Server) handleSetVerification(w http.ResponseWriter, r *http.Request) {
	var req setVerificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	member, err := s.engine.SetVerified(r.Context(), mux.Vars(r)["id"], req.Verified)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.logger.Info("member verification updated",
		"member_id", member.ID, "verified", member.Verified)
	writeJSON(w, http.StatusOK, toMemberResponse(member))
}

func (s *Server) handleRecordContribution(w http.ResponseWriter, r *http.Request) {
	var req recordContributionRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	member, err := s.engine.RecordContribution(r.Context(), mux.Vars(r)["id"], req.TxRef, amount)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberResponse(member))
}

func (s *Server) handleListContributions(w http.ResponseWriter, r *http.Request) {
	contributions, err := s.reads.ListContributions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]contributionResponse, 0, len(contributions))
	for _, c := range contributions {
		out = append(out, contributionResponse{
			TxRef:      c.TxRef,
			MemberID:   c.MemberID,
			Amount:     c.Amount.String(),
			RecordedAt: c.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req submitWithdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	created, err := s.engine.Submit(r.Context(), engine.SubmitInput{
		MemberID: req.MemberID,
		Amount:   amount,
		Reason:   req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

// handleGetRequest is the lazy resolve path: a voting request past its
// deadline resolves on read. The response is authoritative state, not the
// mirror, so the caller always sees the effect of its own transition.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.ResolveIfDue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(req))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	views, err := s.reads.ListRequests(r.Context(), mirror.ListFilter{
		State:    q.Get("state"),
		MemberID: q.Get("member_id"),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]requestResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toRequestViewResponse(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	updated, err := s.engine.CastVote(r.Context(), mux.Vars(r)["id"], req.VoterID, req.Support)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(updated))
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.reads.ListVotes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	out := make([]voteResponse, 0, len(votes))
	for _, v := range votes {
		out = append(out, voteResponse{
			RequestID: v.RequestID,
			VoterID:   v.VoterID,
			Support:   v.Support,
			CastAt:    v.CastAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.engine.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(resolved))
}

func (s *Server) handleExecuteRequest(w http.ResponseWriter, r *http.Request) {
	executed, err := s.engine.Execute(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(executed))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldownErr *engine.CooldownError
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.As(err, &cooldownErr):
		writeJSON(w, http.StatusConflict, cooldownResponse{
			Error:      "cooldown_active",
			RetryAfter: cooldownErr.RetryAfter,
		})
	case errors.Is(err, engine.ErrLimitExceeded):
		writeError(w, http.StatusConflict, "limit_exceeded")
	case errors.Is(err, engine.ErrDuplicateVote):
		writeError(w, http.StatusConflict, "duplicate_vote")
	case errors.Is(err, engine.ErrSelfVote):
		writeError(w, http.StatusUnprocessableEntity, "self_vote")
	case errors.Is(err, engine.ErrUnauthorizedVoter):
		writeError(w, http.StatusForbidden, "unauthorized_voter")
	case errors.Is(err, engine.ErrVotingClosed):
		writeError(w, http.StatusConflict, "voting_closed")
	case errors.Is(err, engine.ErrVotingOpen):
		writeError(w, http.StatusConflict, "voting_open")
	case errors.Is(err, engine.ErrNotApproved):
		writeError(w, http.StatusConflict, "not_approved")
	case errors.Is(err, engine.ErrTransferFailed):
		writeError(w, http.StatusBadGateway, "transfer_failed")
	case errors.Is(err, ledger.ErrMemberExists):
		writeError(w, http.StatusConflict, "member_exists")
	case errors.Is(err, ledger.ErrDuplicateContribution):
		writeError(w, http.StatusConflict, "duplicate_contribution")
	case errors.Is(err, ledger.ErrMemberNotFound),
		errors.Is(err, ledger.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func toMemberResponse(m ledger.Member) memberResponse {
	return memberResponse{
		ID:                m.ID,
		ContributionTotal: m.ContributionTotal.String(),
		Verified:          m.Verified,
		WithdrawalCount:   m.WithdrawalCount,
		LastWithdrawalAt:  m.LastWithdrawalAt,
	}
}

func toMemberStatusResponse(status engine.MemberStatus) memberResponse {
	resp := toMemberResponse(status.Member)
	resp.Tier1Limit = status.Limits.Tier1.String()
	resp.Tier2Limit = status.Limits.Tier2.String()
	resp.EffectiveLimit = status.Limits.Effective.String()
	resp.CooldownUntil = status.CooldownUntil
	eligible := status.EligibleToSubmit
	resp.EligibleToSubmit = &eligible
	return resp
}

func toRequestResponse(req ledger.Request) requestResponse {
	return requestResponse{
		ID:           req.ID,
		MemberID:     req.MemberID,
		Amount:       req.Amount.String(),
		Reason:       req.Reason,
		State:        string(req.State),
		VotesFor:     req.VotesFor,
		VotesAgainst: req.VotesAgainst,
		Deadline:     req.Deadline,
		CreatedAt:    req.CreatedAt,
		ResolvedAt:   req.ResolvedAt,
		ExecutedAt:   req.ExecutedAt,
	}
}

func toRequestViewResponse(v mirror.RequestView) requestResponse {
	return requestResponse{
		ID:           v.ID,
		MemberID:     v.MemberID,
		Amount:       v.Amount.String(),
		Reason:       v.Reason,
		State:        v.State,
		VotesFor:     v.VotesFor,
		VotesAgainst: v.VotesAgainst,
		Deadline:     v.Deadline,
		CreatedAt:    v.CreatedAt,
		ResolvedAt:   v.ResolvedAt,
		ExecutedAt:   v.ExecutedAt,
	}
}
