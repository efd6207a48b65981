package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/openmutual/pool/internal/engine"
	"github.com/openmutual/pool/internal/mirror"
)

// RequestReader is the display-query surface served by the read mirror.
// Fund-moving handlers never touch it; they go through the engine and the
// authoritative ledger.
type RequestReader interface {
	ListRequests(ctx context.Context, filter mirror.ListFilter) ([]mirror.RequestView, error)
	ListVotes(ctx context.Context, requestID string) ([]mirror.VoteView, error)
	ListContributions(ctx context.Context, memberID string) ([]mirror.ContributionView, error)
}

type Server struct {
	engine    *engine.Engine
	reads     RequestReader
	notifyWS  http.HandlerFunc
	authToken string
	logger    *slog.Logger
}

func NewServer(eng *engine.Engine, reads RequestReader, notifyWS http.HandlerFunc, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    eng,
		reads:     reads,
		notifyWS:  notifyWS,
		authToken: authToken,
		logger:    logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/members", s.handleRegisterMember).Methods(http.MethodPost)
	v1.HandleFunc("/members/{id}", s.handleGetMember).Methods(http.MethodGet)
	v1.HandleFunc("/members/{id}/verification", s.handleSetVerification).Methods(http.MethodPut)
	v1.HandleFunc("/members/{id}/contributions", s.handleRecordContribution).Methods(http.MethodPost)
	v1.HandleFunc("/members/{id}/contributions", s.handleListContributions).Methods(http.MethodGet)

	v1.HandleFunc("/requests", s.handleSubmitRequest).Methods(http.MethodPost)
	v1.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}/votes", s.handleCastVote).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/votes", s.handleListVotes).Methods(http.MethodGet)
	v1.HandleFunc("/requests/{id}/resolve", s.handleResolveRequest).Methods(http.MethodPost)
	v1.HandleFunc("/requests/{id}/execute", s.handleExecuteRequest).Methods(http.MethodPost)

	if s.notifyWS != nil {
		r.HandleFunc("/ws/notifications", s.notifyWS)
	}
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if !secureCompare(token, s.authToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
