package httptransport

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"biovote/internal/auth"
	"biovote/internal/biometric"
	"biovote/internal/platform/middleware"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
	"biovote/pkg/requestcontext"
)

// VotingHandler serves the kiosk-facing voting flow.
type VotingHandler struct {
	logger   *slog.Logger
	auth     Authenticator
	sessions SessionValidator
	votes    VoteService
	limit    func(http.Handler) http.Handler
}

// VotingOption configures a VotingHandler.
type VotingOption func(*VotingHandler)

// WithAuthLimiter puts mw in front of sample submission only.
func WithAuthLimiter(mw func(http.Handler) http.Handler) VotingOption {
	return func(h *VotingHandler) { h.limit = mw }
}

func NewVotingHandler(a Authenticator, sessions SessionValidator, votes VoteService, logger *slog.Logger, opts ...VotingOption) *VotingHandler {
	h := &VotingHandler{logger: logger, auth: a, sessions: sessions, votes: votes}
	for _, opt := range opts {
		opt(h)
	}
	if h.limit == nil {
		h.limit = func(next http.Handler) http.Handler { return next }
	}
	return h
}

func (h *VotingHandler) Register(r chi.Router) {
	r.Route("/api/voting", func(r chi.Router) {
		r.With(h.limit, middleware.ContentTypeJSON).Post("/authenticate/{modality}", h.handleAuthenticate)
		r.Get("/session", h.handleSession)
		r.With(middleware.ContentTypeJSON).Post("/cast", h.handleCast)
		r.Get("/candidates/{constituency_id}", h.handleCandidates)
		r.Get("/verify/{tx_hash}", h.handleVerify)
	})
}

func (h *VotingHandler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req authenticateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(ctx, h.logger, w, "invalid authenticate request", err)
		return
	}
	if strings.TrimSpace(req.Sample) == "" {
		writeError(ctx, h.logger, w, "invalid authenticate request",
			dErrors.New(dErrors.CodeBadRequest, "sample is required"))
		return
	}

	res, err := h.auth.Authenticate(ctx, auth.Request{
		VoterExternalID: req.VoterID,
		Modality:        biometric.Modality(chi.URLParam(r, "modality")),
		Sample:          req.Sample,
	})
	if err != nil {
		writeError(ctx, h.logger, w, "authentication refused", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *VotingHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := middleware.BearerToken(r)
	if !ok {
		writeError(ctx, h.logger, w, "session check without token",
			dErrors.New(dErrors.CodeInvalidSignature, "missing voting session token"))
		return
	}
	claims, voter, err := h.sessions.Validate(ctx, token)
	if err != nil {
		writeError(ctx, h.logger, w, "voting session rejected", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sessionResponse{
		VoterID:        claims.VoterExternalID,
		VoterName:      voter.FullName,
		ElectionID:     claims.ElectionID,
		ConstituencyID: claims.ConstituencyID,
		SessionID:      claims.SessionID,
		ExpiresAt:      claims.ExpiresAt,
		ExpiresIn:      int(claims.Remaining(requestcontext.Now(ctx)).Seconds()),
	})
}

func (h *VotingHandler) handleCast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := middleware.BearerToken(r)
	if !ok {
		writeError(ctx, h.logger, w, "cast without token",
			dErrors.New(dErrors.CodeInvalidSignature, "missing voting session token"))
		return
	}
	var req castRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(ctx, h.logger, w, "invalid cast request", err)
		return
	}
	candidateID, err := parseUUID(req.CandidateID, "candidate_id")
	if err != nil {
		writeError(ctx, h.logger, w, "invalid cast request", err)
		return
	}

	receipt, err := h.votes.CastVote(ctx, token, candidateID)
	if err != nil {
		writeError(ctx, h.logger, w, "vote not cast", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, receipt)
}

func (h *VotingHandler) handleCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	constituencyID, err := parseUUID(chi.URLParam(r, "constituency_id"), "constituency_id")
	if err != nil {
		writeError(ctx, h.logger, w, "invalid candidates request", err)
		return
	}
	candidates, err := h.votes.ListCandidates(ctx, constituencyID)
	if err != nil {
		writeError(ctx, h.logger, w, "candidates unavailable", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, candidatesResponse{
		ConstituencyID: constituencyID,
		Candidates:     candidates,
	})
}

func (h *VotingHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.votes.VerifyReceipt(ctx, chi.URLParam(r, "tx_hash"))
	if err != nil {
		writeError(ctx, h.logger, w, "receipt verification failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}
