package httptransport

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"biovote/internal/attempt"
	"biovote/internal/biometric"
	"biovote/internal/biometric/matcher"
	"biovote/internal/platform/middleware"
	"biovote/internal/session"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
	"biovote/pkg/platform/sentinel"
	pkgstrings "biovote/pkg/platform/strings"
)

// AdminHandler serves the audit trail and template enrolment. Every route
// requires an administrative token.
type AdminHandler struct {
	logger    *slog.Logger
	admins    middleware.AdminValidator
	attempts  AttemptAuditor
	voters    VoterFinder
	extractor FeatureExtractor
	templates TemplateVault
}

func NewAdminHandler(
	admins middleware.AdminValidator,
	attempts AttemptAuditor,
	voters VoterFinder,
	extractor FeatureExtractor,
	templates TemplateVault,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		logger:    logger,
		admins:    admins,
		attempts:  attempts,
		voters:    voters,
		extractor: extractor,
		templates: templates,
	}
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/api/audit", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(h.admins, session.RoleAuditor, h.logger))
		r.Get("/attempts/verify", h.handleVerifyChain)
		r.Get("/attempts/{voter_id}", h.handleListAttempts)
	})
	r.Route("/api/admin/voters/{voter_id}/templates", func(r chi.Router) {
		r.With(middleware.RequireAdmin(h.admins, session.RoleAuditor, h.logger)).
			Get("/", h.handleEnrolmentStatus)
		r.With(
			middleware.RequireAdmin(h.admins, session.RoleElectionAdministrator, h.logger),
			middleware.ContentTypeJSON,
		).Post("/{modality}", h.handleEnrol)
	})
}

// handleListAttempts accepts repeated ?outcome= filters and an optional ?limit=.
func (h *AdminHandler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	voterID := chi.URLParam(r, "voter_id")

	q := r.URL.Query()
	var outcomes []attempt.Outcome
	for _, o := range pkgstrings.SplitListLower(q["outcome"]...) {
		outcomes = append(outcomes, attempt.Outcome(o))
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(ctx, h.logger, w, "invalid attempts query",
				dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	list, err := h.attempts.ListByVoter(ctx, voterID, outcomes, limit)
	if err != nil {
		writeError(ctx, h.logger, w, "attempt listing failed", err)
		return
	}
	resp := attemptsResponse{VoterID: voterID, Attempts: make([]attemptResponse, 0, len(list))}
	for _, a := range list {
		resp.Attempts = append(resp.Attempts, toAttemptResponse(a))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.attempts.VerifyChain(ctx)
	if err != nil {
		writeError(ctx, h.logger, w, "attempt chain verification failed", err)
		return
	}
	resp := chainResponse{Intact: report.Intact(), Checked: report.Checked, Head: report.Head}
	if b := report.Break; b != nil {
		resp.Break = &chainBreakResponse{Seq: b.Seq, ID: b.ID, Expected: b.Expected, Found: b.Found}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) handleEnrol(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	modality, err := biometric.ParseModality(chi.URLParam(r, "modality"))
	if err != nil {
		writeError(ctx, h.logger, w, "invalid enrolment request",
			dErrors.New(dErrors.CodeBadRequest, "unknown biometric modality"))
		return
	}
	var req enrolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(ctx, h.logger, w, "invalid enrolment request", err)
		return
	}

	voter, err := h.voter(r)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment voter lookup failed", err)
		return
	}
	sample, err := matcher.DecodeSample(req.Sample)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment sample rejected", err)
		return
	}
	features, err := h.extractor.ExtractFeatures(ctx, modality, sample)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment sample rejected", err)
		return
	}
	t, err := h.templates.Enroll(ctx, voter.ID, modality, features)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment failed", err)
		return
	}

	if admin := middleware.GetAdmin(ctx); admin != nil {
		h.logger.InfoContext(ctx, "template enrolled by administrator",
			"admin_id", admin.AdminID,
			"voter_id", voter.ExternalID,
			"modality", modality.String(),
			"request_id", middleware.GetRequestID(ctx),
		)
	}
	httputil.WriteJSON(w, http.StatusCreated, enrolResponse{
		VoterID:    voter.ExternalID,
		Modality:   modality.String(),
		Dims:       t.Dims,
		EnrolledAt: t.EnrolledAt,
	})
}

func (h *AdminHandler) handleEnrolmentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	voter, err := h.voter(r)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment voter lookup failed", err)
		return
	}
	enrolled, err := h.templates.EnrolledModalities(ctx, voter.ID)
	if err != nil {
		writeError(ctx, h.logger, w, "enrolment status failed", err)
		return
	}
	resp := enrolmentStatusResponse{VoterID: voter.ExternalID, Modalities: make(map[string]time.Time, len(enrolled))}
	for m, at := range enrolled {
		resp.Modalities[m.String()] = at
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) voter(r *http.Request) (*models.Voter, error) {
	v, err := h.voters.FindByExternalID(r.Context(), chi.URLParam(r, "voter_id"))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeVoterNotFound, "voter not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load voter")
	}
	return v, nil
}
