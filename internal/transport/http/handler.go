// Package httptransport exposes the voting, audit and enrolment operations
// over HTTP. Handlers decode input, call one service and map domain errors to
// responses; they hold no business rules.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"biovote/internal/attempt"
	"biovote/internal/auth"
	"biovote/internal/biometric"
	"biovote/internal/biometric/vault"
	"biovote/internal/platform/middleware"
	"biovote/internal/session"
	"biovote/internal/vote"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
)

// maxBodyBytes bounds request bodies; a base64 camera frame fits well inside.
const maxBodyBytes = 8 << 20

type Authenticator interface {
	Authenticate(ctx context.Context, req auth.Request) (*auth.Result, error)
}

type SessionValidator interface {
	Validate(ctx context.Context, raw string) (*session.Claims, *models.Voter, error)
}

type VoteService interface {
	CastVote(ctx context.Context, token string, candidateID uuid.UUID) (*vote.Receipt, error)
	ListCandidates(ctx context.Context, constituencyID uuid.UUID) ([]vote.CandidateView, error)
	VerifyReceipt(ctx context.Context, txHash string) (*vote.Verification, error)
}

type AttemptAuditor interface {
	ListByVoter(ctx context.Context, externalID string, outcomes []attempt.Outcome, limit int) ([]*attempt.Attempt, error)
	VerifyChain(ctx context.Context) (*attempt.ChainReport, error)
}

type VoterFinder interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Voter, error)
}

type FeatureExtractor interface {
	ExtractFeatures(ctx context.Context, m biometric.Modality, sample []byte) ([]float32, error)
}

type TemplateVault interface {
	Enroll(ctx context.Context, voterID uuid.UUID, modality biometric.Modality, raw []float32) (*vault.Template, error)
	EnrolledModalities(ctx context.Context, voterID uuid.UUID) (map[biometric.Modality]time.Time, error)
}

type LedgerProbe interface {
	IsReachable(ctx context.Context) bool
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return dErrors.New(dErrors.CodeBadRequest, "request body too large")
		}
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// writeError logs at a level matching the status and writes the envelope.
func writeError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, msg string, err error) {
	status := httputil.StatusFor(dErrors.CodeOf(err))
	attrs := []any{
		"request_id", middleware.GetRequestID(ctx),
		"code", dErrors.CodeOf(err),
		"error", err.Error(),
	}
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, msg, attrs...)
	} else {
		logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, field+" must be a UUID")
	}
	return id, nil
}
