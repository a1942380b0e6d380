package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"biovote/internal/attempt"
	"biovote/internal/auth"
	"biovote/internal/biometric"
	"biovote/internal/biometric/vault"
	"biovote/internal/ledger"
	"biovote/internal/platform/logger"
	"biovote/internal/ratelimit"
	"biovote/internal/session"
	"biovote/internal/vote"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
	"biovote/pkg/platform/sentinel"
	"biovote/pkg/testutil"
)

type fakeAuth struct {
	res *auth.Result
	err error
	got auth.Request
}

func (f *fakeAuth) Authenticate(_ context.Context, req auth.Request) (*auth.Result, error) {
	f.got = req
	return f.res, f.err
}

type fakeSessions struct {
	claims *session.Claims
	voter  *models.Voter
	err    error
}

func (f *fakeSessions) Validate(context.Context, string) (*session.Claims, *models.Voter, error) {
	return f.claims, f.voter, f.err
}

type fakeVotes struct {
	receipt      *vote.Receipt
	castErr      error
	gotToken     string
	gotCandidate uuid.UUID
	candidates   []vote.CandidateView
	listErr      error
	verification *vote.Verification
	verifyErr    error
}

func (f *fakeVotes) CastVote(_ context.Context, token string, candidateID uuid.UUID) (*vote.Receipt, error) {
	f.gotToken, f.gotCandidate = token, candidateID
	return f.receipt, f.castErr
}

func (f *fakeVotes) ListCandidates(context.Context, uuid.UUID) ([]vote.CandidateView, error) {
	return f.candidates, f.listErr
}

func (f *fakeVotes) VerifyReceipt(context.Context, string) (*vote.Verification, error) {
	return f.verification, f.verifyErr
}

type fakeAttempts struct {
	list        []*attempt.Attempt
	gotOutcomes []attempt.Outcome
	gotLimit    int
	report      *attempt.ChainReport
}

func (f *fakeAttempts) ListByVoter(_ context.Context, _ string, outcomes []attempt.Outcome, limit int) ([]*attempt.Attempt, error) {
	f.gotOutcomes, f.gotLimit = outcomes, limit
	return f.list, nil
}

func (f *fakeAttempts) VerifyChain(context.Context) (*attempt.ChainReport, error) {
	return f.report, nil
}

type fakeVoters map[string]*models.Voter

func (f fakeVoters) FindByExternalID(_ context.Context, id string) (*models.Voter, error) {
	if v, ok := f[id]; ok {
		return v, nil
	}
	return nil, sentinel.ErrNotFound
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractFeatures(context.Context, biometric.Modality, []byte) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeVault struct {
	enrolled map[biometric.Modality]time.Time
}

func (f *fakeVault) Enroll(_ context.Context, voterID uuid.UUID, m biometric.Modality, raw []float32) (*vault.Template, error) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.enrolled[m] = at
	return &vault.Template{VoterID: voterID, Modality: m, Dims: len(raw), EnrolledAt: at}, nil
}

func (f *fakeVault) EnrolledModalities(context.Context, uuid.UUID) (map[biometric.Modality]time.Time, error) {
	return f.enrolled, nil
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

type RouterSuite struct {
	suite.Suite
	auth     *fakeAuth
	sessions *fakeSessions
	votes    *fakeVotes
	attempts *fakeAttempts
	vault    *fakeVault
	chain    LedgerProbe
	db       fakePinger
	cache    Pinger
	limiter  func(http.Handler) http.Handler
	admins   *session.AdminAuthority
	voter    *models.Voter
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.auth = &fakeAuth{}
	s.sessions = &fakeSessions{}
	s.votes = &fakeVotes{}
	s.attempts = &fakeAttempts{}
	s.vault = &fakeVault{enrolled: map[biometric.Modality]time.Time{}}
	s.chain = reachable{}
	s.db = fakePinger{}
	s.cache = nil
	s.limiter = nil
	s.voter = &models.Voter{ID: uuid.New(), ExternalID: "VTR-001", FullName: "Ada Obi", ConstituencyID: uuid.New()}

	admins, err := session.NewAdminAuthority([]byte(strings.Repeat("a", 32)))
	s.Require().NoError(err)
	s.admins = admins
}

func (s *RouterSuite) router() http.Handler {
	log := logger.Discard()
	var opts []VotingOption
	if s.limiter != nil {
		opts = append(opts, WithAuthLimiter(s.limiter))
	}
	return NewRouter(Config{
		Logger:         log,
		MetricsHandler: http.NotFoundHandler(),
		Voting:         NewVotingHandler(s.auth, s.sessions, s.votes, log, opts...),
		Admin: NewAdminHandler(s.admins, s.attempts, fakeVoters{s.voter.ExternalID: s.voter},
			fakeExtractor{}, s.vault, log),
		Database: s.db,
		Ledger:   s.chain,
		Cache:    s.cache,
	})
}

type reachable struct{}

func (reachable) IsReachable(context.Context) bool { return true }

func (s *RouterSuite) adminToken(role session.Role) string {
	token, err := s.admins.Issue(context.Background(), uuid.New(), role, time.Hour)
	s.Require().NoError(err)
	return token
}

func (s *RouterSuite) TestAuthenticate() {
	s.Run("success returns the session token", func() {
		s.auth.res = &auth.Result{SessionToken: "tok", ExpiresIn: 300}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/authenticate/face",
			map[string]string{"voter_id": "VTR-001", "sample": "aGVsbG8="})

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusOK(s.T(), rr)
		s.Equal(biometric.ModalityFace, s.auth.got.Modality)
		s.Equal("VTR-001", s.auth.got.VoterExternalID)
		res := testutil.UnmarshalResponse[auth.Result](s.T(), rr)
		s.Equal("tok", res.SessionToken)
		s.NotEmpty(rr.Header().Get("X-Request-ID"))
	})

	s.Run("mismatch reports remaining attempts", func() {
		remaining := 2
		s.auth.err = dErrors.New(dErrors.CodeBiometricMismatch, "biometric verification failed").
			WithDetail(dErrors.Detail{RemainingAttempts: &remaining})
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/authenticate/face",
			map[string]string{"voter_id": "VTR-001", "sample": "aGVsbG8="})

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
		body := testutil.UnmarshalResponse[httputil.ErrorResponse](s.T(), rr)
		s.Equal(string(dErrors.CodeBiometricMismatch), body.Error)
		s.Require().NotNil(body.RemainingAttempts)
		s.Equal(2, *body.RemainingAttempts)
	})

	s.Run("lockout sets Retry-After", func() {
		s.auth.err = dErrors.New(dErrors.CodeLockedOut, "too many failed attempts").
			WithDetail(dErrors.Detail{RetryAfter: 90 * time.Second})
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/authenticate/face",
			map[string]string{"voter_id": "VTR-001", "sample": "aGVsbG8="})

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
		s.Equal("90", rr.Header().Get("Retry-After"))
	})

	s.Run("malformed body never reaches the service", func() {
		s.auth.got = auth.Request{}
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/voting/authenticate/face", "{")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
		s.Empty(s.auth.got.VoterExternalID)
	})

	s.Run("non-JSON content type is refused", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/voting/authenticate/face", "{}")
		req.Header.Set("Content-Type", "text/plain")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusUnsupportedMediaType)
	})

	s.Run("station over its budget is refused before matching", func() {
		s.auth.err = nil
		s.auth.res = &auth.Result{SessionToken: "tok", ExpiresIn: 300}
		s.limiter = ratelimit.New(ratelimit.NewInMemoryStore(), 1, time.Minute, logger.Discard()).
			Middleware("authenticate")
		submit := func() *http.Request {
			req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/authenticate/face",
				map[string]string{"voter_id": "VTR-001", "sample": "aGVsbG8="})
			req.Header.Set("X-Polling-Station", "PS-07")
			return req
		}

		testutil.AssertStatusOK(s.T(), testutil.DoRequest(s.router(), submit()))
		s.auth.got = auth.Request{}
		rr := testutil.DoRequest(s.router(), submit())

		testutil.AssertStatusAndError(s.T(), rr, http.StatusTooManyRequests, string(dErrors.CodeRateLimited))
		s.NotEmpty(rr.Header().Get("Retry-After"))
		s.Empty(s.auth.got.VoterExternalID)

		rr = testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/session"))
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})
}

func (s *RouterSuite) TestSession() {
	s.Run("missing token", func() {
		rr := testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/session"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeInvalidSignature))
	})

	s.Run("valid token returns claims", func() {
		s.sessions.claims = &session.Claims{
			VoterExternalID: "VTR-001",
			ElectionID:      uuid.New(),
			ConstituencyID:  s.voter.ConstituencyID,
			SessionID:       "sess-1",
			ExpiresAt:       time.Now().Add(4 * time.Minute),
		}
		s.sessions.voter = s.voter
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/session")
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[sessionResponse](s.T(), rr)
		s.Equal("sess-1", body.SessionID)
		s.Equal("Ada Obi", body.VoterName)
		s.Greater(body.ExpiresIn, 200)
	})

	s.Run("voter who already voted is refused", func() {
		s.sessions.err = dErrors.New(dErrors.CodeAlreadyVoted, "voter has already voted")
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/session")
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeAlreadyVoted))
	})
}

func (s *RouterSuite) TestCast() {
	candidate := uuid.New()

	s.Run("commits and returns the receipt", func() {
		s.votes.receipt = &vote.Receipt{TxHash: "0xabc", BlockNumber: 7}
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/cast",
			map[string]string{"candidate_id": candidate.String()})
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		s.Equal("tok", s.votes.gotToken)
		s.Equal(candidate, s.votes.gotCandidate)
		body := testutil.UnmarshalResponse[vote.Receipt](s.T(), rr)
		s.Equal("0xabc", body.TxHash)
	})

	s.Run("replayed session is forbidden", func() {
		s.votes.castErr = dErrors.New(dErrors.CodeReplaySession, "session already used")
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/cast",
			map[string]string{"candidate_id": candidate.String()})
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeReplaySession))
	})

	s.Run("ledger outage is 503", func() {
		s.votes.castErr = dErrors.New(dErrors.CodeLedgerUnavailable, "ledger unavailable")
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/cast",
			map[string]string{"candidate_id": candidate.String()})
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, string(dErrors.CodeLedgerUnavailable))
	})

	s.Run("candidate id must be a uuid", func() {
		s.votes.gotToken = ""
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/cast",
			map[string]string{"candidate_id": "alice"})
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
		s.Empty(s.votes.gotToken)
	})

	s.Run("internal errors are opaque", func() {
		s.votes.castErr = dErrors.Wrap(errors.New("pq: connection reset"), dErrors.CodeInternal, "failed to persist vote")
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/voting/cast",
			map[string]string{"candidate_id": candidate.String()})
		req.Header.Set("Authorization", "Bearer tok")

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusInternalServerError)
		s.NotContains(rr.Body.String(), "pq:")
		s.NotContains(rr.Body.String(), "persist")
	})
}

func (s *RouterSuite) TestCandidatesAndVerify() {
	s.Run("lists candidates", func() {
		s.votes.candidates = []vote.CandidateView{{ID: uuid.New(), Name: "Grace", Party: "Blue"}}
		rr := testutil.DoRequest(s.router(),
			testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/candidates/"+uuid.NewString()))

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[candidatesResponse](s.T(), rr)
		s.Len(body.Candidates, 1)
	})

	s.Run("constituency id must be a uuid", func() {
		rr := testutil.DoRequest(s.router(),
			testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/candidates/north"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("verifies a receipt", func() {
		s.votes.verification = &vote.Verification{TxHash: "0xabc", Status: ledger.StatusConfirmed, Confirmations: 3}
		rr := testutil.DoRequest(s.router(),
			testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/verify/0xabc"))

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[vote.Verification](s.T(), rr)
		s.Equal(ledger.StatusConfirmed, body.Status)
	})

	s.Run("unknown receipt", func() {
		s.votes.verifyErr = dErrors.New(dErrors.CodeNotFound, "no vote with that transaction hash")
		rr := testutil.DoRequest(s.router(),
			testutil.NewRequest(s.T(), http.MethodGet, "/api/voting/verify/0xdef"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})
}

func (s *RouterSuite) TestAuditRequiresAdmin() {
	s.Run("no token", func() {
		rr := testutil.DoRequest(s.router(),
			testutil.NewRequest(s.T(), http.MethodGet, "/api/audit/attempts/VTR-001"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
	})

	s.Run("voting-domain secret is rejected", func() {
		other, err := session.NewAdminAuthority([]byte(strings.Repeat("v", 32)))
		s.Require().NoError(err)
		forged, err := other.Issue(context.Background(), uuid.New(), session.RoleSuperAdmin, time.Hour)
		s.Require().NoError(err)

		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/audit/attempts/VTR-001")
		req.Header.Set("Authorization", "Bearer "+forged)
		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})

	s.Run("auditor lists attempts with filters", func() {
		score := 0.91
		s.attempts.list = []*attempt.Attempt{{
			ID: uuid.New(), Seq: 4, ExternalVoterID: "VTR-001", Method: biometric.ModalityFace,
			Outcome: attempt.OutcomeFailure, FailureReason: "biometric_mismatch", Score: &score,
		}}
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/audit/attempts/VTR-001?outcome=failure,lockout&limit=20")
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleAuditor))

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusOK(s.T(), rr)
		s.Equal([]attempt.Outcome{attempt.OutcomeFailure, attempt.OutcomeLockout}, s.attempts.gotOutcomes)
		s.Equal(20, s.attempts.gotLimit)
		body := testutil.UnmarshalResponse[attemptsResponse](s.T(), rr)
		s.Require().Len(body.Attempts, 1)
		s.Equal("biometric_mismatch", body.Attempts[0].FailureReason)
	})

	s.Run("chain verification reports a break", func() {
		s.attempts.report = &attempt.ChainReport{Checked: 3, Break: &attempt.ChainBreak{Seq: 2, Expected: "aa", Found: "bb"}}
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/audit/attempts/verify")
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleAuditor))

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusOK(s.T(), rr)
		body := testutil.UnmarshalResponse[chainResponse](s.T(), rr)
		s.False(body.Intact)
		s.Require().NotNil(body.Break)
		s.EqualValues(2, body.Break.Seq)
	})
}

func (s *RouterSuite) TestEnrolment() {
	path := "/api/admin/voters/VTR-001/templates"

	s.Run("auditor cannot enrol", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, path+"/face", map[string]string{"sample": "aGVsbG8="})
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleAuditor))

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeForbidden))
		s.Empty(s.vault.enrolled)
	})

	s.Run("administrator enrols and status lists the modality", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, path+"/face", map[string]string{"sample": "aGVsbG8="})
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleElectionAdministrator))

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		created := testutil.UnmarshalResponse[enrolResponse](s.T(), rr)
		s.Equal(3, created.Dims)

		req = testutil.NewRequest(s.T(), http.MethodGet, path)
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleAuditor))
		rr = testutil.DoRequest(s.router(), req)

		testutil.AssertStatusOK(s.T(), rr)
		status := testutil.UnmarshalResponse[enrolmentStatusResponse](s.T(), rr)
		s.Contains(status.Modalities, "face")
	})

	s.Run("unknown voter", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/admin/voters/NOPE/templates")
		req.Header.Set("Authorization", "Bearer "+s.adminToken(session.RoleAuditor))

		rr := testutil.DoRequest(s.router(), req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeVoterNotFound))
	})
}

func (s *RouterSuite) TestHealth() {
	s.Run("all up", func() {
		rr := testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "ok")
	})

	s.Run("ledger unreachable degrades", func() {
		s.chain = ledger.Disconnected{}
		rr := testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "degraded")
	})

	s.Run("cache down degrades", func() {
		s.chain = reachable{}
		s.cache = fakePinger{err: errors.New("dial tcp: i/o timeout")}
		rr := testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "status", "degraded")
		testutil.AssertJSONContains(s.T(), rr, "cache", "down")
	})

	s.Run("database down is unavailable", func() {
		s.db = fakePinger{err: errors.New("connection refused")}
		rr := testutil.DoRequest(s.router(), testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
		testutil.AssertStatus(s.T(), rr, http.StatusServiceUnavailable)
	})
}
