package vote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"biovote/internal/ledger"
	"biovote/internal/ledger/mocks"
	"biovote/internal/platform/logger"
	"biovote/internal/session"
	"biovote/internal/session/tracker"
	"biovote/internal/voter/models"
	voterstore "biovote/internal/voter/store"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
	"biovote/pkg/requestcontext"
)

var pepper = []byte("pepper-0123456789")

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	chain    *mocks.MockClient
	voters   *voterstore.InMemoryStore
	store    *InMemoryStore
	sessions *tracker.MemoryTracker
	issuer   *session.Issuer
	service  *Service

	now          time.Time
	voter        *models.Voter
	election     *models.Election
	constituency *models.Constituency
	candidate    *models.Candidate
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.chain = mocks.NewMockClient(s.ctrl)
	s.voters = voterstore.NewInMemory()
	s.store = NewInMemoryStore()
	s.sessions = tracker.NewMemory()
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	s.election = &models.Election{ID: uuid.New(), Name: "General 2026", Status: models.ElectionStatusActive}
	s.constituency = &models.Constituency{ID: uuid.New(), ElectionID: s.election.ID, Name: "North", Code: "N-01", OnChainID: 7}
	s.candidate = &models.Candidate{
		ID: uuid.New(), ElectionID: s.election.ID, ConstituencyID: s.constituency.ID,
		Name: "Grace Candidate", Party: "Independent", OnChainID: 3, Active: true,
	}
	s.voter = &models.Voter{ID: uuid.New(), ExternalID: "VOT-0001", FullName: "Ada Voter", ConstituencyID: s.constituency.ID}
	s.voters.PutElection(s.election)
	s.voters.PutConstituency(s.constituency)
	s.voters.PutCandidate(s.candidate)
	s.voters.PutVoter(s.voter)

	issuer, err := session.NewIssuer([]byte("voting-secret-0123456789abcdef01"), s.voters, session.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.issuer = issuer

	svc, err := New(s.voters, s.store, s.sessions, s.issuer, s.chain, txcontext.NewMemoryRunner(), pepper,
		WithLogger(logger.Discard()),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(d))
}

func (s *ServiceSuite) token(sessionID string) string {
	token, _, err := s.issuer.Issue(s.at(0), s.voter.ExternalID, s.election.ID, s.constituency.ID, sessionID)
	s.Require().NoError(err)
	return token
}

func (s *ServiceSuite) commitment() ledger.Commitment {
	return ledger.NewCommitment(s.voter.ExternalID, pepper)
}

func (s *ServiceSuite) storedVoter() *models.Voter {
	v, err := s.voters.FindByID(context.Background(), s.voter.ID)
	s.Require().NoError(err)
	return v
}

func txHash(b string) string {
	return "0x" + strings.Repeat(b, 64/len(b))
}

func (s *ServiceSuite) TestCastOnceThenReplay() {
	s.chain.EXPECT().
		SubmitVote(gomock.Any(), s.commitment(), int64(3), int64(7)).
		Return(&ledger.Receipt{TxHash: txHash("AB"), BlockNumber: 42, GasUsed: 21000}, nil)

	token := s.token("sess-1")
	receipt, err := s.service.CastVote(s.at(time.Minute), token, s.candidate.ID)
	s.Require().NoError(err)
	s.Equal(txHash("ab"), receipt.TxHash)
	s.Equal(uint64(42), receipt.BlockNumber)
	s.Equal(s.now.Add(time.Minute), receipt.Timestamp)
	s.False(receipt.Reconciled)

	v := s.storedVoter()
	s.True(v.HasVoted)
	s.Equal(txHash("ab"), v.VoteTxHash)
	s.Equal(1, s.store.CountSubmissions(s.voter.ID, s.election.ID))

	intent, err := s.store.FindIntent(context.Background(), "sess-1")
	s.Require().NoError(err)
	s.Equal(IntentCommitted, intent.Status)

	s.Run("same token is a replay", func() {
		_, err := s.service.CastVote(s.at(2*time.Minute), token, s.candidate.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeReplaySession))
	})

	s.Run("fresh token for a voter who voted is refused", func() {
		_, err := s.service.CastVote(s.at(2*time.Minute), s.token("sess-2"), s.candidate.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVoted))
	})
}

func (s *ServiceSuite) TestInvalidCandidateReleasesSession() {
	other := &models.Candidate{
		ID: uuid.New(), ElectionID: s.election.ID, ConstituencyID: uuid.New(), Name: "Elsewhere", OnChainID: 9, Active: true,
	}
	retired := &models.Candidate{
		ID: uuid.New(), ElectionID: s.election.ID, ConstituencyID: s.constituency.ID, Name: "Retired", OnChainID: 4,
	}
	s.voters.PutCandidate(other)
	s.voters.PutCandidate(retired)

	token := s.token("sess-1")
	for _, id := range []uuid.UUID{other.ID, retired.ID, uuid.New()} {
		_, err := s.service.CastVote(s.at(time.Minute), token, id)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCandidate))
	}

	consumed, err := s.sessions.IsConsumed(s.at(time.Minute), "sess-1")
	s.Require().NoError(err)
	s.False(consumed)
	s.False(s.storedVoter().HasVoted)
}

func (s *ServiceSuite) TestClosedElection() {
	s.election.Status = "closed"
	s.voters.PutElection(s.election)

	_, err := s.service.CastVote(s.at(time.Minute), s.token("sess-1"), s.candidate.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNoActiveElection))
}

func (s *ServiceSuite) TestTokenErrorsStopBeforeConsume() {
	_, err := s.service.CastVote(s.at(10*time.Minute), s.token("sess-1"), s.candidate.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTokenExpired))

	consumed, err := s.sessions.IsConsumed(s.at(0), "sess-1")
	s.Require().NoError(err)
	s.False(consumed)
}

func (s *ServiceSuite) TestLockedOutVoterCannotCast() {
	lockedAt := s.now
	s.voter.LockedOut = true
	s.voter.FailedAuthCount = 3
	s.voter.LockoutAt = &lockedAt
	s.voters.PutVoter(s.voter)

	_, err := s.service.CastVote(s.at(time.Minute), s.token("sess-1"), s.candidate.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLockedOut))
}

func (s *ServiceSuite) TestLedgerOutageLeavesVoterUnvoted() {
	outage := dErrors.New(dErrors.CodeLedgerUnavailable, "ledger call timed out")
	s.chain.EXPECT().SubmitVote(gomock.Any(), s.commitment(), int64(3), int64(7)).Return(nil, outage)

	token := s.token("sess-1")
	_, err := s.service.CastVote(s.at(time.Minute), token, s.candidate.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerUnavailable))
	s.False(s.storedVoter().HasVoted)
	s.Zero(s.store.CountSubmissions(s.voter.ID, s.election.ID))

	intent, err := s.store.FindIntent(context.Background(), "sess-1")
	s.Require().NoError(err)
	s.Equal(IntentPending, intent.Status)

	s.Run("retry with the same token checks the ledger before resubmitting", func() {
		gomock.InOrder(
			s.chain.EXPECT().LookupVote(gomock.Any(), s.commitment()).
				Return(nil, sentinel.ErrNotFound),
			s.chain.EXPECT().SubmitVote(gomock.Any(), s.commitment(), int64(3), int64(7)).
				Return(&ledger.Receipt{TxHash: txHash("cd"), BlockNumber: 43}, nil),
		)
		receipt, err := s.service.CastVote(s.at(2*time.Minute), token, s.candidate.ID)
		s.Require().NoError(err)
		s.Equal(txHash("cd"), receipt.TxHash)
		s.True(s.storedVoter().HasVoted)
	})
}

func (s *ServiceSuite) TestRevertedTransactionClosesIntent() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.Wrap(ledger.ErrTransactionFailed, dErrors.CodeLedgerUnavailable, "ledger call failed"))

	_, err := s.service.CastVote(s.at(time.Minute), s.token("sess-1"), s.candidate.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeLedgerUnavailable))

	intent, err := s.store.FindIntent(context.Background(), "sess-1")
	s.Require().NoError(err)
	s.Equal(IntentFailed, intent.Status)
}

func (s *ServiceSuite) TestRetryAdoptsVoteFoundOnLedger() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeLedgerUnavailable, "ledger call timed out"))
	_, err := s.service.CastVote(s.at(time.Minute), s.token("sess-1"), s.candidate.ID)
	s.Require().Error(err)

	s.chain.EXPECT().LookupVote(gomock.Any(), s.commitment()).
		Return(&ledger.Receipt{TxHash: txHash("ef"), BlockNumber: 44}, nil)

	receipt, err := s.service.CastVote(s.at(2*time.Minute), s.token("sess-2"), s.candidate.ID)
	s.Require().NoError(err)
	s.True(receipt.Reconciled)
	s.Equal(txHash("ef"), receipt.TxHash)

	sub, err := s.store.FindSubmissionByTxHash(context.Background(), txHash("ef"))
	s.Require().NoError(err)
	s.Equal("sess-1", sub.SessionID)

	intent, err := s.store.FindIntent(context.Background(), "sess-1")
	s.Require().NoError(err)
	s.Equal(IntentCommitted, intent.Status)
}

func (s *ServiceSuite) TestConcurrentCastsCommitOnce() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ledger.Receipt{TxHash: txHash("12"), BlockNumber: 50}, nil).
		Times(1)

	const n = 10
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = s.token(uuid.NewString())
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, alreadyVoted := 0, 0
	for _, token := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.CastVote(s.at(time.Minute), token, s.candidate.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case dErrors.HasCode(err, dErrors.CodeAlreadyVoted):
				alreadyVoted++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, committed)
	s.Equal(n-1, alreadyVoted)
	s.Equal(1, s.store.CountSubmissions(s.voter.ID, s.election.ID))
}

func (s *ServiceSuite) TestConcurrentReplayOfOneToken() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ledger.Receipt{TxHash: txHash("13"), BlockNumber: 51}, nil).
		Times(1)

	const n = 12
	token := s.token("sess-shared")

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, replayed := 0, 0
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.CastVote(s.at(time.Minute), token, s.candidate.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case dErrors.HasCode(err, dErrors.CodeReplaySession):
				replayed++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, committed)
	s.Equal(n-1, replayed)
	s.Equal(1, s.store.CountSubmissions(s.voter.ID, s.election.ID))
}

func (s *ServiceSuite) pendingIntent(sessionID string, age time.Duration) {
	err := s.store.SaveIntent(context.Background(), &Intent{
		SessionID:   sessionID,
		VoterID:     s.voter.ID,
		ElectionID:  s.election.ID,
		CandidateID: s.candidate.ID,
		Commitment:  s.commitment().Hex(),
		CreatedAt:   s.now.Add(-age),
		UpdatedAt:   s.now.Add(-age),
	})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestReconcileCommitsVoteFoundOnLedger() {
	s.pendingIntent("sess-old", 5*time.Minute)
	s.chain.EXPECT().LookupVote(gomock.Any(), s.commitment()).
		Return(&ledger.Receipt{TxHash: txHash("9a"), BlockNumber: 60}, nil)

	report, err := s.service.ReconcilePending(s.at(0))
	s.Require().NoError(err)
	s.Equal(&ReconcileReport{Examined: 1, Committed: 1}, report)

	s.True(s.storedVoter().HasVoted)
	intent, err := s.store.FindIntent(context.Background(), "sess-old")
	s.Require().NoError(err)
	s.Equal(IntentCommitted, intent.Status)
	s.Equal(txHash("9a"), intent.TxHash)

	consumed, err := s.sessions.IsConsumed(s.at(0), "sess-old")
	s.Require().NoError(err)
	s.True(consumed)
}

func (s *ServiceSuite) TestReconcileFailsIntentMissingFromLedger() {
	s.pendingIntent("sess-old", 5*time.Minute)
	s.pendingIntent("sess-fresh", time.Second)
	s.chain.EXPECT().LookupVote(gomock.Any(), s.commitment()).Return(nil, sentinel.ErrNotFound)

	report, err := s.service.ReconcilePending(s.at(0))
	s.Require().NoError(err)
	s.Equal(&ReconcileReport{Examined: 1, Failed: 1}, report)
	s.False(s.storedVoter().HasVoted)

	fresh, err := s.store.FindIntent(context.Background(), "sess-fresh")
	s.Require().NoError(err)
	s.Equal(IntentPending, fresh.Status)
}

func (s *ServiceSuite) TestReconcileDefersWhileLedgerDown() {
	s.pendingIntent("sess-old", 5*time.Minute)
	s.chain.EXPECT().LookupVote(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeLedgerUnavailable, "ledger is unavailable"))

	report, err := s.service.ReconcilePending(s.at(0))
	s.Require().NoError(err)
	s.Equal(&ReconcileReport{Examined: 1, Pending: 1}, report)

	intent, err := s.store.FindIntent(context.Background(), "sess-old")
	s.Require().NoError(err)
	s.Equal(IntentPending, intent.Status)
}

func (s *ServiceSuite) TestVerifyReceipt() {
	s.Require().NoError(s.store.InsertSubmission(context.Background(), &Submission{
		ID: uuid.New(), VoterID: s.voter.ID, ElectionID: s.election.ID, SessionID: "sess-1",
		TxHash: txHash("ab"), BlockNumber: 42, SubmittedAt: s.now,
	}))

	s.Run("malformed hash", func() {
		_, err := s.service.VerifyReceipt(s.at(0), "0x1234")
		s.True(dErrors.HasCode(err, dErrors.CodeMalformedInput))
	})

	s.Run("unknown hash", func() {
		_, err := s.service.VerifyReceipt(s.at(0), txHash("cd"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("confirmed, accepts upper-case input", func() {
		s.chain.EXPECT().ConfirmTransaction(gomock.Any(), txHash("ab")).
			Return(&ledger.Confirmation{Status: ledger.StatusConfirmed, BlockNumber: 42, Confirmations: 6}, nil)
		got, err := s.service.VerifyReceipt(s.at(0), txHash("AB"))
		s.Require().NoError(err)
		s.Equal(ledger.StatusConfirmed, got.Status)
		s.Equal(uint64(6), got.Confirmations)
		s.Equal(s.election.ID, got.ElectionID)
	})

	s.Run("ledger down", func() {
		s.chain.EXPECT().ConfirmTransaction(gomock.Any(), txHash("ab")).
			Return(nil, errors.New("dial tcp: connection refused"))
		got, err := s.service.VerifyReceipt(s.at(0), txHash("ab"))
		s.Require().NoError(err)
		s.Equal(ledger.StatusUnavailable, got.Status)
	})
}

func (s *ServiceSuite) TestListCandidates() {
	s.voters.PutCandidate(&models.Candidate{
		ID: uuid.New(), ElectionID: s.election.ID, ConstituencyID: s.constituency.ID, Name: "Withdrawn",
	})

	got, err := s.service.ListCandidates(s.at(0), s.constituency.ID)
	s.Require().NoError(err)
	s.Equal([]CandidateView{{ID: s.candidate.ID, Name: "Grace Candidate", Party: "Independent"}}, got)

	_, err = s.service.ListCandidates(s.at(0), uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.election.Status = "closed"
	s.voters.PutElection(s.election)
	_, err = s.service.ListCandidates(s.at(0), s.constituency.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNoActiveElection))
}
