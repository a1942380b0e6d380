//go:build integration

package vote_test

import (
	"context"
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
	"biovote/internal/platform/postgres"
	"biovote/internal/session"
	"biovote/internal/session/tracker"
	"biovote/internal/vote"
	voterstore "biovote/internal/voter/store"
	dErrors "biovote/pkg/domain-errors"
	txcontext "biovote/pkg/platform/tx"
	"biovote/pkg/testutil/containers"
)

type PostgresVoteSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	ctrl     *gomock.Controller
	chain    *mocks.MockClient
	issuer   *session.Issuer
	sessions *tracker.PostgresTracker
	store    *vote.PostgresStore
	service  *vote.Service

	voterID        uuid.UUID
	electionID     uuid.UUID
	constituencyID uuid.UUID
	candidateID    uuid.UUID
}

func TestPostgresVoteSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresVoteSuite))
}

func (s *PostgresVoteSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
}

func (s *PostgresVoteSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx,
		"vote_intents", "vote_submissions", "consumed_sessions", "voters", "candidates", "constituencies", "elections"))

	s.electionID, s.constituencyID, s.candidateID, s.voterID = uuid.New(), uuid.New(), uuid.New(), uuid.New()
	db := s.postgres.DB
	_, err := db.ExecContext(ctx, `INSERT INTO elections (id, name, status) VALUES ($1, 'General 2026', 'active')`, s.electionID)
	s.Require().NoError(err)
	_, err = db.ExecContext(ctx, `INSERT INTO constituencies (id, election_id, name, code, on_chain_id) VALUES ($1, $2, 'North', 'N-01', 7)`,
		s.constituencyID, s.electionID)
	s.Require().NoError(err)
	_, err = db.ExecContext(ctx, `INSERT INTO candidates (id, election_id, constituency_id, name, on_chain_id) VALUES ($1, $2, $3, 'Grace', 3)`,
		s.candidateID, s.electionID, s.constituencyID)
	s.Require().NoError(err)
	_, err = db.ExecContext(ctx, `INSERT INTO voters (id, voter_id, full_name, constituency_id) VALUES ($1, 'VOT-0001', 'Ada Voter', $2)`,
		s.voterID, s.constituencyID)
	s.Require().NoError(err)

	s.ctrl = gomock.NewController(s.T())
	s.chain = mocks.NewMockClient(s.ctrl)
	voters := voterstore.NewPostgres(db)
	issuer, err := session.NewIssuer([]byte("voting-secret-0123456789abcdef01"), voters, session.WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.issuer = issuer
	s.sessions = tracker.NewPostgres(db)
	s.store = vote.NewPostgresStore(db)

	svc, err := vote.New(voters, s.store, s.sessions, issuer, s.chain,
		txcontext.NewSQLRunner(db, txcontext.WithTimeout(10*time.Second)), []byte("pepper-0123456789"),
		vote.WithLogger(logger.Discard()),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *PostgresVoteSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *PostgresVoteSuite) token() string {
	token, _, err := s.issuer.Issue(context.Background(), "VOT-0001", s.electionID, s.constituencyID, uuid.NewString())
	s.Require().NoError(err)
	return token
}

func hash(b string) string { return "0x" + strings.Repeat(b, 32) }

func (s *PostgresVoteSuite) TestConcurrentCastsCommitOnce() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), int64(3), int64(7)).
		Return(&ledger.Receipt{TxHash: hash("ab"), BlockNumber: 10}, nil).
		Times(1)

	const casters = 8
	tokens := make([]string, casters)
	for i := range tokens {
		tokens[i] = s.token()
	}

	var wg sync.WaitGroup
	errs := make([]error, casters)
	for i, token := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.service.CastVote(context.Background(), token, s.candidateID)
		}()
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVoted), "unexpected error: %v", err)
	}
	s.Equal(1, committed)

	var n int
	s.Require().NoError(s.postgres.DB.QueryRow(`SELECT COUNT(*) FROM vote_submissions WHERE voter_id = $1`, s.voterID).Scan(&n))
	s.Equal(1, n)
}

func (s *PostgresVoteSuite) TestLedgerFailureRollsBackConsumption() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeLedgerUnavailable, "ledger call timed out"))

	token := s.token()
	claims, err := s.issuer.Parse(context.Background(), token)
	s.Require().NoError(err)

	_, err = s.service.CastVote(context.Background(), token, s.candidateID)
	s.Require().Error(err)

	consumed, err := s.sessions.IsConsumed(context.Background(), claims.SessionID)
	s.Require().NoError(err)
	s.False(consumed)

	intent, err := s.store.FindIntent(context.Background(), claims.SessionID)
	s.Require().NoError(err)
	s.Equal(vote.IntentPending, intent.Status)

	var voted bool
	s.Require().NoError(s.postgres.DB.QueryRow(`SELECT has_voted FROM voters WHERE id = $1`, s.voterID).Scan(&voted))
	s.False(voted)
}

func (s *PostgresVoteSuite) TestSubmissionsAreImmutable() {
	s.chain.EXPECT().SubmitVote(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&ledger.Receipt{TxHash: hash("cd"), BlockNumber: 11}, nil)
	_, err := s.service.CastVote(context.Background(), s.token(), s.candidateID)
	s.Require().NoError(err)

	_, err = s.postgres.DB.Exec(`UPDATE vote_submissions SET block_number = 0`)
	s.Require().Error(err)
	s.True(postgres.IsImmutableViolation(err))

	_, err = s.postgres.DB.Exec(`DELETE FROM vote_submissions`)
	s.Require().Error(err)
	s.True(postgres.IsImmutableViolation(err))
}

func (s *PostgresVoteSuite) TestPendingIntentLifecycle() {
	ctx := context.Background()
	created := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	in := &vote.Intent{
		SessionID: "sess-1", VoterID: s.voterID, ElectionID: s.electionID, CandidateID: s.candidateID,
		Commitment: ledger.NewCommitment("VOT-0001", []byte("p")).Hex(), CreatedAt: created, UpdatedAt: created,
	}
	s.Require().NoError(s.store.SaveIntent(ctx, in))
	s.Require().ErrorContains(s.store.SaveIntent(ctx, in), "conflict")

	pending, err := s.store.ListPendingIntents(ctx, time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(in.Commitment, pending[0].Commitment)

	s.Require().NoError(s.store.MarkIntentFailed(ctx, "sess-1", time.Now()))
	s.Require().NoError(s.store.SaveIntent(ctx, in), "a failed intent can be retried")

	s.Require().NoError(s.store.MarkIntentCommitted(ctx, "sess-1", hash("ef"), time.Now()))
	s.Require().NoError(s.store.MarkIntentFailed(ctx, "sess-1", time.Now()))
	got, err := s.store.FindIntent(ctx, "sess-1")
	s.Require().NoError(err)
	s.Equal(vote.IntentCommitted, got.Status)
	s.Equal(hash("ef"), got.TxHash)
}
