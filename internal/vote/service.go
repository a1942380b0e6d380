// Package vote commits a voter's single vote to the external ledger and
// records it locally. The voter row lock is held from the eligibility check
// until the submission is persisted, so concurrent casts for one voter are
// serialised and at most one reaches the ledger.
package vote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"biovote/internal/ledger"
	"biovote/internal/platform/logger"
	"biovote/internal/platform/metrics"
	"biovote/internal/session"
	"biovote/internal/session/tracker"
	"biovote/internal/voter/models"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/sentinel"
	txcontext "biovote/pkg/platform/tx"
	"biovote/pkg/requestcontext"
)

const (
	defaultReconcileAfter = 30 * time.Second
	reconcileBatch        = 100
)

// TokenParser checks a voting session token's signature, expiry and type.
type TokenParser interface {
	Parse(ctx context.Context, raw string) (*session.Claims, error)
}

type Service struct {
	voters         VoterStore
	store          Store
	sessions       tracker.Tracker
	tokens         TokenParser
	chain          ledger.Client
	tx             txcontext.Runner
	pepper         []byte
	replayMargin   time.Duration
	reconcileAfter time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithReplayMargin sets how long a consumed session id outlives its token.
func WithReplayMargin(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.replayMargin = d
		}
	}
}

// WithReconcileAfter sets the age at which a pending intent is reconciled in
// the background. It should not be shorter than the ledger timeout.
func WithReconcileAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reconcileAfter = d
		}
	}
}

func New(voters VoterStore, store Store, sessions tracker.Tracker, tokens TokenParser, chain ledger.Client,
	tx txcontext.Runner, pepper []byte, opts ...Option) (*Service, error) {
	switch {
	case voters == nil:
		return nil, errors.New("voter store is required")
	case store == nil:
		return nil, errors.New("vote store is required")
	case sessions == nil:
		return nil, errors.New("session tracker is required")
	case tokens == nil:
		return nil, errors.New("token parser is required")
	case chain == nil:
		return nil, errors.New("ledger client is required")
	case tx == nil:
		return nil, errors.New("transaction runner is required")
	case len(pepper) == 0:
		return nil, errors.New("commitment pepper is required")
	}
	s := &Service{
		voters:         voters,
		store:          store,
		sessions:       sessions,
		tokens:         tokens,
		chain:          chain,
		tx:             tx,
		pepper:         pepper,
		replayMargin:   DefaultReplayMargin,
		reconcileAfter: defaultReconcileAfter,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CastVote is the outward entry point: it checks the token and casts.
// Voter state is re-read under lock by Cast, after the replay check.
func (s *Service) CastVote(ctx context.Context, token string, candidateID uuid.UUID) (*Receipt, error) {
	claims, err := s.tokens.Parse(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Cast(ctx, claims, candidateID)
}

// Cast commits one vote for the session in claims.
//
// The session id is consumed first, so a replayed token is refused before
// any voter state is read. Consumption, the submission row and the voter's
// has_voted flag commit together; a tracker outside the database is released
// when the cast fails.
func (s *Service) Cast(ctx context.Context, claims *session.Claims, candidateID uuid.UUID) (*Receipt, error) {
	if claims == nil || claims.SessionID == "" || claims.VoterExternalID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidSignature, "invalid voting session")
	}
	if candidateID == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeBadRequest, "candidate_id is required")
	}
	now := requestcontext.Now(ctx)
	ttl := claims.Remaining(now) + s.replayMargin

	var (
		receipt  *Receipt
		intentID string
		consumed bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		ok, err := s.sessions.Consume(ctx, claims.SessionID, ttl)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check voting session")
		}
		if !ok {
			return dErrors.New(dErrors.CodeReplaySession, "voting session has already been used")
		}
		consumed = true
		receipt, intentID, err = s.commit(ctx, claims, candidateID, now)
		return err
	})
	if err != nil {
		if consumed && !s.sessions.Transactional() {
			if relErr := s.sessions.Release(context.WithoutCancel(ctx), claims.SessionID); relErr != nil {
				s.logger.ErrorContext(ctx, "failed to release voting session", "error", relErr)
			}
		}
		if dErrors.HasCode(err, dErrors.CodeReplaySession) {
			s.metrics.IncrementReplayRejected()
			logger.LogAudit(ctx, s.logger, "vote_replay_rejected", "election_id", claims.ElectionID)
		}
		var de *dErrors.Error
		if !errors.As(err, &de) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "vote transaction failed")
		}
		return nil, err
	}

	if err := s.store.MarkIntentCommitted(context.WithoutCancel(ctx), intentID, receipt.TxHash, now); err != nil {
		s.logger.ErrorContext(ctx, "failed to close vote intent", "error", err)
	}
	s.metrics.IncrementVotesCommitted()
	logger.LogAudit(ctx, s.logger, "vote_committed",
		"election_id", claims.ElectionID,
		"reconciled", receipt.Reconciled,
	)
	return receipt, nil
}

// commit runs under the voter lock. It returns the receipt and the session id
// of the intent the receipt belongs to.
func (s *Service) commit(ctx context.Context, claims *session.Claims, candidateID uuid.UUID, now time.Time) (*Receipt, string, error) {
	found, err := s.voters.FindByExternalID(ctx, claims.VoterExternalID)
	if err != nil {
		return nil, "", voterError(err)
	}
	v, err := s.voters.LockByID(ctx, found.ID)
	if err != nil {
		return nil, "", voterError(err)
	}
	if err := session.CheckEligible(v); err != nil {
		return nil, "", err
	}
	if v.ConstituencyID != claims.ConstituencyID {
		return nil, "", dErrors.New(dErrors.CodeInvalidCandidate, "candidate is not valid for this voting session")
	}
	candidate, constituency, err := s.resolveCandidate(ctx, claims, candidateID)
	if err != nil {
		return nil, "", err
	}

	commitment := ledger.NewCommitment(v.ExternalID, s.pepper)
	// intents must survive a rollback of the cast transaction
	detached := txcontext.WithoutTx(ctx)

	prior, err := s.store.FindPendingIntent(detached, v.ID, claims.ElectionID)
	switch {
	case err == nil:
		rcpt, lookupErr := s.chain.LookupVote(ctx, commitment)
		switch {
		case lookupErr == nil:
			s.logger.WarnContext(ctx, "found unrecorded vote on ledger", "election_id", claims.ElectionID)
			if err := s.persist(ctx, v.ID, claims.ElectionID, prior.SessionID, rcpt, now); err != nil {
				return nil, "", err
			}
			return receiptFrom(rcpt, now, true), prior.SessionID, nil
		case errors.Is(lookupErr, sentinel.ErrNotFound):
			if err := s.store.MarkIntentFailed(detached, prior.SessionID, now); err != nil {
				return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to close vote intent")
			}
		default:
			return nil, "", ledgerError(lookupErr, "cannot confirm an earlier submission")
		}
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to read vote intents")
	}

	intent := &Intent{
		SessionID:   claims.SessionID,
		VoterID:     v.ID,
		ElectionID:  claims.ElectionID,
		CandidateID: candidate.ID,
		Commitment:  commitment.Hex(),
		Status:      IntentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveIntent(detached, intent); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, "", dErrors.New(dErrors.CodeReplaySession, "voting session has already been used")
		}
		return nil, "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to record vote intent")
	}

	rcpt, err := s.chain.SubmitVote(ctx, commitment, candidate.OnChainID, constituency.OnChainID)
	if err != nil {
		// a timeout leaves the intent pending for reconciliation
		if errors.Is(err, ledger.ErrTransactionFailed) {
			if markErr := s.store.MarkIntentFailed(detached, intent.SessionID, now); markErr != nil {
				s.logger.ErrorContext(ctx, "failed to close vote intent", "error", markErr)
			}
		}
		s.logger.WarnContext(ctx, "ledger submission failed", "election_id", claims.ElectionID, "error", err)
		return nil, "", ledgerError(err, "vote could not be submitted; please retry")
	}
	if err := s.persist(ctx, v.ID, claims.ElectionID, intent.SessionID, rcpt, now); err != nil {
		return nil, "", err
	}
	return receiptFrom(rcpt, now, false), intent.SessionID, nil
}

func (s *Service) persist(ctx context.Context, voterID, electionID uuid.UUID, sessionID string, rcpt *ledger.Receipt, now time.Time) error {
	txHash, ok := ledger.NormalizeTxHash(rcpt.TxHash)
	if !ok {
		return dErrors.New(dErrors.CodeInternal, "ledger returned a malformed transaction hash")
	}
	sub := &Submission{
		ID:          uuid.New(),
		VoterID:     voterID,
		ElectionID:  electionID,
		SessionID:   sessionID,
		TxHash:      txHash,
		BlockNumber: rcpt.BlockNumber,
		GasUsed:     rcpt.GasUsed,
		SubmittedAt: now,
	}
	if err := s.store.InsertSubmission(ctx, sub); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeAlreadyVoted, "voter has already voted")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record vote")
	}
	if err := s.voters.MarkVoted(ctx, voterID, now, txHash); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.New(dErrors.CodeAlreadyVoted, "voter has already voted")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record vote")
	}
	rcpt.TxHash = txHash
	return nil
}

func (s *Service) resolveCandidate(ctx context.Context, claims *session.Claims, candidateID uuid.UUID) (*models.Candidate, *models.Constituency, error) {
	election, err := s.voters.FindElection(ctx, claims.ElectionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	if err != nil || !election.IsActive() {
		return nil, nil, dErrors.New(dErrors.CodeNoActiveElection, "election is not accepting votes")
	}
	constituency, err := s.voters.FindConstituency(ctx, claims.ConstituencyID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load constituency")
	}
	if err != nil || constituency.ElectionID != election.ID {
		return nil, nil, dErrors.New(dErrors.CodeInvalidCandidate, "candidate is not valid for this voting session")
	}
	candidate, err := s.voters.FindCandidate(ctx, candidateID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load candidate")
	}
	if err != nil || !candidate.Active ||
		candidate.ConstituencyID != constituency.ID || candidate.ElectionID != election.ID {
		return nil, nil, dErrors.New(dErrors.CodeInvalidCandidate, "candidate is not valid for this voting session")
	}
	return candidate, constituency, nil
}

// ReconcilePending resolves intents left pending by an interrupted cast.
// The ledger's own record decides: a vote found for the voter's commitment is
// persisted locally, otherwise the intent is closed as failed.
func (s *Service) ReconcilePending(ctx context.Context) (*ReconcileReport, error) {
	cutoff := requestcontext.Now(ctx).Add(-s.reconcileAfter)
	intents, err := s.store.ListPendingIntents(ctx, cutoff, reconcileBatch)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending intents")
	}
	report := &ReconcileReport{Examined: len(intents)}
	for _, in := range intents {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		status, err := s.reconcile(ctx, in)
		if err != nil {
			s.logger.WarnContext(ctx, "reconciliation deferred", "session_id", in.SessionID, "error", err)
		}
		switch status {
		case IntentCommitted:
			report.Committed++
		case IntentFailed:
			report.Failed++
		default:
			report.Pending++
		}
		s.metrics.IncrementReconciled(string(status))
	}
	return report, nil
}

func (s *Service) reconcile(ctx context.Context, in *Intent) (IntentStatus, error) {
	now := requestcontext.Now(ctx)
	status := IntentPending
	var txHash string
	settled := false
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		v, err := s.voters.LockByID(ctx, in.VoterID)
		if err != nil {
			return err
		}
		detached := txcontext.WithoutTx(ctx)
		current, err := s.store.FindIntent(detached, in.SessionID)
		if err != nil {
			return err
		}
		if current.Status != IntentPending {
			status, settled = current.Status, true
			return nil
		}

		if v.HasVoted {
			sub, err := s.store.FindSubmissionByVoter(ctx, v.ID, in.ElectionID)
			switch {
			case err == nil && sub.SessionID == in.SessionID:
				status, txHash = IntentCommitted, sub.TxHash
			case err == nil || errors.Is(err, sentinel.ErrNotFound):
				status = IntentFailed
			default:
				return err
			}
			return nil
		}

		commitment, ok := ledger.ParseCommitment(in.Commitment)
		if !ok {
			status = IntentFailed
			return nil
		}
		rcpt, err := s.chain.LookupVote(ctx, commitment)
		if errors.Is(err, sentinel.ErrNotFound) {
			status = IntentFailed
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := s.sessions.Consume(ctx, in.SessionID, s.replayMargin); err != nil {
			return err
		}
		if err := s.persist(ctx, v.ID, in.ElectionID, in.SessionID, rcpt, now); err != nil {
			return err
		}
		status, txHash = IntentCommitted, rcpt.TxHash
		return nil
	})
	if err != nil {
		return IntentPending, err
	}
	if settled {
		return status, nil
	}

	switch status {
	case IntentCommitted:
		err = s.store.MarkIntentCommitted(ctx, in.SessionID, txHash, now)
		logger.LogAudit(ctx, s.logger, "vote_reconciled", "election_id", in.ElectionID, "result", "committed")
	case IntentFailed:
		err = s.store.MarkIntentFailed(ctx, in.SessionID, now)
		logger.LogAudit(ctx, s.logger, "vote_reconciled", "election_id", in.ElectionID, "result", "failed")
	}
	if err != nil {
		return IntentPending, err
	}
	return status, nil
}

// RunReconciler calls ReconcilePending every interval until ctx is cancelled.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.ReconcilePending(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.ErrorContext(ctx, "reconciliation pass failed", "error", err)
				continue
			}
			if report.Examined > 0 {
				s.logger.InfoContext(ctx, "reconciliation pass finished",
					"examined", report.Examined,
					"committed", report.Committed,
					"failed", report.Failed,
					"pending", report.Pending,
				)
			}
		}
	}
}

// VerifyReceipt reports what is known about a vote transaction without
// revealing who cast it.
func (s *Service) VerifyReceipt(ctx context.Context, txHash string) (*Verification, error) {
	hash, ok := ledger.NormalizeTxHash(txHash)
	if !ok {
		return nil, dErrors.New(dErrors.CodeMalformedInput, "invalid transaction hash")
	}
	sub, err := s.store.FindSubmissionByTxHash(ctx, hash)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no vote recorded for this transaction")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up vote")
	}
	out := &Verification{
		TxHash:      sub.TxHash,
		ElectionID:  sub.ElectionID,
		BlockNumber: sub.BlockNumber,
		SubmittedAt: sub.SubmittedAt,
		Status:      ledger.StatusUnavailable,
	}
	conf, err := s.chain.ConfirmTransaction(ctx, hash)
	if err != nil {
		s.logger.WarnContext(ctx, "receipt confirmation unavailable", "error", err)
		return out, nil
	}
	out.Status = conf.Status
	out.Confirmations = conf.Confirmations
	return out, nil
}

// ListCandidates returns the active candidates of a constituency whose
// election is open.
func (s *Service) ListCandidates(ctx context.Context, constituencyID uuid.UUID) ([]CandidateView, error) {
	constituency, err := s.voters.FindConstituency(ctx, constituencyID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "constituency not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load constituency")
	}
	election, err := s.voters.FindElection(ctx, constituency.ElectionID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load election")
	}
	if err != nil || !election.IsActive() {
		return nil, dErrors.New(dErrors.CodeNoActiveElection, "no active election for this constituency")
	}
	candidates, err := s.voters.ListCandidates(ctx, constituencyID, true)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list candidates")
	}
	out := make([]CandidateView, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, CandidateView{ID: c.ID, Name: c.Name, Party: c.Party})
	}
	return out, nil
}

func receiptFrom(r *ledger.Receipt, now time.Time, reconciled bool) *Receipt {
	return &Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
		Timestamp:   now,
		Reconciled:  reconciled,
	}
}

func voterError(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeVoterNotFound, "voter not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load voter")
}

func ledgerError(err error, msg string) error {
	if dErrors.HasCode(err, dErrors.CodeLedgerUnavailable) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, msg)
}
