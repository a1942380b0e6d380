package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"biovote/internal/platform/metrics"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/circuit"
	"biovote/pkg/platform/sentinel"
)

var tracer = otel.Tracer("biovote/ledger")

// Guarded bounds every call with a timeout and stops calling the ledger
// while its circuit is open.
type Guarded struct {
	next    Client
	breaker *circuit.Breaker
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type GuardOption func(*Guarded)

func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guarded) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithBreaker(b *circuit.Breaker) GuardOption {
	return func(g *Guarded) {
		g.breaker = b
	}
}

func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guarded) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guarded) {
		g.metrics = m
	}
}

func NewGuarded(next Client, opts ...GuardOption) *Guarded {
	g := &Guarded{
		next:    next,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker == nil {
		g.breaker = circuit.New("ledger", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second))
	}
	return g
}

func (g *Guarded) SubmitVote(ctx context.Context, voter Commitment, candidateRef, constituencyRef int64) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "ledger.SubmitVote")
	defer span.End()
	span.SetAttributes(attribute.Int64("ledger.constituency", constituencyRef))

	var receipt *Receipt
	err := g.call(ctx, "submit_vote", func(ctx context.Context) error {
		var err error
		receipt, err = g.next.SubmitVote(ctx, voter, candidateRef, constituencyRef)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger submission failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("ledger.tx_hash", receipt.TxHash))
	return receipt, nil
}

func (g *Guarded) LookupVote(ctx context.Context, voter Commitment) (*Receipt, error) {
	var receipt *Receipt
	err := g.call(ctx, "lookup_vote", func(ctx context.Context) error {
		var err error
		receipt, err = g.next.LookupVote(ctx, voter)
		return err
	})
	return receipt, err
}

func (g *Guarded) ConfirmTransaction(ctx context.Context, txHash string) (*Confirmation, error) {
	var conf *Confirmation
	err := g.call(ctx, "confirm_transaction", func(ctx context.Context) error {
		var err error
		conf, err = g.next.ConfirmTransaction(ctx, txHash)
		return err
	})
	return conf, err
}

// IsReachable is false while the circuit is open, without probing.
func (g *Guarded) IsReachable(ctx context.Context) bool {
	if !g.breaker.Allow() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, min(g.timeout, 5*time.Second))
	defer cancel()
	return g.next.IsReachable(ctx)
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() circuit.State { return g.breaker.State() }

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !g.breaker.Allow() {
		return dErrors.New(dErrors.CodeLedgerUnavailable, "ledger is unavailable")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	g.metrics.ObserveLedgerCall(op, time.Since(start), err)

	// a missing vote or a reverted transaction is an answer, not an outage
	if err == nil || errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, ErrTransactionFailed) {
		if _, change := g.breaker.RecordSuccess(); change.Closed {
			g.logger.InfoContext(ctx, "ledger circuit closed", "breaker", g.breaker.Name())
		}
		if errors.Is(err, ErrTransactionFailed) {
			return unavailable(err, "ledger rejected the call")
		}
		return err
	}

	if _, change := g.breaker.RecordFailure(); change.Opened {
		g.logger.WarnContext(ctx, "ledger circuit opened", "breaker", g.breaker.Name(), "error", err)
	}
	if ctx.Err() != nil {
		return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "ledger call timed out")
	}
	return unavailable(err, "ledger call failed")
}
