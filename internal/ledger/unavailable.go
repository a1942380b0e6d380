package ledger

import (
	"context"

	dErrors "biovote/pkg/domain-errors"
)

// Disconnected is the client used when no ledger endpoint is configured.
// Every call fails with LedgerUnavailable.
type Disconnected struct{}

func (Disconnected) SubmitVote(context.Context, Commitment, int64, int64) (*Receipt, error) {
	return nil, dErrors.New(dErrors.CodeLedgerUnavailable, "no ledger is configured")
}

func (Disconnected) LookupVote(context.Context, Commitment) (*Receipt, error) {
	return nil, dErrors.New(dErrors.CodeLedgerUnavailable, "no ledger is configured")
}

func (Disconnected) ConfirmTransaction(context.Context, string) (*Confirmation, error) {
	return &Confirmation{Status: StatusUnavailable}, nil
}

func (Disconnected) IsReachable(context.Context) bool { return false }
