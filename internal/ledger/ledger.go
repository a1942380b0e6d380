// Package ledger is the narrow client this service uses to reach the external
// vote ledger.
package ledger

//go:generate mockgen -source=ledger.go -destination=mocks/ledger_mock.go -package=mocks

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	dErrors "biovote/pkg/domain-errors"
)

// ErrTransactionFailed is returned when the ledger mined the transaction but
// reported a non-success status.
var ErrTransactionFailed = errors.New("ledger transaction failed")

// Commitment is the pseudonymous voter identity written to the ledger.
type Commitment [32]byte

func (c Commitment) Hex() string { return common.Hash(c).Hex() }

// ParseCommitment reverses Hex.
func ParseCommitment(s string) (Commitment, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != 32 {
		return Commitment{}, false
	}
	return Commitment(b), true
}

// NewCommitment derives keccak256(externalID || pepper). The external voter
// id never reaches the ledger in clear text.
func NewCommitment(externalID string, pepper []byte) Commitment {
	return Commitment(crypto.Keccak256Hash([]byte(externalID), pepper))
}

// Receipt describes a mined vote transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	GasUsed     uint64
}

// ConfirmationStatus of a transaction looked up by hash.
type ConfirmationStatus string

const (
	StatusConfirmed   ConfirmationStatus = "confirmed"
	StatusFailed      ConfirmationStatus = "failed"
	StatusNotFound    ConfirmationStatus = "not_found"
	StatusUnavailable ConfirmationStatus = "unavailable"
)

type Confirmation struct {
	Status        ConfirmationStatus
	BlockNumber   uint64
	Confirmations uint64
}

// Client is consumed by the vote service.
type Client interface {
	// SubmitVote sends the vote and waits for it to be mined.
	SubmitVote(ctx context.Context, voter Commitment, candidateRef, constituencyRef int64) (*Receipt, error)
	// LookupVote finds a vote already recorded for voter. It returns an error
	// wrapping sentinel.ErrNotFound when there is none.
	LookupVote(ctx context.Context, voter Commitment) (*Receipt, error)
	ConfirmTransaction(ctx context.Context, txHash string) (*Confirmation, error)
	IsReachable(ctx context.Context) bool
}

// NormalizeTxHash returns the canonical lower-case 0x form, or false when s
// is not a 32-byte hex hash.
func NormalizeTxHash(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if len(s) != 66 {
		return "", false
	}
	for _, r := range s[2:] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", false
		}
	}
	return s, true
}

func unavailable(err error, msg string) error {
	var de *dErrors.Error
	if errors.As(err, &de) && de.Code == dErrors.CodeLedgerUnavailable {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, msg)
}
