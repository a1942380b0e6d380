package attempt

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const fieldSep = "\x1f"

// canonical is the byte form hashed into the chain. Timestamps are truncated
// to microseconds so the value survives a round trip through TIMESTAMPTZ.
func canonical(a *Attempt) []byte {
	voter := ""
	if a.VoterID != nil {
		voter = a.VoterID.String()
	}
	score := ""
	if a.Score != nil {
		score = strconv.FormatFloat(RoundScore(*a.Score), 'f', 4, 64)
	}
	fields := []string{
		a.ID.String(),
		voter,
		a.ExternalVoterID,
		string(a.Method),
		string(a.Outcome),
		a.FailureReason,
		score,
		a.SourceAddress,
		a.SourceDevice,
		a.PollingStation,
		a.AttemptedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	return []byte(strings.Join(fields, fieldSep))
}

// ChainHash links a to prev.
func ChainHash(prev string, a *Attempt) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prev))
	h.Write([]byte(fieldSep))
	h.Write(canonical(a))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal stamps a with prev and the resulting chain hash.
func Seal(prev string, a *Attempt) {
	a.PrevHash = prev
	a.ChainHash = ChainHash(prev, a)
}

// Verifier checks attempts fed in sequence order.
type Verifier struct {
	report ChainReport
	prev   string
}

func NewVerifier() *Verifier {
	return &Verifier{prev: GenesisHash, report: ChainReport{Head: GenesisHash}}
}

// Next checks a against the running chain. It returns false once a break has
// been found; later attempts are not examined.
func (v *Verifier) Next(a *Attempt) bool {
	if v.report.Break != nil {
		return false
	}
	v.report.Checked++
	expected := ChainHash(v.prev, a)
	if a.PrevHash != v.prev || a.ChainHash != expected {
		v.report.Break = &ChainBreak{Seq: a.Seq, ID: a.ID, Expected: expected, Found: a.ChainHash}
		return false
	}
	v.prev = a.ChainHash
	v.report.Head = a.ChainHash
	return true
}

func (v *Verifier) Report() ChainReport { return v.report }
