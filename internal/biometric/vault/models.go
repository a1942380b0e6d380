package vault

import (
	"time"

	"github.com/google/uuid"

	"biovote/internal/biometric"
)

// Template is an enrolled, sealed feature vector. Immutable once stored.
type Template struct {
	VoterID       uuid.UUID
	Modality      biometric.Modality
	IntegrityHash string
	Ciphertext    string
	Salt          string
	Dims          int
	EnrolledAt    time.Time
}

// Sealed is the pure output of sealing a raw vector.
type Sealed struct {
	IntegrityHash string
	Ciphertext    string
	Salt          string
	Dims          int
}
