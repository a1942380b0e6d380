// Package biometric holds the types shared by the vault and the matcher.
package biometric

import "fmt"

// Modality is a biometric input channel.
type Modality string

const (
	ModalityFace        Modality = "face"
	ModalityFingerprint Modality = "fingerprint"
)

// Modalities lists every supported modality.
var Modalities = []Modality{ModalityFace, ModalityFingerprint}

func (m Modality) String() string { return string(m) }

func (m Modality) Valid() bool {
	return m == ModalityFace || m == ModalityFingerprint
}

// ParseModality validates s.
func ParseModality(s string) (Modality, error) {
	m := Modality(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown modality %q", s)
	}
	return m, nil
}
