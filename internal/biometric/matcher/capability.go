package matcher

import (
	"context"

	"biovote/internal/biometric"
	dErrors "biovote/pkg/domain-errors"
)

// Capability extracts features for one modality. Available reports whether
// the deployment can serve the modality at all; callers must check it before
// calling Extract.
type Capability interface {
	Modality() biometric.Modality
	Available() bool
	Extract(ctx context.Context, sample []byte) ([]float32, error)
}

// DetectorCapability is the image pipeline bound to a detector.
type DetectorCapability struct {
	modality biometric.Modality
	detector Detector
}

// NewCapability binds det to modality. A nil detector yields an unavailable capability.
func NewCapability(modality biometric.Modality, det Detector) *DetectorCapability {
	return &DetectorCapability{modality: modality, detector: det}
}

// Unavailable returns a capability that reports itself unavailable.
func Unavailable(modality biometric.Modality) *DetectorCapability {
	return &DetectorCapability{modality: modality}
}

func (c *DetectorCapability) Modality() biometric.Modality { return c.modality }

func (c *DetectorCapability) Available() bool { return c.detector != nil }

func (c *DetectorCapability) Extract(ctx context.Context, sample []byte) ([]float32, error) {
	if c.detector == nil {
		return nil, dErrors.New(dErrors.CodeModalityUnavailable, c.modality.String()+" matching is not available")
	}
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "feature extraction cancelled")
	}
	return extract(ctx, sample, c.detector)
}
