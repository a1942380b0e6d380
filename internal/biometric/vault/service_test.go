package vault

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"biovote/internal/biometric"
	"biovote/internal/platform/logger"
	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/requestcontext"
)

type VaultServiceSuite struct {
	suite.Suite
	store   *InMemoryStore
	service *Service
	ctx     context.Context
}

func TestVaultServiceSuite(t *testing.T) {
	suite.Run(t, new(VaultServiceSuite))
}

func (s *VaultServiceSuite) SetupTest() {
	s.store = NewInMemoryStore()
	svc, err := New(s.store, []byte(strings.Repeat("k", 32)), []byte("pepper-0123456789"), WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.service = svc
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC))
}

func sampleVector() []float32 {
	v := make([]float32, 256)
	for i := range v {
		v[i] = float32(i%17) / 16
	}
	return v
}

func (s *VaultServiceSuite) TestEnrollFetchOpen() {
	voterID := uuid.New()
	raw := sampleVector()

	t, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFace, raw)
	s.Require().NoError(err)
	s.Equal(256, t.Dims)
	s.Equal(time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC), t.EnrolledAt)
	s.True(s.service.VerifyIntegrity(raw, t))

	fetched, err := s.service.Fetch(s.ctx, voterID, biometric.ModalityFace)
	s.Require().NoError(err)
	s.Equal(t.IntegrityHash, fetched.IntegrityHash)

	opened, err := s.service.Open(fetched)
	s.Require().NoError(err)
	s.Len(opened, len(raw))
	for i := range raw {
		s.InDelta(raw[i], opened[i], 1.0/127+1e-6)
	}
}

func (s *VaultServiceSuite) TestSaltsAreNotReusedAcrossModalities() {
	voterID := uuid.New()
	face, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFace, sampleVector())
	s.Require().NoError(err)
	finger, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFingerprint, sampleVector())
	s.Require().NoError(err)
	s.NotEqual(face.Salt, finger.Salt)
	s.NotEqual(face.IntegrityHash, finger.IntegrityHash)
}

func (s *VaultServiceSuite) TestEnrollTwiceConflicts() {
	voterID := uuid.New()
	_, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFace, sampleVector())
	s.Require().NoError(err)
	_, err = s.service.Enroll(s.ctx, voterID, biometric.ModalityFace, sampleVector())
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *VaultServiceSuite) TestFetchMissing() {
	_, err := s.service.Fetch(s.ctx, uuid.New(), biometric.ModalityFingerprint)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *VaultServiceSuite) TestTamperedCiphertextFailsOpen() {
	voterID := uuid.New()
	_, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFace, sampleVector())
	s.Require().NoError(err)

	s.store.Corrupt(voterID, biometric.ModalityFace, func(t *Template) {
		b := []byte(t.Ciphertext)
		if b[20] == 'A' {
			b[20] = 'B'
		} else {
			b[20] = 'A'
		}
		t.Ciphertext = string(b)
	})

	t, err := s.service.Fetch(s.ctx, voterID, biometric.ModalityFace)
	s.Require().NoError(err)
	_, err = s.service.Open(t)
	s.Require().Error(err)
	s.ErrorIs(err, ErrDecrypt)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *VaultServiceSuite) TestRejectsEmptyAndUnknownModality() {
	_, err := s.service.Enroll(s.ctx, uuid.New(), biometric.ModalityFace, nil)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	_, err = s.service.Enroll(s.ctx, uuid.New(), biometric.Modality("iris"), sampleVector())
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *VaultServiceSuite) TestEnrolledModalities() {
	voterID := uuid.New()
	_, err := s.service.Enroll(s.ctx, voterID, biometric.ModalityFingerprint, sampleVector())
	s.Require().NoError(err)

	got, err := s.service.EnrolledModalities(s.ctx, voterID)
	s.Require().NoError(err)
	s.Len(got, 1)
	s.Contains(got, biometric.ModalityFingerprint)
}

func (s *VaultServiceSuite) TestNewValidatesKey() {
	_, err := New(s.store, []byte("short"), []byte("pepper"))
	s.Error(err)
}

// saltSwappingStore returns rows whose salt no longer matches the sealed hash.
type saltSwappingStore struct {
	*InMemoryStore
}

func (s saltSwappingStore) Get(ctx context.Context, voterID uuid.UUID, modality biometric.Modality) (*Template, error) {
	t, err := s.InMemoryStore.Get(ctx, voterID, modality)
	if err == nil {
		t.Salt = strings.Repeat("0", 64)
	}
	return t, err
}

func (s *VaultServiceSuite) TestEnrollReadBackMismatch() {
	svc, err := New(saltSwappingStore{NewInMemoryStore()}, []byte(strings.Repeat("k", 32)),
		[]byte("pepper-0123456789"), WithLogger(logger.Discard()))
	s.Require().NoError(err)

	_, err = svc.Enroll(s.ctx, uuid.New(), biometric.ModalityFace, sampleVector())
	s.Require().Error(err)
	s.ErrorIs(err, ErrTemplateCorrupted)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
