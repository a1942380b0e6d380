package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

const (
	keySize   = 32
	nonceSize = 12
	saltSize  = 32
	qmax      = 127
)

// ErrDecrypt is returned when a stored template fails authentication.
var ErrDecrypt = errors.New("template decryption failed")

// Quantize maps v to int8 with scale 127/max|v|. An all-zero vector maps to zeros.
func Quantize(v []float32) []int8 {
	var maxAbs float64
	for _, x := range v {
		if a := math.Abs(float64(x)); a > maxAbs {
			maxAbs = a
		}
	}
	out := make([]int8, len(v))
	if maxAbs == 0 || math.IsInf(maxAbs, 0) || math.IsNaN(maxAbs) {
		return out
	}
	scale := qmax / maxAbs
	for i, x := range v {
		q := math.Round(float64(x) * scale)
		out[i] = int8(max(math.MinInt8, min(math.MaxInt8, q)))
	}
	return out
}

// Dequantize divides by 127. The result is v normalised by max|v|.
func Dequantize(q []int8) []float32 {
	out := make([]float32, len(q))
	for i, x := range q {
		out[i] = float32(x) / qmax
	}
	return out
}

// IntegrityHash is hex(SHA256(le_float32(raw) || pepper || salt)).
func IntegrityHash(raw []float32, pepper []byte, salt string) string {
	h := sha256.New()
	var buf [4]byte
	for _, x := range raw {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(x))
		h.Write(buf[:])
	}
	h.Write(pepper)
	h.Write([]byte(salt))
	return hex.EncodeToString(h.Sum(nil))
}

// NewSalt returns 32 random bytes hex-encoded.
func NewSalt() (string, error) {
	b := make([]byte, saltSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// sealer holds the AEAD built from the process-wide key.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("template key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal returns base64(nonce || ciphertext).
func (s *sealer) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *sealer) open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func int8sToBytes(q []int8) []byte {
	b := make([]byte, len(q))
	for i, x := range q {
		b[i] = byte(x)
	}
	return b
}

func bytesToInt8s(b []byte) []int8 {
	q := make([]int8, len(b))
	for i, x := range b {
		q[i] = int8(x)
	}
	return q
}
