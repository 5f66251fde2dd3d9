// Package secret keeps custodial signing seeds opaque. A Seed prints, logs and
// marshals as a redaction marker; only Expose returns the raw value, and only the
// ledger signing path calls it.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

var (
	ErrInvalidKey       = errors.New("seed encryption key must be 32 bytes")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrDecryptionFailed = errors.New("decryption failed (wrong key or tampered data)")
)

// Seed is a ledger signing secret owned by the platform.
type Seed struct {
	value string
}

func NewSeed(s string) Seed { return Seed{value: s} }

func (s Seed) IsZero() bool { return s.value == "" }

// Expose returns the raw secret for signing.
func (s Seed) Expose() string { return s.value }

func (s Seed) String() string   { return redacted }
func (s Seed) GoString() string { return redacted }

func (s Seed) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
func (s Seed) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// MarshalLogObject keeps the seed out of zap.Any / zap.Object output.
func (s Seed) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("seed", redacted)
	return nil
}

// Sealer encrypts seeds for storage with AES-256-GCM.
type Sealer struct {
	gcm cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns hex(nonce || ciphertext).
func (s *Sealer) Seal(seed Seed) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	ciphertext := s.gcm.Seal(nonce, nonce, []byte(seed.value), nil)
	return hex.EncodeToString(ciphertext), nil
}

func (s *Sealer) Open(sealed string) (Seed, error) {
	ciphertext, err := hex.DecodeString(sealed)
	if err != nil {
		return Seed{}, fmt.Errorf("invalid sealed seed: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return Seed{}, ErrCiphertextShort
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return Seed{}, ErrDecryptionFailed
	}
	return Seed{value: string(plaintext)}, nil
}
