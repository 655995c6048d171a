package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/lifeguard/pkg/types"
)

// sealedPrefix marks a stored value as ciphertext
const sealedPrefix = "sealed:"

// ErrNoKey is returned when a sealed value is read without a key
var ErrNoKey = errors.New("value is sealed but no secrets key is configured")

// Sealer encrypts the credentials stored with zones using AES-256-GCM
type Sealer struct {
	key []byte // 32 bytes for AES-256
}

// NewSealer creates a sealer with the given key, which must be 32 bytes
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Sealer{key: key}, nil
}

// NewSealerFromPassword derives the key from password with SHA-256
func NewSealerFromPassword(password string) (*Sealer, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	hash := sha256.Sum256([]byte(password))
	return NewSealer(hash[:])
}

// IsSealed reports whether value was produced by Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with a random nonce prepended. Empty and already
// sealed values are returned unchanged.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" || IsSealed(plaintext) {
		return plaintext, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Plain values are returned as is,
// so stores written before sealing was enabled keep working. A nil Sealer
// opens plain values only.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if s == nil {
		return "", ErrNoKey
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealZone seals the session credential and both TSIG secrets of zone in
// place
func (s *Sealer) SealZone(zone *types.Zone) error {
	for _, field := range []*string{&zone.SessionCredential, &zone.ForwardKey.Secret, &zone.ReverseKey.Secret} {
		sealed, err := s.Seal(*field)
		if err != nil {
			return fmt.Errorf("zone %d: %w", zone.Number, err)
		}
		*field = sealed
	}
	return nil
}

// OpenZone returns a copy of zone with its credentials in plain text
func (s *Sealer) OpenZone(zone *types.Zone) (*types.Zone, error) {
	opened := *zone
	for _, field := range []*string{&opened.SessionCredential, &opened.ForwardKey.Secret, &opened.ReverseKey.Secret} {
		plain, err := s.Open(*field)
		if err != nil {
			return nil, fmt.Errorf("zone %d: %w", zone.Number, err)
		}
		*field = plain
	}
	return &opened, nil
}
