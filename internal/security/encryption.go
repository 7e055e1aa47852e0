package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KDF parameters for the cache encryption key. The salt is application-wide
// and fixed: the per-machine entropy comes from the hardware id component of
// the passphrase, which is what binds the ciphertext to one machine.
const (
	KDFIterations = 100_000
	KDFKeyLength  = 32 // AES-256
)

var appKDFSalt = []byte("OrderPad-License-Cache-Salt-v1")

// payloadVersion identifies the on-disk envelope format.
const payloadVersion = 1

// EncryptedPayload is the serialized form of an encrypted cache file
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM auth tag
}

// DeriveKey derives the AES-256 cache key from the hardware id and the
// application secret using PBKDF2-HMAC-SHA256.
func DeriveKey(hardwareID, secret string) []byte {
	return pbkdf2.Key([]byte(hardwareID+secret), appKDFSalt, KDFIterations, KDFKeyLength, sha256.New)
}

// Encrypt seals plaintext with AES-256-GCM under the given key.
func Encrypt(plaintext, key []byte) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(key) != KDFKeyLength {
		return nil, fmt.Errorf("key must be %d bytes", KDFKeyLength)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedPayload{
		Version:    payloadVersion,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens an encrypted payload. Authentication failure (wrong key,
// tampered ciphertext, cache copied from another machine) returns an error.
func Decrypt(payload *EncryptedPayload, key []byte) ([]byte, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}
	if len(key) != KDFKeyLength {
		return nil, fmt.Errorf("key must be %d bytes", KDFKeyLength)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// SHA256Hex returns the hex digest of the concatenated parts. License and
// trial signatures are all of this form.
func SHA256Hex(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
