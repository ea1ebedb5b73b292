package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Encryptor provides reversible encryption of short strings such as tokens,
// client secrets and session cookies.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ErrCiphertextTooShort is returned when a ciphertext cannot hold a nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

type aesGCMEncryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an AES-256-GCM encryptor. The key must be 32 bytes.
func NewEncryptor(key []byte) (Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aesGCMEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext with a random nonce and returns base64url(nonce||ciphertext)
func (e *aesGCMEncryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (e *aesGCMEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Sealer seals provider secrets and tokens before they are stored.
// It is the Encryptor seen through the names the auth core uses.
type Sealer struct {
	enc Encryptor
}

// NewSealer wraps an Encryptor
func NewSealer(enc Encryptor) *Sealer {
	return &Sealer{enc: enc}
}

// Seal encrypts a plain value. Empty values stay empty so absent refresh
// tokens are not turned into ciphertext of nothing.
func (s *Sealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	return s.enc.Encrypt(plain)
}

// Unseal decrypts a value produced by Seal
func (s *Sealer) Unseal(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	return s.enc.Decrypt(sealed)
}
