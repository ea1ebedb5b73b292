package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTokenExpired is returned by Verify for tokens past their expiry
var ErrTokenExpired = errors.New("token expired")

// TokenSigner provides HMAC-signed JSON tokens with optional expiry
type TokenSigner struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenSigner creates a new token signer
func NewTokenSigner(signingKey []byte, ttl time.Duration) TokenSigner {
	return TokenSigner{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock returns a copy of the signer that reads time from now
func (ts TokenSigner) WithClock(now func() time.Time) TokenSigner {
	ts.now = now
	return ts
}

// signedEnvelope wraps user data with metadata
type signedEnvelope struct {
	Data      json.RawMessage `json:"data"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

// Sign marshals v, wraps it with an expiry and returns base64(json).signature
func (ts *TokenSigner) Sign(v any) (string, error) {
	userData, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	envelope := signedEnvelope{Data: userData}
	if ts.ttl > 0 {
		envelope.ExpiresAt = ts.now().Add(ts.ttl)
	}

	jsonData, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token data: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(jsonData)
	return payload + "." + SignData(payload, ts.signingKey), nil
}

// Verify validates the signature, checks expiry, and unmarshals the data into v
func (ts *TokenSigner) Verify(token string, v any) error {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("invalid token format")
	}

	if !ValidateSignedData(payload, signature, ts.signingKey) {
		return fmt.Errorf("invalid signature")
	}

	jsonData, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("failed to decode token data: %w", err)
	}

	var envelope signedEnvelope
	if err := json.Unmarshal(jsonData, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal token data: %w", err)
	}

	if !envelope.ExpiresAt.IsZero() && ts.now().After(envelope.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal user data: %w", err)
	}
	return nil
}
