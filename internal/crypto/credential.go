package crypto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CredentialTokens issues the per-attempt anti-forgery token of a login
// handshake. Tokens are self-contained (nonce:timestamp:signature) so the
// callback can check them without server-side state.
type CredentialTokens struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewCredentialTokens creates a generator/validator for credential tokens
func NewCredentialTokens(signingKey []byte, ttl time.Duration) *CredentialTokens {
	return &CredentialTokens{
		signingKey: signingKey,
		ttl:        ttl,
		now:        time.Now,
	}
}

// WithClock replaces the time source, for tests
func (c *CredentialTokens) WithClock(now func() time.Time) *CredentialTokens {
	c.now = now
	return c
}

// Generate creates a new credential token
func (c *CredentialTokens) Generate() (string, error) {
	nonce, err := GenerateSecureToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	data := nonce + ":" + strconv.FormatInt(c.now().Unix(), 10)
	return data + ":" + SignData(data, c.signingKey), nil
}

// Validate checks that the token was issued by us and is still fresh
func (c *CredentialTokens) Validate(token string) error {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed credential token")
	}

	data := parts[0] + ":" + parts[1]
	if !ValidateSignedData(data, parts[2], c.signingKey) {
		return fmt.Errorf("credential token signature mismatch")
	}

	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("credential token timestamp: %w", err)
	}
	if c.now().Sub(time.Unix(issued, 0)) > c.ttl {
		return ErrTokenExpired
	}
	return nil
}
