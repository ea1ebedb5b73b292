package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Keys holds purpose-separated keys derived from the configured master key
type Keys struct {
	// Seal encrypts provider tokens and the client secret at rest
	Seal []byte
	// Cookie encrypts browser session cookies
	Cookie []byte
	// Sign signs login state and credential tokens
	Sign []byte
}

// DeriveKeys expands one master key into independent 32-byte keys so that a
// leaked cookie key does not open stored tokens.
func DeriveKeys(master []byte) (Keys, error) {
	if len(master) < 32 {
		return Keys{}, fmt.Errorf("master key must be at least 32 bytes, got %d", len(master))
	}

	derive := func(info string) ([]byte, error) {
		key := make([]byte, 32)
		r := hkdf.New(sha256.New, master, nil, []byte(info))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("deriving %s key: %w", info, err)
		}
		return key, nil
	}

	var keys Keys
	var err error
	if keys.Seal, err = derive("u5auth:seal"); err != nil {
		return Keys{}, err
	}
	if keys.Cookie, err = derive("u5auth:cookie"); err != nil {
		return Keys{}, err
	}
	if keys.Sign, err = derive("u5auth:sign"); err != nil {
		return Keys{}, err
	}
	return keys, nil
}
