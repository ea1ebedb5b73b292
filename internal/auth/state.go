package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgellow/u5auth/internal/config"
)

// loginStyle is the only style offered: full-page redirect
const loginStyle = "redirect"

type loginState struct {
	LoginStyle      string `json:"loginStyle"`
	CredentialToken string `json:"credentialToken"`
}

// EncodeState binds a credential token into the opaque state parameter
func EncodeState(credentialToken string) string {
	// Marshalling two string fields cannot fail
	data, _ := json.Marshal(loginState{
		LoginStyle:      loginStyle,
		CredentialToken: credentialToken,
	})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeState extracts the credential token from a state parameter
func DecodeState(state string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("%w: state is not base64", ErrInvalidState)
	}

	var s loginState
	if err := json.Unmarshal(data, &s); err != nil {
		return "", fmt.Errorf("%w: state is not JSON", ErrInvalidState)
	}
	if s.LoginStyle != loginStyle {
		return "", fmt.Errorf("%w: unsupported login style %q", ErrInvalidState, s.LoginStyle)
	}
	if s.CredentialToken == "" {
		return "", fmt.Errorf("%w: missing credential token", ErrInvalidState)
	}
	return s.CredentialToken, nil
}

// uriComponentUnescapes restores the marks encodeURIComponent keeps literal
// and turns QueryEscape's "+" into "%20"
var uriComponentUnescapes = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// encodeURIComponent escapes s for a query component. Letters, digits and
// -_.!~*'() are left as is.
func encodeURIComponent(s string) string {
	return uriComponentUnescapes.Replace(url.QueryEscape(s))
}

// BuildLoginURL returns the provider's authorize URL for one login attempt.
// Parameter order is fixed so the same inputs always give the same URL.
func BuildLoginURL(cfg *config.ProviderConfig, redirectURI, credentialToken string) string {
	scopes := make([]string, len(cfg.RequestPermissions))
	for i, p := range cfg.RequestPermissions {
		scopes[i] = encodeURIComponent(p)
	}

	var b strings.Builder
	b.WriteString(cfg.Issuer)
	b.WriteString("/authorize?client_id=")
	b.WriteString(encodeURIComponent(cfg.ClientID))
	b.WriteString("&scope=")
	b.WriteString(strings.Join(scopes, "+"))
	b.WriteString("&response_type=code&redirect_uri=")
	b.WriteString(encodeURIComponent(redirectURI))
	b.WriteString("&state=")
	b.WriteString(encodeURIComponent(EncodeState(credentialToken)))
	return b.String()
}
