package config

import (
	"fmt"

	"github.com/dgellow/u5auth/internal/urlutil"
)

// Scope is the execution context a provider configuration is checked for
type Scope int

const (
	// ScopeServer covers outbound calls to the provider, which need the secret
	ScopeServer Scope = iota
	// ScopeClient covers building the authorize redirect only
	ScopeClient
)

func (s Scope) String() string {
	switch s {
	case ScopeServer:
		return "server"
	case ScopeClient:
		return "client"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ConfigError reports a missing or unusable provider configuration
type ConfigError struct {
	Service string
	// Field is empty when the whole record is missing
	Field string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("service %q is not configured", e.Service)
	}
	return fmt.Sprintf("service %q configuration: %s is required", e.Service, e.Field)
}

// Validate checks that the record carries every field the scope needs.
// It never mutates the record.
func (p *ProviderConfig) Validate(scope Scope) error {
	if p == nil {
		return &ConfigError{}
	}
	if p.ClientID == "" {
		return &ConfigError{Service: p.Service, Field: "clientId"}
	}
	if p.Issuer == "" {
		return &ConfigError{Service: p.Service, Field: "issuer"}
	}
	if scope == ScopeServer && p.Secret == "" {
		return &ConfigError{Service: p.Service, Field: "secret"}
	}
	if p.TTL <= 0 {
		return &ConfigError{Service: p.Service, Field: "ttl"}
	}
	return nil
}

// RedirectURI is the callback location registered with the provider
func RedirectURI(baseURL, service string) string {
	uri, err := urlutil.JoinPath(baseURL, "_oauth", service)
	if err != nil {
		return baseURL + "/_oauth/" + service
	}
	return uri
}
