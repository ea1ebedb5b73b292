package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProvider() ProviderConfig {
	return ProviderConfig{
		Service:            "u5auth",
		ClientID:           "client-1",
		Secret:             "sealed-secret",
		Issuer:             "https://idp.example.com",
		RequestPermissions: []string{"openid"},
		TTL:                3600,
	}
}

func TestProviderConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(p *ProviderConfig)
		scope     Scope
		wantField string
	}{
		{name: "complete server", mutate: func(p *ProviderConfig) {}, scope: ScopeServer},
		{name: "complete client", mutate: func(p *ProviderConfig) {}, scope: ScopeClient},
		{name: "client scope ignores secret", mutate: func(p *ProviderConfig) { p.Secret = "" }, scope: ScopeClient},
		{name: "server scope needs secret", mutate: func(p *ProviderConfig) { p.Secret = "" }, scope: ScopeServer, wantField: "secret"},
		{name: "missing client id", mutate: func(p *ProviderConfig) { p.ClientID = "" }, scope: ScopeClient, wantField: "clientId"},
		{name: "missing issuer", mutate: func(p *ProviderConfig) { p.Issuer = "" }, scope: ScopeServer, wantField: "issuer"},
		{name: "zero ttl", mutate: func(p *ProviderConfig) { p.TTL = 0 }, scope: ScopeClient, wantField: "ttl"},
		{name: "negative ttl", mutate: func(p *ProviderConfig) { p.TTL = -5 }, scope: ScopeServer, wantField: "ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProvider()
			tt.mutate(&p)
			before := p

			err := p.Validate(tt.scope)
			assert.Equal(t, before, p, "validation must not mutate the record")

			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.Equal(t, "u5auth", cfgErr.Service)
		})
	}

	t.Run("nil record", func(t *testing.T) {
		var p *ProviderConfig
		var cfgErr *ConfigError
		assert.True(t, errors.As(p.Validate(ScopeClient), &cfgErr))
	})
}

func TestConfigErrorMessage(t *testing.T) {
	assert.Equal(t, `service "u5auth" is not configured`, (&ConfigError{Service: "u5auth"}).Error())
	assert.Equal(t, `service "u5auth" configuration: ttl is required`, (&ConfigError{Service: "u5auth", Field: "ttl"}).Error())
}

func TestRedirectURI(t *testing.T) {
	assert.Equal(t, "https://app.example.com/_oauth/u5auth", RedirectURI("https://app.example.com", "u5auth"))
	assert.Equal(t, "https://app.example.com/_oauth/u5auth", RedirectURI("https://app.example.com/", "u5auth"))
}
