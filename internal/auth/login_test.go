package auth

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/u5auth/internal/storage"
)

func TestInitiateLogin(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, attempt.CredentialToken)
	assert.Equal(t, BuildLoginURL(env.cfg, "https://app.example/_oauth/u5auth", attempt.CredentialToken), attempt.URL)

	u, err := url.Parse(attempt.URL)
	require.NoError(t, err)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, attempt.State, u.Query().Get("state"))

	token, err := DecodeState(attempt.State)
	require.NoError(t, err)
	assert.Equal(t, attempt.CredentialToken, token)

	other, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, attempt.CredentialToken, other.CredentialToken)
}

func TestInitiateLoginMissingConfig(t *testing.T) {
	env := newTestEnv(t)
	c := NewLoginController(LoginControllerOptions{
		Service: "unknown",
		BaseURL: "https://app.example",
		Configs: env.store,
	})

	_, err := c.InitiateLogin(context.Background())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "unknown", cfgErr.Service)
	assert.Empty(t, cfgErr.Field)
}

func TestCompleteLogin(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	result, err := c.CompleteLogin(context.Background(), "code-1", attempt.State)
	require.NoError(t, err)

	form := env.idp.lastTokenForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "https://app.example/_oauth/u5auth", form.Get("redirect_uri"))
	assert.Equal(t, attempt.State, form.Get("state"))
	assert.Equal(t, "c1", form.Get("client_id"))
	assert.Equal(t, "s3cret", form.Get("client_secret"))
	assert.Equal(t, "at-1", env.idp.bearer)

	assert.Equal(t, attempt.CredentialToken, result.CredentialToken)
	assert.Equal(t, IdentityClaims{"sub": "u-1", "email": "ada@example.com", "name": "Ada"}, result.Profile)

	data := result.ServiceData
	assert.Equal(t, "u-1", data.ID)
	assert.Equal(t, env.clock.Now().UnixMilli(), data.ReceivedAt)
	assert.Equal(t, "ada@example.com", data.Claims["email"])
	assert.Equal(t, "u-1", data.Claims["username"])
	assert.Equal(t, "Ada", data.Claims["name"])

	at, err := env.sealer.Unseal(data.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "at-1", at)
	rt, err := env.sealer.Unseal(data.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rt)

	// The controller itself persists nothing
	_, err = env.store.FindUserByServiceID(context.Background(), testService, "u-1")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestCompleteLoginDefaultsClaimsToSubject(t *testing.T) {
	env := newTestEnv(t)
	env.idp.mu.Lock()
	env.idp.claims = map[string]any{"sub": "u-9"}
	env.idp.mu.Unlock()
	c := env.controller()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)
	result, err := c.CompleteLogin(context.Background(), "code-1", attempt.State)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"sub": "u-9", "email": "u-9", "username": "u-9"}, result.ServiceData.Claims)
	assert.Equal(t, IdentityClaims{"sub": "u-9"}, result.Profile)
}

func TestCompleteLoginInvalidState(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()

	t.Run("garbage state", func(t *testing.T) {
		_, err := c.CompleteLogin(context.Background(), "code", "garbage")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("forged credential token", func(t *testing.T) {
		_, err := c.CompleteLogin(context.Background(), "code", EncodeState("nonce:1700000000:forged"))
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("missing code", func(t *testing.T) {
		attempt, err := c.InitiateLogin(context.Background())
		require.NoError(t, err)
		_, err = c.CompleteLogin(context.Background(), "", attempt.State)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	assert.Zero(t, env.idp.tokenCalls.Load())
}

func TestCompleteLoginExpiredCredentialToken(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	env.clock.Advance(CredentialTokenTTL + time.Minute)
	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, env.idp.tokenCalls.Load())
}

func TestCompleteLoginRejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int32(1), env.idp.tokenCalls.Load())
}

func TestCompleteLoginExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()
	env.idp.setToken(http.StatusBadRequest, nil)

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "bad-code", attempt.State)
	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, "authorization_code", exchangeErr.Grant)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	assert.Equal(t, "invalid_grant", exchangeErr.ErrorCode)
	assert.Zero(t, env.idp.userinfoCalls.Load())
}

func TestCompleteLoginErrorInSuccessfulResponse(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()
	env.idp.setToken(http.StatusOK, map[string]any{"error": "access_denied"})

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	var exchangeErr *TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, "access_denied", exchangeErr.ErrorCode)
}

func TestCompleteLoginMissingAccessToken(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()
	env.idp.setToken(http.StatusOK, map[string]any{"token_type": "Bearer"})

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	var exchangeErr *TokenExchangeError
	assert.ErrorAs(t, err, &exchangeErr)
}

func TestCompleteLoginIdentityFailure(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()
	env.idp.mu.Lock()
	env.idp.userinfoStatus = http.StatusUnauthorized
	env.idp.mu.Unlock()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	result, err := c.CompleteLogin(context.Background(), "code-1", attempt.State)
	assert.Nil(t, result)
	var identityErr *IdentityFetchError
	require.ErrorAs(t, err, &identityErr)
	assert.Equal(t, http.StatusUnauthorized, identityErr.StatusCode)
	assert.Contains(t, identityErr.Body, "nope")
}

func TestCompleteLoginIdentityWithoutSubject(t *testing.T) {
	env := newTestEnv(t)
	c := env.controller()
	env.idp.mu.Lock()
	env.idp.claims = map[string]any{"email": "ada@example.com"}
	env.idp.mu.Unlock()

	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	var identityErr *IdentityFetchError
	assert.ErrorAs(t, err, &identityErr)
}

func TestCompleteLoginWithoutSecret(t *testing.T) {
	env := newTestEnv(t)
	broken := *env.cfg
	broken.Secret = ""
	require.NoError(t, env.store.SetServiceConfiguration(context.Background(), &broken))
	c := env.controller()

	// The authorize redirect does not need the secret
	attempt, err := c.InitiateLogin(context.Background())
	require.NoError(t, err)

	_, err = c.CompleteLogin(context.Background(), "code-1", attempt.State)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "secret", cfgErr.Field)
	assert.Zero(t, env.idp.tokenCalls.Load())
}

func TestCachedConfigSource(t *testing.T) {
	env := newTestEnv(t)
	src := NewCachedConfigSource(env.store, time.Minute)

	cfg, err := src.GetServiceConfiguration(context.Background(), testService)
	require.NoError(t, err)
	assert.Equal(t, "c1", cfg.ClientID)

	updated := *env.cfg
	updated.ClientID = "c2"
	require.NoError(t, env.store.SetServiceConfiguration(context.Background(), &updated))

	cfg, err = src.GetServiceConfiguration(context.Background(), testService)
	require.NoError(t, err)
	assert.Equal(t, "c1", cfg.ClientID, "served from cache")

	src.Invalidate(testService)
	cfg, err = src.GetServiceConfiguration(context.Background(), testService)
	require.NoError(t, err)
	assert.Equal(t, "c2", cfg.ClientID)

	_, err = src.GetServiceConfiguration(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrConfigNotFound)
}
