package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
	"github.com/dgellow/u5auth/internal/storage"
	"github.com/dgellow/u5auth/internal/telemetry"
)

// CredentialTokenTTL is how long a login attempt may take end to end
const CredentialTokenTTL = 10 * time.Minute

// LoginAttempt is one started login. The caller redirects to URL and keeps
// CredentialToken (e.g. in a cookie) to correlate the callback.
type LoginAttempt struct {
	URL             string
	State           string
	CredentialToken string
}

// LoginResult is what a successful callback produces. Nothing is persisted
// by the controller; the host links ServiceData to an account.
type LoginResult struct {
	ServiceData     *storage.ServiceData
	Profile         IdentityClaims
	CredentialToken string
}

// LoginControllerOptions wires a LoginController
type LoginControllerOptions struct {
	Service     string
	BaseURL     string
	Configs     ConfigSource
	Exchanger   TokenExchanger
	Identity    IdentityFetcher
	Sealer      Sealer
	Credentials *crypto.CredentialTokens
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	Now         func() time.Time
}

// LoginController runs the two halves of the authorization-code login
type LoginController struct {
	service     string
	redirectURI string
	configs     ConfigSource
	exchanger   TokenExchanger
	identity    IdentityFetcher
	sealer      Sealer
	credentials *crypto.CredentialTokens
	// consumed remembers credential tokens already used in a callback
	consumed *cache.Cache
	metrics  *metrics.Metrics
	logger   *log.Logger
	now      func() time.Time
}

func NewLoginController(opts LoginControllerOptions) *LoginController {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LoginController{
		service:     opts.Service,
		redirectURI: config.RedirectURI(opts.BaseURL, opts.Service),
		configs:     opts.Configs,
		exchanger:   opts.Exchanger,
		identity:    opts.Identity,
		sealer:      opts.Sealer,
		credentials: opts.Credentials,
		consumed:    cache.New(CredentialTokenTTL, CredentialTokenTTL),
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         now,
	}
}

// RedirectURI is the callback location sent to the provider
func (c *LoginController) RedirectURI() string {
	return c.redirectURI
}

// InitiateLogin mints a credential token and builds the authorize URL
func (c *LoginController) InitiateLogin(ctx context.Context) (*LoginAttempt, error) {
	cfg, err := loadProviderConfig(ctx, c.configs, c.service, config.ScopeClient)
	if err != nil {
		return nil, err
	}

	token, err := c.credentials.Generate()
	if err != nil {
		return nil, err
	}

	return &LoginAttempt{
		URL:             BuildLoginURL(cfg, c.redirectURI, token),
		State:           EncodeState(token),
		CredentialToken: token,
	}, nil
}

// CompleteLogin handles the provider callback: it checks state, exchanges
// the code and reads the identity. Each credential token completes at most
// one login.
func (c *LoginController) CompleteLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	ctx, span := telemetry.Tracer("u5auth/auth").Start(ctx, "auth.complete_login")
	defer span.End()
	span.SetAttributes(attribute.String("u5auth.service", c.service))

	result, err := c.completeLogin(ctx, code, state)
	c.metrics.Login(loginOutcome(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("u5auth.subject", result.ServiceData.ID))
	return result, nil
}

func (c *LoginController) completeLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	token, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	if err := c.credentials.Validate(token); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrInvalidState)
	}

	cfg, err := loadProviderConfig(ctx, c.configs, c.service, config.ScopeServer)
	if err != nil {
		return nil, err
	}

	if err := c.consumed.Add(token, struct{}{}, cache.DefaultExpiration); err != nil {
		return nil, fmt.Errorf("%w: credential token already used", ErrInvalidState)
	}

	pair, err := c.exchanger.ExchangeCode(ctx, cfg, code, c.redirectURI, state)
	if err != nil {
		return nil, err
	}
	claims, err := c.identity.FetchIdentity(ctx, cfg, pair.AccessToken)
	if err != nil {
		return nil, err
	}

	data := &storage.ServiceData{
		ID:         claims.Subject(),
		ReceivedAt: millis(c.now()),
		Claims:     serviceClaims(claims),
	}
	if data.AccessToken, err = c.sealer.Seal(pair.AccessToken); err != nil {
		return nil, fmt.Errorf("sealing access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if data.RefreshToken, err = c.sealer.Seal(pair.RefreshToken); err != nil {
			return nil, fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	c.logger.Info("Login completed", map[string]any{
		"service": c.service,
		"subject": data.ID,
	})
	return &LoginResult{
		ServiceData:     data,
		Profile:         claims,
		CredentialToken: token,
	}, nil
}

// serviceClaims defaults email and username to the subject, then lays the
// provider's claims over them
func serviceClaims(claims IdentityClaims) map[string]any {
	out := map[string]any{
		"email":    claims.Subject(),
		"username": claims.Subject(),
	}
	maps.Copy(out, claims)
	return out
}

func loginOutcome(err error) string {
	var (
		cfgErr      *ConfigError
		exchangeErr *TokenExchangeError
		identityErr *IdentityFetchError
	)
	switch {
	case err == nil:
		return metrics.LoginSuccess
	case errors.Is(err, ErrInvalidState):
		return metrics.LoginInvalidState
	case errors.As(err, &cfgErr):
		return metrics.LoginConfig
	case errors.As(err, &exchangeErr):
		return metrics.LoginExchange
	case errors.As(err, &identityErr):
		return metrics.LoginIdentity
	default:
		return metrics.LoginStore
	}
}
