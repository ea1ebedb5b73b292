package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/ioutil"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
)

const (
	// DefaultProviderTimeout bounds every call to the identity provider
	DefaultProviderTimeout = 30 * time.Second

	maxErrorBody    = 4 << 10
	maxIdentityBody = 1 << 20
)

// TokenPair is what the token endpoint hands back. RefreshToken is empty
// when the provider did not issue or rotate one.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// IdentityClaims is the verbatim userinfo document
type IdentityClaims map[string]any

// Subject returns the "sub" claim, or "" when absent or not a string
func (c IdentityClaims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// TokenExchanger talks to the provider's token endpoint
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, cfg *config.ProviderConfig, code, redirectURI, state string) (TokenPair, error)
	ExchangeRefreshToken(ctx context.Context, cfg *config.ProviderConfig, refreshToken string) (TokenPair, error)
}

// IdentityFetcher talks to the provider's userinfo endpoint
type IdentityFetcher interface {
	FetchIdentity(ctx context.Context, cfg *config.ProviderConfig, accessToken string) (IdentityClaims, error)
}

// Sealer protects secrets at rest
type Sealer interface {
	Seal(plain string) (string, error)
	Unseal(sealed string) (string, error)
}

// ProviderClientOptions configures a ProviderClient
type ProviderClientOptions struct {
	// UserAgent is sent on every provider request, e.g. "u5auth/1.2.0"
	UserAgent string
	Timeout   time.Duration
	// Transport defaults to an instrumented http.DefaultTransport
	Transport http.RoundTripper
	// Sealer unseals the client secret held in the provider configuration
	Sealer  Sealer
	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// ProviderClient implements TokenExchanger and IdentityFetcher against an
// OAuth2 provider laid out as <issuer>/token and <issuer>/userinfo.
type ProviderClient struct {
	httpClient *http.Client
	sealer     Sealer
	metrics    *metrics.Metrics
	logger     *log.Logger
}

var (
	_ TokenExchanger  = (*ProviderClient)(nil)
	_ IdentityFetcher = (*ProviderClient)(nil)
)

// NewProviderClient builds a client with a bounded timeout and fixed headers
func NewProviderClient(opts ProviderClientOptions) *ProviderClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	base := opts.Transport
	if base == nil {
		base = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &ProviderClient{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &headerTransport{base: base, userAgent: opts.UserAgent},
		},
		sealer:  opts.Sealer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	return t.base.RoundTrip(req)
}

func (c *ProviderClient) oauth2Config(cfg *config.ProviderConfig, redirectURI string) (*oauth2.Config, error) {
	secret := string(cfg.Secret)
	if c.sealer != nil {
		plain, err := c.sealer.Unseal(secret)
		if err != nil {
			c.logger.Error("Failed to unseal client secret", map[string]any{
				"service": cfg.Service,
				"error":   err.Error(),
			})
			return nil, &ConfigError{Service: cfg.Service, Field: "secret"}
		}
		secret = plain
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.Issuer + "/authorize",
			TokenURL:  cfg.Issuer + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      cfg.RequestPermissions,
	}, nil
}

func (c *ProviderClient) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ExchangeCode trades an authorization code for tokens. The state is echoed
// back to the token endpoint alongside the code.
func (c *ProviderClient) ExchangeCode(ctx context.Context, cfg *config.ProviderConfig, code, redirectURI, state string) (TokenPair, error) {
	conf, err := c.oauth2Config(cfg, redirectURI)
	if err != nil {
		return TokenPair{}, err
	}

	started := time.Now()
	token, err := conf.Exchange(c.clientContext(ctx), code, oauth2.SetAuthURLParam("state", state))
	c.metrics.ProviderCall("token", started)
	if err != nil {
		return TokenPair{}, c.exchangeError("authorization_code", cfg.Service, err)
	}

	return TokenPair{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}, nil
}

// ExchangeRefreshToken runs the refresh_token grant
func (c *ProviderClient) ExchangeRefreshToken(ctx context.Context, cfg *config.ProviderConfig, refreshToken string) (TokenPair, error) {
	conf, err := c.oauth2Config(cfg, "")
	if err != nil {
		return TokenPair{}, err
	}

	started := time.Now()
	src := conf.TokenSource(c.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	c.metrics.ProviderCall("token", started)
	if err != nil {
		return TokenPair{}, c.exchangeError("refresh_token", cfg.Service, err)
	}

	pair := TokenPair{AccessToken: token.AccessToken}
	// oauth2 carries the old refresh token forward when none is returned
	if token.RefreshToken != refreshToken {
		pair.RefreshToken = token.RefreshToken
	}
	return pair, nil
}

func (c *ProviderClient) exchangeError(grant, service string, err error) error {
	exErr := &TokenExchangeError{Grant: grant, Err: err}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		exErr.ErrorCode = retrieveErr.ErrorCode
		exErr.Body = truncate(string(retrieveErr.Body), maxErrorBody)
		if retrieveErr.Response != nil {
			exErr.StatusCode = retrieveErr.Response.StatusCode
		}
	}

	c.logger.Warn("Token exchange failed", map[string]any{
		"service":    service,
		"grant":      grant,
		"status":     exErr.StatusCode,
		"error_code": exErr.ErrorCode,
		"error":      err.Error(),
	})
	return exErr
}

// FetchIdentity reads the userinfo document for accessToken
func (c *ProviderClient) FetchIdentity(ctx context.Context, cfg *config.ProviderConfig, accessToken string) (IdentityClaims, error) {
	client := oauth2.NewClient(c.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = c.httpClient.Timeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Issuer+"/userinfo", nil)
	if err != nil {
		return nil, &IdentityFetchError{Err: err}
	}

	started := time.Now()
	resp, err := client.Do(req)
	c.metrics.ProviderCall("userinfo", started)
	if err != nil {
		return nil, c.identityError(cfg.Service, &IdentityFetchError{Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.identityError(cfg.Service, &IdentityFetchError{
			StatusCode: resp.StatusCode,
			Body:       ioutil.ReadLimited(resp.Body, maxErrorBody),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		})
	}

	var claims IdentityClaims
	if err := ioutil.DecodeJSONLimited(resp.Body, maxIdentityBody, &claims); err != nil {
		return nil, c.identityError(cfg.Service, &IdentityFetchError{StatusCode: resp.StatusCode, Err: err})
	}
	if claims.Subject() == "" {
		return nil, c.identityError(cfg.Service, &IdentityFetchError{
			StatusCode: resp.StatusCode,
			Err:        errors.New(`identity has no "sub" claim`),
		})
	}
	return claims, nil
}

func (c *ProviderClient) identityError(service string, err *IdentityFetchError) error {
	c.logger.Warn("Identity fetch failed", map[string]any{
		"service": service,
		"status":  err.StatusCode,
		"error":   err.Err.Error(),
	})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
