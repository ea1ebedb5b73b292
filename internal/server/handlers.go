package server

import (
	"context"
	"errors"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dgellow/u5auth/internal/auth"
	"github.com/dgellow/u5auth/internal/cookie"
	"github.com/dgellow/u5auth/internal/crypto"
	jsonwriter "github.com/dgellow/u5auth/internal/json"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
	"github.com/dgellow/u5auth/internal/storage"
)

// HandlersOptions wires the HTTP handlers
type HandlersOptions struct {
	Service  string
	Login    *auth.LoginController
	Tokens   *auth.Manager
	Accounts storage.AccountStore
	Sessions *SessionManager
	// LoginState signs the pending-login cookie
	LoginState crypto.TokenSigner
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Handlers serves the login routes and the session-authenticated API
type Handlers struct {
	service    string
	login      *auth.LoginController
	tokens     *auth.Manager
	accounts   storage.AccountStore
	sessions   *SessionManager
	loginState crypto.TokenSigner
	metrics    *metrics.Metrics
	logger     *log.Logger
}

func NewHandlers(opts HandlersOptions) *Handlers {
	return &Handlers{
		service:    opts.Service,
		login:      opts.Login,
		tokens:     opts.Tokens,
		accounts:   opts.Accounts,
		sessions:   opts.Sessions,
		loginState: opts.LoginState,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
}

// RouterOptions controls the outer surface of the mux
type RouterOptions struct {
	AllowedOrigins []string
	Health         http.Handler
	// Metrics is served on /metrics when non-nil
	Metrics *metrics.Metrics
	// Tracing wraps the whole handler in an OpenTelemetry server span
	Tracing bool
}

// NewRouter builds the routes of the service
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /login", h.Login)
	mux.HandleFunc("GET /_oauth/{service}", h.Callback)
	mux.HandleFunc("POST /logout", h.Logout)

	cors := NewCORSMiddleware(opts.AllowedOrigins)
	protect := func(f http.HandlerFunc) http.Handler {
		return ChainMiddleware(f, NewSessionMiddleware(h.sessions, h.service), cors)
	}
	mux.Handle("GET /api/token", protect(h.Token))
	mux.Handle("POST /api/userinfo/refresh", protect(h.RefreshUserinfo))
	mux.Handle("GET /api/me", protect(h.Me))
	mux.Handle("OPTIONS /api/", cors(http.NotFoundHandler()))

	health := opts.Health
	if health == nil {
		health = NewHealthHandler(nil)
	}
	mux.Handle("GET /health", health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}

	var handler http.Handler = ChainMiddleware(mux,
		NewMetricsMiddleware(opts.Metrics),
		NewLoggerMiddleware("http"),
		NewRecoverMiddleware("http"),
	)
	if opts.Tracing {
		handler = otelhttp.NewHandler(handler, "u5auth",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
	return handler
}

// writeAuthError maps core errors onto HTTP responses
func (h *Handlers) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cfgErr      *auth.ConfigError
		exchangeErr *auth.TokenExchangeError
		identityErr *auth.IdentityFetchError
	)

	switch {
	case errors.Is(err, auth.ErrInvalidState):
		jsonwriter.WriteBadRequest(w, "Invalid or expired login attempt")
	case errors.Is(err, auth.ErrLoggedOut):
		cookie.ClearSession(w)
		jsonwriter.WriteUnauthorized(w, h.service, "Logged out")
	case errors.As(err, &cfgErr):
		h.logger.Error("Service configuration error", map[string]any{
			"service": cfgErr.Service,
			"field":   cfgErr.Field,
		})
		jsonwriter.WriteInternalServerError(w, "Service is not configured")
	case errors.As(err, &exchangeErr):
		jsonwriter.WriteBadGateway(w, "Identity provider rejected the token request")
	case errors.As(err, &identityErr):
		jsonwriter.WriteBadGateway(w, "Identity provider did not return an identity")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write
		h.logger.Debug("Request canceled", map[string]any{"path": r.URL.Path})
	default:
		h.logger.Error("Request failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal Server Error")
	}
}
