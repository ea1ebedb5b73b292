package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgellow/u5auth/internal/auth"
	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
	"github.com/dgellow/u5auth/internal/storage"
)

const testService = "u5auth"

type fakeIdP struct {
	*httptest.Server
	tokenCalls atomic.Int32

	mu             sync.Mutex
	refreshStatus  int
	userinfoStatus int
	claims         map[string]any
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{claims: map[string]any{"sub": "u-1", "email": "ada@example.com"}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")

		idp.mu.Lock()
		refreshStatus := idp.refreshStatus
		idp.mu.Unlock()

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at-1", "refresh_token": "rt-1", "token_type": "Bearer",
			})
		case "refresh_token":
			if refreshStatus != 0 {
				w.WriteHeader(refreshStatus)
				_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at-2", "token_type": "Bearer",
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		idp.mu.Lock()
		claims, status := idp.claims, idp.userinfoStatus
		idp.mu.Unlock()
		if status != 0 {
			http.Error(w, "unavailable", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claims)
	})

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)
	return idp
}

type testServer struct {
	idp      *fakeIdP
	store    *storage.MemoryStorage
	metrics  *metrics.Metrics
	sessions *SessionManager
	handler  http.Handler
}

func newTestServer(t *testing.T, withConfig bool) *testServer {
	t.Helper()
	t.Setenv("U5AUTH_ENV", "development")

	idp := newFakeIdP(t)
	keys, err := crypto.DeriveKeys([]byte(strings.Repeat("m", 32)))
	require.NoError(t, err)

	sealEnc, err := crypto.NewEncryptor(keys.Seal)
	require.NoError(t, err)
	sealer := crypto.NewSealer(sealEnc)
	cookieEnc, err := crypto.NewEncryptor(keys.Cookie)
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	if withConfig {
		secret, err := sealer.Seal("s3cret")
		require.NoError(t, err)
		require.NoError(t, store.SetServiceConfiguration(context.Background(), &config.ProviderConfig{
			Service:            testService,
			ClientID:           "c1",
			Secret:             config.Secret(secret),
			Issuer:             idp.URL,
			RequestPermissions: []string{"openid"},
			TTL:                3600,
		}))
	}

	m := metrics.New()
	client := auth.NewProviderClient(auth.ProviderClientOptions{
		UserAgent: "u5auth/test",
		Transport: http.DefaultTransport,
		Sealer:    sealer,
		Metrics:   m,
		Logger:    log.Discard(),
	})
	sessions := NewSessionManager(store, cookieEnc, time.Hour, log.Discard())

	h := NewHandlers(HandlersOptions{
		Service: testService,
		Login: auth.NewLoginController(auth.LoginControllerOptions{
			Service:     testService,
			BaseURL:     "https://app.example",
			Configs:     store,
			Exchanger:   client,
			Identity:    client,
			Sealer:      sealer,
			Credentials: crypto.NewCredentialTokens(keys.Sign, auth.CredentialTokenTTL),
			Metrics:     m,
			Logger:      log.Discard(),
		}),
		Tokens: auth.NewManager(auth.ManagerOptions{
			Service:   testService,
			Configs:   store,
			Accounts:  store,
			Exchanger: client,
			Identity:  client,
			Sealer:    sealer,
			Sessions:  sessions,
			Metrics:   m,
			Logger:    log.Discard(),
		}),
		Accounts:   store,
		Sessions:   sessions,
		LoginState: crypto.NewTokenSigner(keys.Sign, auth.CredentialTokenTTL),
		Metrics:    m,
		Logger:     log.Discard(),
	})

	return &testServer{
		idp:      idp,
		store:    store,
		metrics:  m,
		sessions: sessions,
		handler:  NewRouter(h, RouterOptions{Metrics: m}),
	}
}

func (s *testServer) do(t *testing.T, method, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		if c != nil {
			req.AddCookie(c)
		}
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// startLogin runs GET /login and returns the state and login cookie
func (s *testServer) startLogin(t *testing.T, returnTo string) (string, *http.Cookie) {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/login?return="+url.QueryEscape(returnTo))
	require.Equal(t, http.StatusFound, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	loginCookie := findCookie(rec, "u5auth_login")
	require.NotNil(t, loginCookie)
	return state, loginCookie
}

// login runs the full handshake and returns the session cookie
func (s *testServer) login(t *testing.T) *http.Cookie {
	t.Helper()
	state, loginCookie := s.startLogin(t, "/")
	rec := s.do(t, http.MethodGet, callbackURL("code-1", state), loginCookie)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	sessionCookie := findCookie(rec, "u5auth_session")
	require.NotNil(t, sessionCookie)
	return sessionCookie
}

func callbackURL(code, state string) string {
	return "/_oauth/" + testService + "?code=" + url.QueryEscape(code) + "&state=" + url.QueryEscape(state)
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
