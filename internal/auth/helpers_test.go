package auth

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

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/storage"
)

const testService = "u5auth"

// fakeIdP serves /token and /userinfo with scripted responses
type fakeIdP struct {
	*httptest.Server

	tokenCalls    atomic.Int32
	userinfoCalls atomic.Int32

	mu             sync.Mutex
	tokenStatus    int
	tokenBody      map[string]any
	tokenDelay     time.Duration
	tokenForms     []url.Values
	userinfoStatus int
	claims         map[string]any
	bearer         string
	userAgent      string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{
		tokenBody: map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
		claims: map[string]any{"sub": "u-1", "email": "ada@example.com", "name": "Ada"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		idp.tokenCalls.Add(1)
		_ = r.ParseForm()

		idp.mu.Lock()
		idp.tokenForms = append(idp.tokenForms, r.PostForm)
		idp.userAgent = r.Header.Get("User-Agent")
		status, body, delay := idp.tokenStatus, idp.tokenBody, idp.tokenDelay
		idp.mu.Unlock()

		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		idp.userinfoCalls.Add(1)

		idp.mu.Lock()
		idp.bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		status, claims := idp.userinfoStatus, idp.claims
		idp.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(claims)
	})

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)
	return idp
}

func (f *fakeIdP) setToken(status int, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
	if body != nil {
		f.tokenBody = body
	}
}

func (f *fakeIdP) lastTokenForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tokenForms) == 0 {
		return nil
	}
	return f.tokenForms[len(f.tokenForms)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSessions struct {
	mu    sync.Mutex
	ended []string
}

func (s *recordingSessions) EstablishSession(_ context.Context, userID string) (*Session, error) {
	return &Session{ID: "session-" + userID, UserID: userID}, nil
}

func (s *recordingSessions) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, sessionID)
	return nil
}

func (s *recordingSessions) endedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ended...)
}

// testEnv wires the auth core against a fake provider and memory storage
type testEnv struct {
	idp      *fakeIdP
	store    *storage.MemoryStorage
	sealer   *crypto.Sealer
	clock    *testClock
	sessions *recordingSessions
	client   *ProviderClient
	cfg      *config.ProviderConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	idp := newFakeIdP(t)

	enc, err := crypto.NewEncryptor([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	sealer := crypto.NewSealer(enc)

	sealedSecret, err := sealer.Seal("s3cret")
	require.NoError(t, err)
	cfg := &config.ProviderConfig{
		Service:            testService,
		ClientID:           "c1",
		Secret:             config.Secret(sealedSecret),
		Issuer:             idp.URL,
		RequestPermissions: []string{"openid", "email"},
		TTL:                3600,
	}

	store := storage.NewMemoryStorage()
	require.NoError(t, store.SetServiceConfiguration(context.Background(), cfg))

	return &testEnv{
		idp:      idp,
		store:    store,
		sealer:   sealer,
		clock:    &testClock{now: time.UnixMilli(1_700_000_000_000)},
		sessions: &recordingSessions{},
		client: NewProviderClient(ProviderClientOptions{
			UserAgent: "u5auth/test",
			Timeout:   5 * time.Second,
			Transport: http.DefaultTransport,
			Sealer:    sealer,
			Logger:    log.Discard(),
		}),
		cfg: cfg,
	}
}

func (e *testEnv) manager() *Manager {
	return NewManager(ManagerOptions{
		Service:   testService,
		Configs:   e.store,
		Accounts:  e.store,
		Exchanger: e.client,
		Identity:  e.client,
		Sealer:    e.sealer,
		Sessions:  e.sessions,
		Logger:    log.Discard(),
		Now:       e.clock.Now,
	})
}

func (e *testEnv) controller() *LoginController {
	return NewLoginController(LoginControllerOptions{
		Service:     testService,
		BaseURL:     "https://app.example",
		Configs:     e.store,
		Exchanger:   e.client,
		Identity:    e.client,
		Sealer:      e.sealer,
		Credentials: crypto.NewCredentialTokens([]byte(strings.Repeat("s", 32)), CredentialTokenTTL).WithClock(e.clock.Now),
		Logger:      log.Discard(),
		Now:         e.clock.Now,
	})
}

// linkUser stores a user whose tokens were received at receivedAt
func (e *testEnv) linkUser(t *testing.T, accessToken, refreshToken string, receivedAt int64) *Session {
	t.Helper()
	sealedAT, err := e.sealer.Seal(accessToken)
	require.NoError(t, err)
	sealedRT, err := e.sealer.Seal(refreshToken)
	require.NoError(t, err)

	user, err := e.store.UpsertServiceUser(context.Background(), testService, &storage.ServiceData{
		ID:           "u-1",
		AccessToken:  sealedAT,
		RefreshToken: sealedRT,
		ReceivedAt:   receivedAt,
		Claims:       map[string]any{"sub": "u-1"},
	}, map[string]any{"sub": "u-1"})
	require.NoError(t, err)
	return &Session{ID: "session-1", UserID: user.ID}
}
