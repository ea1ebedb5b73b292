package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/lock"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
	"github.com/dgellow/u5auth/internal/storage"
	"github.com/dgellow/u5auth/internal/telemetry"
)

// Session identifies the caller of a token operation
type Session struct {
	ID     string
	UserID string
}

// SessionHost owns browser sessions on behalf of the auth flows
type SessionHost interface {
	// EstablishSession starts a session for userID
	EstablishSession(ctx context.Context, userID string) (*Session, error)
	// EndSession terminates a session. Ending an unknown session is not an error.
	EndSession(ctx context.Context, sessionID string) error
}

// ManagerOptions wires a Manager
type ManagerOptions struct {
	Service   string
	Configs   ConfigSource
	Accounts  storage.AccountStore
	Exchanger TokenExchanger
	Identity  IdentityFetcher
	Sealer    Sealer
	Sessions  SessionHost
	// Locker serializes refreshes across instances; defaults to in-process
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Logger  *log.Logger
	Now     func() time.Time
}

// Manager hands out live access tokens, refreshing them shortly before they
// expire. A failed refresh logs the user out.
type Manager struct {
	service   string
	configs   ConfigSource
	accounts  storage.AccountStore
	exchanger TokenExchanger
	identity  IdentityFetcher
	sealer    Sealer
	sessions  SessionHost
	locker    lock.Locker
	metrics   *metrics.Metrics
	logger    *log.Logger
	now       func() time.Time

	refreshes singleflight.Group
}

func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		service:   opts.Service,
		configs:   opts.Configs,
		accounts:  opts.Accounts,
		exchanger: opts.Exchanger,
		identity:  opts.Identity,
		sealer:    opts.Sealer,
		sessions:  opts.Sessions,
		locker:    opts.Locker,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if m.locker == nil {
		m.locker = lock.NewLocalLocker()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// GetLiveToken returns a usable access token for the session's user. The
// stored token is returned as is while it is inside 90% of its lifetime;
// after that it is refreshed once, even under concurrent callers.
//
// ErrLoggedOut is returned when there is no linked account or when the
// refresh fails. In the latter case the stored service data is cleared and
// the session ended before returning.
func (m *Manager) GetLiveToken(ctx context.Context, session *Session) (string, error) {
	if session == nil || session.UserID == "" {
		m.metrics.LiveToken(metrics.TokenLoggedOut)
		return "", ErrLoggedOut
	}

	data, err := m.readServiceData(ctx, session.UserID)
	if err != nil {
		m.recordOutcome(err)
		return "", err
	}

	cfg, err := loadProviderConfig(ctx, m.configs, m.service, config.ScopeClient)
	if err != nil {
		m.metrics.LiveToken(metrics.TokenError)
		return "", err
	}

	if !ShouldRefresh(data.ReceivedAt, cfg.TTL, millis(m.now())) {
		token, err := m.sealer.Unseal(data.AccessToken)
		if err != nil {
			err = m.forceLogout(ctx, session, fmt.Errorf("unsealing access token: %w", err))
			m.recordOutcome(err)
			return "", err
		}
		m.metrics.LiveToken(metrics.TokenFresh)
		return token, nil
	}

	// Followers share the outcome, so one caller going away must not abort
	// it. The provider client timeout still bounds the call.
	refreshCtx := context.WithoutCancel(ctx)
	v, err, shared := m.refreshes.Do(m.service+":"+session.UserID, func() (any, error) {
		return m.refresh(refreshCtx, session, cfg)
	})
	if err != nil {
		if shared && errors.Is(err, ErrLoggedOut) {
			// The leader only ended its own session
			m.endSession(ctx, session)
		}
		m.recordOutcome(err)
		return "", err
	}

	result := v.(refreshResult)
	if result.reused || shared {
		m.metrics.LiveToken(metrics.TokenReused)
	} else {
		m.metrics.LiveToken(metrics.TokenRefreshed)
	}
	return result.accessToken, nil
}

type refreshResult struct {
	accessToken string
	// reused is set when another holder of the lock refreshed first
	reused bool
}

func (m *Manager) refresh(ctx context.Context, session *Session, cfg *config.ProviderConfig) (refreshResult, error) {
	ctx, span := telemetry.Tracer("u5auth/auth").Start(ctx, "auth.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("u5auth.service", m.service),
		attribute.String("u5auth.user_id", session.UserID),
	)

	result, err := m.refreshLocked(ctx, session, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
	}
	return result, err
}

func (m *Manager) refreshLocked(ctx context.Context, session *Session, cfg *config.ProviderConfig) (refreshResult, error) {
	unlock, err := m.locker.Lock(ctx, "refresh:"+m.service+":"+session.UserID)
	if err != nil {
		return refreshResult{}, fmt.Errorf("acquiring refresh lock: %w", err)
	}
	defer unlock()

	// Re-read under the lock; another instance may have refreshed already
	data, err := m.readServiceData(ctx, session.UserID)
	if err != nil {
		return refreshResult{}, err
	}
	now := millis(m.now())
	if !ShouldRefresh(data.ReceivedAt, cfg.TTL, now) {
		token, err := m.sealer.Unseal(data.AccessToken)
		if err != nil {
			return refreshResult{}, m.forceLogout(ctx, session, fmt.Errorf("unsealing access token: %w", err))
		}
		return refreshResult{accessToken: token, reused: true}, nil
	}

	if err := cfg.Validate(config.ScopeServer); err != nil {
		return refreshResult{}, err
	}

	refreshToken, err := m.sealer.Unseal(data.RefreshToken)
	if err != nil {
		return refreshResult{}, m.forceLogout(ctx, session, fmt.Errorf("unsealing refresh token: %w", err))
	}
	if refreshToken == "" {
		return refreshResult{}, m.forceLogout(ctx, session, errors.New("no refresh token stored"))
	}

	pair, err := m.exchanger.ExchangeRefreshToken(ctx, cfg, refreshToken)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) || ctx.Err() != nil {
			return refreshResult{}, err
		}
		m.metrics.Refresh(false)
		return refreshResult{}, m.forceLogout(ctx, session, err)
	}
	m.metrics.Refresh(true)

	update := storage.TokenUpdate{
		RefreshToken:       data.RefreshToken,
		ReceivedAt:         max(now, data.ReceivedAt),
		PreviousReceivedAt: data.ReceivedAt,
	}
	if update.AccessToken, err = m.sealer.Seal(pair.AccessToken); err != nil {
		return refreshResult{}, fmt.Errorf("sealing access token: %w", err)
	}
	if pair.RefreshToken != "" {
		if update.RefreshToken, err = m.sealer.Seal(pair.RefreshToken); err != nil {
			return refreshResult{}, fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	err = m.accounts.UpdateServiceTokens(ctx, session.UserID, m.service, update)
	if errors.Is(err, storage.ErrStaleServiceData) {
		// Lost the race to a writer outside the lock; serve its token
		m.logger.Warn("Refreshed tokens discarded after concurrent update", map[string]any{
			"service": m.service,
			"user_id": session.UserID,
		})
		current, err := m.readServiceData(ctx, session.UserID)
		if err != nil {
			return refreshResult{}, err
		}
		token, err := m.sealer.Unseal(current.AccessToken)
		if err != nil {
			return refreshResult{}, m.forceLogout(ctx, session, fmt.Errorf("unsealing access token: %w", err))
		}
		return refreshResult{accessToken: token, reused: true}, nil
	}
	if errors.Is(err, storage.ErrUserNotFound) || errors.Is(err, storage.ErrServiceDataNotFound) {
		return refreshResult{}, ErrLoggedOut
	}
	if err != nil {
		return refreshResult{}, fmt.Errorf("storing refreshed tokens: %w", err)
	}

	m.logger.Debug("Refreshed access token", map[string]any{
		"service": m.service,
		"user_id": session.UserID,
	})
	return refreshResult{accessToken: pair.AccessToken}, nil
}

// RefreshUserinfo re-reads the identity document with a live token and
// merges it into the stored claims.
func (m *Manager) RefreshUserinfo(ctx context.Context, session *Session) (IdentityClaims, error) {
	token, err := m.GetLiveToken(ctx, session)
	if err != nil {
		return nil, err
	}

	cfg, err := loadProviderConfig(ctx, m.configs, m.service, config.ScopeClient)
	if err != nil {
		return nil, err
	}
	claims, err := m.identity.FetchIdentity(ctx, cfg, token)
	if err != nil {
		return nil, err
	}

	data, err := m.readServiceData(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if claims.Subject() != data.ID {
		return nil, &IdentityFetchError{
			Err: fmt.Errorf("subject %q does not match linked account %q", claims.Subject(), data.ID),
		}
	}

	if err := m.accounts.MergeServiceClaims(ctx, session.UserID, m.service, claims); err != nil {
		return nil, fmt.Errorf("storing claims: %w", err)
	}
	return claims, nil
}

func (m *Manager) readServiceData(ctx context.Context, userID string) (*storage.ServiceData, error) {
	data, err := m.accounts.GetServiceData(ctx, userID, m.service)
	if errors.Is(err, storage.ErrUserNotFound) || errors.Is(err, storage.ErrServiceDataNotFound) {
		return nil, ErrLoggedOut
	}
	if err != nil {
		return nil, fmt.Errorf("reading service data: %w", err)
	}
	return data, nil
}

// forceLogout removes the service block and ends the session. Failures of
// either step are logged; the caller still gets ErrLoggedOut.
func (m *Manager) forceLogout(ctx context.Context, session *Session, cause error) error {
	m.logger.Warn("Logging user out after token failure", map[string]any{
		"service": m.service,
		"user_id": session.UserID,
		"error":   cause.Error(),
	})

	if err := m.accounts.ClearServiceData(ctx, session.UserID, m.service); err != nil &&
		!errors.Is(err, storage.ErrUserNotFound) {
		m.logger.Error("Failed to clear service data", map[string]any{
			"service": m.service,
			"user_id": session.UserID,
			"error":   err.Error(),
		})
	}
	m.endSession(ctx, session)

	return fmt.Errorf("%w: %w", ErrLoggedOut, cause)
}

func (m *Manager) endSession(ctx context.Context, session *Session) {
	if session.ID == "" || m.sessions == nil {
		return
	}
	if err := m.sessions.EndSession(ctx, session.ID); err != nil {
		m.logger.Error("Failed to end session", map[string]any{
			"user_id": session.UserID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) recordOutcome(err error) {
	if errors.Is(err, ErrLoggedOut) {
		m.metrics.LiveToken(metrics.TokenLoggedOut)
		return
	}
	m.metrics.LiveToken(metrics.TokenError)
}
