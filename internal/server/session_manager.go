package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/u5auth/internal/auth"
	"github.com/dgellow/u5auth/internal/cookie"
	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/storage"
)

// errNoSession means the request carried no session cookie at all
var errNoSession = errors.New("no session cookie")

// SessionManager implements auth.SessionHost on top of the session store.
// The browser only holds the session id, encrypted; the stored record is
// authoritative.
type SessionManager struct {
	store   storage.SessionStore
	cookies crypto.Encryptor
	ttl     time.Duration
	now     func() time.Time
	logger  *log.Logger
}

var _ auth.SessionHost = (*SessionManager)(nil)

func NewSessionManager(store storage.SessionStore, cookies crypto.Encryptor, ttl time.Duration, logger *log.Logger) *SessionManager {
	return &SessionManager{
		store:   store,
		cookies: cookies,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// EstablishSession creates a session record for userID
func (m *SessionManager) EstablishSession(ctx context.Context, userID string) (*auth.Session, error) {
	now := m.now()
	record := &storage.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Debug("Session established", map[string]any{
		"user_id":    userID,
		"expires_at": record.ExpiresAt,
	})
	return &auth.Session{ID: record.ID, UserID: userID}, nil
}

// EndSession deletes the session record. Unknown ids are ignored.
func (m *SessionManager) EndSession(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SetCookie writes the encrypted session id to the response
func (m *SessionManager) SetCookie(w http.ResponseWriter, session *auth.Session) error {
	value, err := m.cookies.Encrypt(session.ID)
	if err != nil {
		return fmt.Errorf("encrypting session cookie: %w", err)
	}
	cookie.SetSession(w, value, m.ttl)
	return nil
}

// FromRequest resolves the session named by the request's cookie. It
// returns errNoSession when there is no cookie.
func (m *SessionManager) FromRequest(r *http.Request) (*auth.Session, error) {
	value, err := cookie.GetSession(r)
	if err != nil || value == "" {
		return nil, errNoSession
	}

	sessionID, err := m.cookies.Decrypt(value)
	if err != nil {
		return nil, fmt.Errorf("decrypting session cookie: %w", err)
	}

	record, err := m.store.GetSession(r.Context(), sessionID)
	if err != nil {
		return nil, err
	}
	return &auth.Session{ID: record.ID, UserID: record.UserID}, nil
}
