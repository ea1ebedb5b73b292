package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgellow/u5auth/internal/config"
)

// Ensure MemoryStorage implements Storage
var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps everything in process. Values are copied on the way
// in and out so callers never share maps with the store.
type MemoryStorage struct {
	users         map[string]*User // map[userID] = User
	usersMutex    sync.RWMutex
	sessions      map[string]*Session // map[sessionID] = Session
	sessionsMutex sync.RWMutex
	configs       map[string]*config.ProviderConfig // map[service] = config
	configsMutex  sync.RWMutex
	now           func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:    make(map[string]*User),
		sessions: make(map[string]*Session),
		configs:  make(map[string]*config.ProviderConfig),
		now:      time.Now,
	}
}

// GetUser returns a copy of the user record
func (s *MemoryStorage) GetUser(_ context.Context, userID string) (*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.clone(), nil
}

// findByServiceID must be called with usersMutex held
func (s *MemoryStorage) findByServiceID(service, serviceID string) *User {
	for _, user := range s.users {
		if data, ok := user.Services[service]; ok && data.ID == serviceID {
			return user
		}
	}
	return nil
}

// FindUserByServiceID looks a user up by the provider's subject id
func (s *MemoryStorage) FindUserByServiceID(_ context.Context, service, serviceID string) (*User, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user := s.findByServiceID(service, serviceID)
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user.clone(), nil
}

// UpsertServiceUser creates or updates the user owning data.ID
func (s *MemoryStorage) UpsertServiceUser(_ context.Context, service string, data *ServiceData, profile map[string]any) (*User, error) {
	if data == nil || data.ID == "" {
		return nil, fmt.Errorf("service data must carry an id")
	}

	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	user := s.findByServiceID(service, data.ID)
	if user == nil {
		user = &User{
			ID:        uuid.NewString(),
			CreatedAt: s.now(),
			Services:  make(map[string]*ServiceData),
		}
		s.users[user.ID] = user
	}

	user.Services[service] = data.Clone()
	if profile != nil {
		user.Profile = maps.Clone(profile)
	}
	return user.clone(), nil
}

// GetServiceData returns a copy of one service block
func (s *MemoryStorage) GetServiceData(_ context.Context, userID, service string) (*ServiceData, error) {
	s.usersMutex.RLock()
	defer s.usersMutex.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	data, ok := user.Services[service]
	if !ok {
		return nil, ErrServiceDataNotFound
	}
	return data.Clone(), nil
}

// UpdateServiceTokens swaps in new tokens if nobody refreshed in between
func (s *MemoryStorage) UpdateServiceTokens(_ context.Context, userID, service string, update TokenUpdate) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	data, ok := user.Services[service]
	if !ok {
		return ErrServiceDataNotFound
	}
	if data.ReceivedAt != update.PreviousReceivedAt {
		return ErrStaleServiceData
	}

	data.AccessToken = update.AccessToken
	data.RefreshToken = update.RefreshToken
	data.ReceivedAt = update.ReceivedAt
	return nil
}

// MergeServiceClaims overlays claims onto the stored ones
func (s *MemoryStorage) MergeServiceClaims(_ context.Context, userID, service string, claims map[string]any) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	data, ok := user.Services[service]
	if !ok {
		return ErrServiceDataNotFound
	}
	if data.Claims == nil {
		data.Claims = make(map[string]any, len(claims))
	}
	maps.Copy(data.Claims, claims)
	return nil
}

// ClearServiceData removes a service block. Clearing an absent block is not an error.
func (s *MemoryStorage) ClearServiceData(_ context.Context, userID, service string) error {
	s.usersMutex.Lock()
	defer s.usersMutex.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	delete(user.Services, service)
	return nil
}

// CreateSession stores a new session
func (s *MemoryStorage) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session must carry an id")
	}

	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

// GetSession returns a live session; expired sessions read as missing
func (s *MemoryStorage) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.sessionsMutex.RLock()
	defer s.sessionsMutex.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.IsExpired(s.now()) {
		return nil, ErrSessionNotFound
	}
	out := *session
	return &out, nil
}

// DeleteSession removes a session. Deleting an absent session is not an error.
func (s *MemoryStorage) DeleteSession(_ context.Context, sessionID string) error {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// CleanupExpiredSessions removes all expired sessions
func (s *MemoryStorage) CleanupExpiredSessions(_ context.Context) (int, error) {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	now := s.now()
	count := 0
	for id, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, id)
			count++
		}
	}
	return count, nil
}

// GetServiceConfiguration returns a copy of the configuration record
func (s *MemoryStorage) GetServiceConfiguration(_ context.Context, service string) (*config.ProviderConfig, error) {
	s.configsMutex.RLock()
	defer s.configsMutex.RUnlock()

	cfg, ok := s.configs[service]
	if !ok {
		return nil, ErrConfigNotFound
	}
	out := *cfg
	out.RequestPermissions = slices.Clone(cfg.RequestPermissions)
	return &out, nil
}

// SetServiceConfiguration replaces the configuration record of cfg.Service
func (s *MemoryStorage) SetServiceConfiguration(_ context.Context, cfg *config.ProviderConfig) error {
	if cfg == nil || cfg.Service == "" {
		return fmt.Errorf("configuration must name a service")
	}

	s.configsMutex.Lock()
	defer s.configsMutex.Unlock()

	stored := *cfg
	stored.RequestPermissions = slices.Clone(cfg.RequestPermissions)
	s.configs[cfg.Service] = &stored
	return nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}
