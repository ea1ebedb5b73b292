package storage

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/dgellow/u5auth/internal/config"
)

// ErrUserNotFound is returned when a user doesn't exist
var ErrUserNotFound = errors.New("user not found")

// ErrSessionNotFound is returned when a session doesn't exist or has expired
var ErrSessionNotFound = errors.New("session not found")

// ErrServiceDataNotFound is returned when a user has no data for a service
var ErrServiceDataNotFound = errors.New("service data not found")

// ErrConfigNotFound is returned when no configuration exists for a service
var ErrConfigNotFound = errors.New("service configuration not found")

// ErrStaleServiceData is returned by UpdateServiceTokens when the stored
// receivedAt no longer matches the one the caller read
var ErrStaleServiceData = errors.New("service data changed concurrently")

// ServiceData is the per-provider block stored on a user. Tokens are sealed
// by the caller before they reach the store.
type ServiceData struct {
	// ID is the provider's stable subject identifier
	ID           string         `json:"id"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	ReceivedAt   int64          `json:"receivedAt"` // epoch milliseconds
	Claims       map[string]any `json:"claims,omitempty"`
}

// Clone returns a copy that shares nothing mutable with d
func (d *ServiceData) Clone() *ServiceData {
	if d == nil {
		return nil
	}
	out := *d
	out.Claims = maps.Clone(d.Claims)
	return &out
}

// User is an account record with per-service data blocks
type User struct {
	ID        string                  `json:"id"`
	CreatedAt time.Time               `json:"createdAt"`
	Profile   map[string]any          `json:"profile,omitempty"`
	Services  map[string]*ServiceData `json:"services,omitempty"`
}

func (u *User) clone() *User {
	out := *u
	out.Profile = maps.Clone(u.Profile)
	out.Services = make(map[string]*ServiceData, len(u.Services))
	for name, data := range u.Services {
		out.Services[name] = data.Clone()
	}
	return &out
}

// Session is the server-side record of a browser login
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired reports whether the session is past its expiry at now
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenUpdate replaces the tokens of a service block. The update applies only
// if the stored ReceivedAt still equals PreviousReceivedAt.
type TokenUpdate struct {
	AccessToken        string
	RefreshToken       string
	ReceivedAt         int64
	PreviousReceivedAt int64
}

// AccountStore persists users and their per-service data
type AccountStore interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	FindUserByServiceID(ctx context.Context, service, serviceID string) (*User, error)
	// UpsertServiceUser attaches data to the user whose service block has
	// the same ID, creating the user if none exists.
	UpsertServiceUser(ctx context.Context, service string, data *ServiceData, profile map[string]any) (*User, error)
	GetServiceData(ctx context.Context, userID, service string) (*ServiceData, error)
	UpdateServiceTokens(ctx context.Context, userID, service string, update TokenUpdate) error
	MergeServiceClaims(ctx context.Context, userID, service string, claims map[string]any) error
	ClearServiceData(ctx context.Context, userID, service string) error
}

// SessionStore persists browser sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// ConfigStore persists provider configuration records
type ConfigStore interface {
	GetServiceConfiguration(ctx context.Context, service string) (*config.ProviderConfig, error)
	SetServiceConfiguration(ctx context.Context, cfg *config.ProviderConfig) error
}

// Storage combines all storage capabilities needed by u5auth
type Storage interface {
	AccountStore
	SessionStore
	ConfigStore
	Close() error
}
