package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/log"
)

const (
	usersCollection    = "u5auth_users"
	sessionsCollection = "u5auth_sessions"
	configsCollection  = "u5auth_service_configurations"

	// Firestore batch write limit
	maxBatchSize = 500
)

// FirestoreStorage implements Storage on Google Cloud Firestore.
//
// Token updates run in transactions so the receivedAt compare-and-set holds
// across processes.
type FirestoreStorage struct {
	client *firestore.Client
	now    func() time.Time
}

// Ensure FirestoreStorage implements Storage interface
var _ Storage = (*FirestoreStorage)(nil)

// ServiceDataDoc is one service block inside a user document
type ServiceDataDoc struct {
	ID           string         `firestore:"id"`
	AccessToken  string         `firestore:"access_token"`
	RefreshToken string         `firestore:"refresh_token,omitempty"`
	ReceivedAt   int64          `firestore:"received_at"`
	Claims       map[string]any `firestore:"claims,omitempty"`
}

// UserDoc represents a user document in Firestore
type UserDoc struct {
	ID        string                    `firestore:"id"`
	CreatedAt time.Time                 `firestore:"created_at"`
	Profile   map[string]any            `firestore:"profile,omitempty"`
	Services  map[string]ServiceDataDoc `firestore:"services"`
}

// SessionDoc represents a session document in Firestore
type SessionDoc struct {
	ID        string `firestore:"id"`
	UserID    string `firestore:"user_id"`
	CreatedAt int64  `firestore:"created_at"`
	ExpiresAt int64  `firestore:"expires_at"`
}

// ConfigDoc represents a provider configuration in Firestore. The secret is
// stored exactly as handed in, which is sealed.
type ConfigDoc struct {
	Service            string   `firestore:"service"`
	ClientID           string   `firestore:"client_id"`
	Secret             string   `firestore:"secret"`
	Issuer             string   `firestore:"issuer"`
	RequestPermissions []string `firestore:"request_permissions"`
	TTL                int64    `firestore:"ttl"`
}

func toServiceDataDoc(d *ServiceData) ServiceDataDoc {
	return ServiceDataDoc{
		ID:           d.ID,
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ReceivedAt:   d.ReceivedAt,
		Claims:       maps.Clone(d.Claims),
	}
}

func (d ServiceDataDoc) toServiceData() *ServiceData {
	return &ServiceData{
		ID:           d.ID,
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ReceivedAt:   d.ReceivedAt,
		Claims:       d.Claims,
	}
}

func (d *UserDoc) toUser() *User {
	user := &User{
		ID:        d.ID,
		CreatedAt: d.CreatedAt,
		Profile:   d.Profile,
		Services:  make(map[string]*ServiceData, len(d.Services)),
	}
	for name, data := range d.Services {
		user.Services[name] = data.toServiceData()
	}
	return user
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database string) (*FirestoreStorage, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}

	var client *firestore.Client
	var err error

	if database != "" && database != config.DefaultFirestoreDB {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":  projectID,
		"database": database,
	})

	return &FirestoreStorage{client: client, now: time.Now}, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) users() *firestore.CollectionRef {
	return s.client.Collection(usersCollection)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// GetUser retrieves a user document
func (s *FirestoreStorage) GetUser(ctx context.Context, userID string) (*User, error) {
	doc, err := s.users().Doc(userID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user from Firestore: %w", err)
	}

	var userDoc UserDoc
	if err := doc.DataTo(&userDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return userDoc.toUser(), nil
}

func (s *FirestoreStorage) serviceIDQuery(service, serviceID string) firestore.Query {
	return s.users().WherePath(firestore.FieldPath{"services", service, "id"}, "==", serviceID).Limit(1)
}

// FindUserByServiceID queries users by the provider's subject id
func (s *FirestoreStorage) FindUserByServiceID(ctx context.Context, service, serviceID string) (*User, error) {
	iter := s.serviceIDQuery(service, serviceID).Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	var userDoc UserDoc
	if err := doc.DataTo(&userDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return userDoc.toUser(), nil
}

// UpsertServiceUser creates or updates the user owning data.ID in one transaction
func (s *FirestoreStorage) UpsertServiceUser(ctx context.Context, service string, data *ServiceData, profile map[string]any) (*User, error) {
	if data == nil || data.ID == "" {
		return nil, fmt.Errorf("service data must carry an id")
	}

	var result UserDoc
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(s.serviceIDQuery(service, data.ID)).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query users: %w", err)
		}

		if len(docs) > 0 {
			if err := docs[0].DataTo(&result); err != nil {
				return fmt.Errorf("failed to unmarshal user: %w", err)
			}
		} else {
			result = UserDoc{
				ID:        uuid.NewString(),
				CreatedAt: s.now(),
			}
		}

		if result.Services == nil {
			result.Services = make(map[string]ServiceDataDoc)
		}
		result.Services[service] = toServiceDataDoc(data)
		if profile != nil {
			result.Profile = maps.Clone(profile)
		}

		return tx.Set(s.users().Doc(result.ID), result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return result.toUser(), nil
}

// GetServiceData returns one service block of a user
func (s *FirestoreStorage) GetServiceData(ctx context.Context, userID, service string) (*ServiceData, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	data, ok := user.Services[service]
	if !ok {
		return nil, ErrServiceDataNotFound
	}
	return data, nil
}

// readServiceBlock loads a user inside a transaction and returns its service block
func readServiceBlock(tx *firestore.Transaction, ref *firestore.DocumentRef, service string) (*ServiceDataDoc, error) {
	doc, err := tx.Get(ref)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var userDoc UserDoc
	if err := doc.DataTo(&userDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	data, ok := userDoc.Services[service]
	if !ok {
		return nil, ErrServiceDataNotFound
	}
	return &data, nil
}

// UpdateServiceTokens writes new tokens if receivedAt is still the one the caller saw.
// Uses a transaction so concurrent refreshes from other instances cannot interleave.
func (s *FirestoreStorage) UpdateServiceTokens(ctx context.Context, userID, service string, update TokenUpdate) error {
	ref := s.users().Doc(userID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := readServiceBlock(tx, ref, service)
		if err != nil {
			return err
		}
		if current.ReceivedAt != update.PreviousReceivedAt {
			return ErrStaleServiceData
		}

		return tx.Update(ref, []firestore.Update{
			{FieldPath: firestore.FieldPath{"services", service, "access_token"}, Value: update.AccessToken},
			{FieldPath: firestore.FieldPath{"services", service, "refresh_token"}, Value: update.RefreshToken},
			{FieldPath: firestore.FieldPath{"services", service, "received_at"}, Value: update.ReceivedAt},
		})
	})
	return mapTxError(err, "failed to update service tokens")
}

// MergeServiceClaims overlays claims on the stored ones
func (s *FirestoreStorage) MergeServiceClaims(ctx context.Context, userID, service string, claims map[string]any) error {
	ref := s.users().Doc(userID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := readServiceBlock(tx, ref, service); err != nil {
			return err
		}

		updates := make([]firestore.Update, 0, len(claims))
		for key, value := range claims {
			updates = append(updates, firestore.Update{
				FieldPath: firestore.FieldPath{"services", service, "claims", key},
				Value:     value,
			})
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(ref, updates)
	})
	return mapTxError(err, "failed to merge service claims")
}

// ClearServiceData deletes the service block from the user document
func (s *FirestoreStorage) ClearServiceData(ctx context.Context, userID, service string) error {
	_, err := s.users().Doc(userID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"services", service}, Value: firestore.Delete},
	})
	if err != nil {
		if isNotFound(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to clear service data: %w", err)
	}
	return nil
}

// mapTxError keeps sentinel errors returned from inside a transaction intact
func mapTxError(err error, msg string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrUserNotFound, ErrServiceDataNotFound, ErrStaleServiceData} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	if isNotFound(err) {
		return ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// CreateSession stores a new session document
func (s *FirestoreStorage) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session must carry an id")
	}

	doc := SessionDoc{
		ID:        session.ID,
		UserID:    session.UserID,
		CreatedAt: session.CreatedAt.Unix(),
		ExpiresAt: session.ExpiresAt.Unix(),
	}
	if _, err := s.client.Collection(sessionsCollection).Doc(session.ID).Create(ctx, doc); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a live session
func (s *FirestoreStorage) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	doc, err := s.client.Collection(sessionsCollection).Doc(sessionID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sessionDoc SessionDoc
	if err := doc.DataTo(&sessionDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	session := &Session{
		ID:        sessionDoc.ID,
		UserID:    sessionDoc.UserID,
		CreatedAt: time.Unix(sessionDoc.CreatedAt, 0),
		ExpiresAt: time.Unix(sessionDoc.ExpiresAt, 0),
	}
	if session.IsExpired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// DeleteSession removes a session document
func (s *FirestoreStorage) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.client.Collection(sessionsCollection).Doc(sessionID).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// CleanupExpiredSessions removes all expired sessions in batches
func (s *FirestoreStorage) CleanupExpiredSessions(ctx context.Context) (int, error) {
	iter := s.client.Collection(sessionsCollection).
		Where("expires_at", "<=", s.now().Unix()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired sessions: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	return count, nil
}

// GetServiceConfiguration reads the configuration record of a service
func (s *FirestoreStorage) GetServiceConfiguration(ctx context.Context, service string) (*config.ProviderConfig, error) {
	doc, err := s.client.Collection(configsCollection).Doc(service).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get service configuration: %w", err)
	}

	var cfgDoc ConfigDoc
	if err := doc.DataTo(&cfgDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal service configuration: %w", err)
	}

	return &config.ProviderConfig{
		Service:            cfgDoc.Service,
		ClientID:           cfgDoc.ClientID,
		Secret:             config.Secret(cfgDoc.Secret),
		Issuer:             cfgDoc.Issuer,
		RequestPermissions: cfgDoc.RequestPermissions,
		TTL:                cfgDoc.TTL,
	}, nil
}

// SetServiceConfiguration writes the configuration record of cfg.Service
func (s *FirestoreStorage) SetServiceConfiguration(ctx context.Context, cfg *config.ProviderConfig) error {
	if cfg == nil || cfg.Service == "" {
		return fmt.Errorf("configuration must name a service")
	}

	doc := ConfigDoc{
		Service:            cfg.Service,
		ClientID:           cfg.ClientID,
		Secret:             string(cfg.Secret),
		Issuer:             cfg.Issuer,
		RequestPermissions: cfg.RequestPermissions,
		TTL:                cfg.TTL,
	}
	if _, err := s.client.Collection(configsCollection).Doc(cfg.Service).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to set service configuration: %w", err)
	}
	return nil
}
