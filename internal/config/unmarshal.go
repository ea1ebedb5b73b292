package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// parseDuration accepts "" as zero
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

// resolve parses an optional reference-or-string field
func resolve(field string, raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", nil
	}
	value, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return value, nil
}

// UnmarshalJSON implements custom unmarshaling for LockConfig
func (l *LockConfig) UnmarshalJSON(data []byte) error {
	type rawLock struct {
		Kind      LockKind        `json:"kind"`
		RedisAddr json.RawMessage `json:"redisAddr"`
		RedisDB   int             `json:"redisDb"`
		TTL       string          `json:"ttl"`
	}

	var raw rawLock
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.Kind = raw.Kind
	l.RedisDB = raw.RedisDB

	var err error
	if l.RedisAddr, err = resolve("redisAddr", raw.RedisAddr); err != nil {
		return err
	}
	if l.TTL, err = parseDuration("ttl", raw.TTL); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	type rawServer struct {
		BaseURL           json.RawMessage `json:"baseURL"`
		Addr              json.RawMessage `json:"addr"`
		Name              string          `json:"name"`
		AllowedOrigins    []string        `json:"allowedOrigins"`
		SessionTTL        string          `json:"sessionTtl"`
		CleanupInterval   string          `json:"cleanupInterval"`
		Storage           StorageKind     `json:"storage"`
		GCPProject        json.RawMessage `json:"gcpProject"`
		FirestoreDatabase string          `json:"firestoreDatabase"`
		EncryptionKey     json.RawMessage `json:"encryptionKey"`
		Lock              *LockConfig     `json:"lock"`
		Metrics           *bool           `json:"metrics"`
	}

	var raw rawServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Name = raw.Name
	s.AllowedOrigins = raw.AllowedOrigins
	s.Storage = raw.Storage
	s.FirestoreDatabase = raw.FirestoreDatabase

	var err error
	if s.BaseURL, err = resolve("baseURL", raw.BaseURL); err != nil {
		return err
	}
	s.BaseURL = strings.TrimSuffix(s.BaseURL, "/")
	if s.Addr, err = resolve("addr", raw.Addr); err != nil {
		return err
	}
	if s.GCPProject, err = resolve("gcpProject", raw.GCPProject); err != nil {
		return err
	}
	key, err := resolve("encryptionKey", raw.EncryptionKey)
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)

	if s.SessionTTL, err = parseDuration("sessionTtl", raw.SessionTTL); err != nil {
		return err
	}
	if s.CleanupInterval, err = parseDuration("cleanupInterval", raw.CleanupInterval); err != nil {
		return err
	}

	if raw.Lock != nil {
		s.Lock = *raw.Lock
	}
	s.Metrics = raw.Metrics == nil || *raw.Metrics

	s.applyDefaults()
	return nil
}

func (s *ServerConfig) applyDefaults() {
	if s.Name == "" {
		s.Name = DefaultName
	}
	if s.Storage == "" {
		s.Storage = StorageMemory
	}
	if s.Storage == StorageFirestore && s.FirestoreDatabase == "" {
		s.FirestoreDatabase = DefaultFirestoreDB
	}
	if s.SessionTTL == 0 {
		s.SessionTTL = DefaultSessionTTL
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}
	if s.Lock.Kind == "" {
		s.Lock.Kind = LockLocal
	}
	if s.Lock.TTL == 0 {
		s.Lock.TTL = DefaultLockTTL
	}
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		Service            string          `json:"service"`
		ClientID           json.RawMessage `json:"clientId"`
		Secret             json.RawMessage `json:"secret"`
		Issuer             json.RawMessage `json:"issuer"`
		RequestPermissions []string        `json:"requestPermissions"`
		TTL                int64           `json:"ttl"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Service = raw.Service
	p.RequestPermissions = raw.RequestPermissions
	p.TTL = raw.TTL

	var err error
	if p.ClientID, err = resolve("clientId", raw.ClientID); err != nil {
		return err
	}
	if p.Issuer, err = resolve("issuer", raw.Issuer); err != nil {
		return err
	}
	p.Issuer = strings.TrimSuffix(p.Issuer, "/")
	secret, err := resolve("secret", raw.Secret)
	if err != nil {
		return err
	}
	p.Secret = Secret(secret)
	return nil
}
