package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the persistence backend
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageFirestore StorageKind = "firestore"
)

// LockKind selects how per-user refreshes are serialized
type LockKind string

const (
	LockLocal LockKind = "local"
	LockRedis LockKind = "redis"
)

// LockConfig configures the refresh lock
type LockConfig struct {
	Kind      LockKind      `json:"kind"`
	RedisAddr string        `json:"redisAddr,omitempty"`
	RedisDB   int           `json:"redisDb,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// ServerConfig represents the host configuration with resolved values
type ServerConfig struct {
	BaseURL           string        `json:"baseURL"`
	Addr              string        `json:"addr"`
	Name              string        `json:"name"`
	AllowedOrigins    []string      `json:"allowedOrigins"`
	SessionTTL        time.Duration `json:"sessionTtl"`
	CleanupInterval   time.Duration `json:"cleanupInterval"`
	Storage           StorageKind   `json:"storage"`
	GCPProject        string        `json:"gcpProject,omitempty"`
	FirestoreDatabase string        `json:"firestoreDatabase,omitempty"`
	EncryptionKey     Secret        `json:"encryptionKey"`
	Lock              LockConfig    `json:"lock"`
	Metrics           bool          `json:"metrics"`
}

// ProviderConfig is the service configuration record of the identity
// provider. Secret holds the client secret; once written to the
// configuration store it is sealed.
type ProviderConfig struct {
	Service            string   `json:"service"`
	ClientID           string   `json:"clientId"`
	Secret             Secret   `json:"secret"`
	Issuer             string   `json:"issuer"`
	RequestPermissions []string `json:"requestPermissions"`
	// TTL is the access token lifetime in seconds
	TTL int64 `json:"ttl"`
}

// Config represents the config structure with resolved values
type Config struct {
	Server  ServerConfig   `json:"server"`
	Service ProviderConfig `json:"service"`
}

// Defaults applied when the config file leaves a field out
const (
	DefaultName            = "u5auth"
	DefaultSessionTTL      = 24 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
	DefaultLockTTL         = 30 * time.Second
	DefaultFirestoreDB     = "(default)"
)

// ParseConfigValue parses a JSON value that is either a plain string or an
// environment reference of the form {"$env": "VAR_NAME"}.
//
// The explicit JSON syntax is used instead of $VAR so that config files
// passed through shell scripts are never expanded before we read them.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}

	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}
