package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgellow/u5auth/internal/log"
)

// SupportedVersion is the only config version this build reads
const SupportedVersion = "v0.0.1"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := readAsJSON(path)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, SupportedVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if config.Service.Service == "" {
		config.Service.Service = config.Server.Name
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// readAsJSON reads the file and converts YAML documents to JSON so a single
// decoding path handles both formats.
func readAsJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
		data, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
	}
	return data, nil
}

// validateRawConfig checks secrets are env references before resolution
func validateRawConfig(rawConfig map[string]any) error {
	if server, ok := rawConfig["server"].(map[string]any); ok {
		if value, exists := server["encryptionKey"]; exists {
			if err := requireEnvRef("encryptionKey", value); err != nil {
				return err
			}
		}
	}
	if service, ok := rawConfig["service"].(map[string]any); ok {
		if value, exists := service["secret"]; exists {
			if err := requireEnvRef("secret", value); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireEnvRef(name string, value any) error {
	if _, isString := value.(string); isString {
		return fmt.Errorf("%s must use environment variable reference for security", name)
	}
	if refMap, isMap := value.(map[string]any); isMap {
		if _, hasEnv := refMap["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if u, err := url.Parse(config.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.baseURL must be an absolute URL, got %q", config.Server.BaseURL)
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(config.Server.EncryptionKey) < 32 {
		return fmt.Errorf("server.encryptionKey must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(config.Server.EncryptionKey))
	}

	switch config.Server.Storage {
	case StorageMemory:
	case StorageFirestore:
		if config.Server.GCPProject == "" {
			return fmt.Errorf("server.gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("server.storage must be 'memory' or 'firestore', got %q", config.Server.Storage)
	}

	switch config.Server.Lock.Kind {
	case LockLocal:
	case LockRedis:
		if config.Server.Lock.RedisAddr == "" {
			return fmt.Errorf("server.lock.redisAddr is required when using redis locking")
		}
	default:
		return fmt.Errorf("server.lock.kind must be 'local' or 'redis', got %q", config.Server.Lock.Kind)
	}

	if config.Server.SessionTTL < 0 {
		return fmt.Errorf("server.sessionTtl cannot be negative")
	}
	if config.Server.CleanupInterval < 0 {
		return fmt.Errorf("server.cleanupInterval cannot be negative")
	}
	if config.Server.CleanupInterval > config.Server.SessionTTL {
		log.LogWarn("Session cleanup interval is greater than session TTL")
	}

	if err := config.Service.Validate(ScopeServer); err != nil {
		return err
	}
	return nil
}
