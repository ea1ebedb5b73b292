package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := readAsJSON(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if !strings.HasPrefix(version, SupportedVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, SupportedVersion)
	}

	validateServerStructure(rawConfig, result)
	validateServiceStructure(rawConfig, result)

	return result, nil
}

// validateServerStructure checks the server configuration structure
func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}

	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://app.example.com\"")
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}

	if key, ok := server["encryptionKey"]; ok {
		if err := validateEnvVarReference(key, "encryptionKey", "server.encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("server.encryptionKey", "encryptionKey is required. Hint: {\"$env\": \"U5AUTH_ENCRYPTION_KEY\"}")
	}

	storage, _ := server["storage"].(string)
	switch storage {
	case "", string(StorageMemory):
	case string(StorageFirestore):
		if _, ok := server["gcpProject"]; !ok {
			result.addError("server.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("server.storage", "invalid storage '%s' - must be 'memory' or 'firestore'", storage)
	}

	if lock, ok := server["lock"].(map[string]any); ok {
		kind, _ := lock["kind"].(string)
		switch kind {
		case "", string(LockLocal):
		case string(LockRedis):
			if _, ok := lock["redisAddr"]; !ok {
				result.addError("server.lock.redisAddr", "redisAddr is required for redis locking. Example: \"localhost:6379\"")
			}
		default:
			result.addError("server.lock.kind", "invalid lock kind '%s' - must be 'local' or 'redis'", kind)
		}
	}

	validateDurations(server, result)
}

func validateDurations(server map[string]any, result *ValidationResult) {
	durations := map[string]time.Duration{}
	for _, field := range []string{"sessionTtl", "cleanupInterval"} {
		value, ok := server[field].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			result.addError("server."+field, "invalid duration '%s': %v", value, err)
			continue
		}
		durations[field] = d
	}

	ttl, hasTTL := durations["sessionTtl"]
	cleanup, hasCleanup := durations["cleanupInterval"]
	if hasTTL && hasCleanup && cleanup > ttl {
		result.addWarning("server",
			"cleanupInterval (%s) is longer than sessionTtl (%s). Expired sessions will remain stored until cleanup runs.",
			cleanup, ttl)
	}
}

// validateServiceStructure checks the provider record
func validateServiceStructure(rawConfig map[string]any, result *ValidationResult) {
	service, ok := rawConfig["service"].(map[string]any)
	if !ok {
		result.addError("service", "service field is required and must be an object")
		return
	}

	for _, field := range []string{"clientId", "issuer"} {
		if _, ok := service[field]; !ok {
			result.addError("service."+field, "%s is required", field)
		}
	}

	if secret, ok := service["secret"]; ok {
		if err := validateEnvVarReference(secret, "secret", "service.secret"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else {
		result.addError("service.secret", "secret is required. Hint: {\"$env\": \"U5AUTH_CLIENT_SECRET\"}")
	}

	switch ttl := service["ttl"].(type) {
	case float64:
		if ttl <= 0 || ttl != float64(int64(ttl)) {
			result.addError("service.ttl", "ttl must be a positive whole number of seconds, got %v", ttl)
		}
	case nil:
		result.addError("service.ttl", "ttl is required. Example: 3600")
	default:
		result.addError("service.ttl", "ttl must be a number of seconds, not %T", ttl)
	}

	if perms, ok := service["requestPermissions"]; ok {
		list, isList := perms.([]any)
		if !isList {
			result.addError("service.requestPermissions", "requestPermissions must be an array")
		} else {
			for i, p := range list {
				if _, isString := p.(string); !isString {
					result.addError(fmt.Sprintf("service.requestPermissions[%d]", i), "permission must be a string")
				}
			}
			if len(list) == 0 {
				result.addWarning("service.requestPermissions", "no permissions requested; the provider will use its defaults")
			}
		}
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
