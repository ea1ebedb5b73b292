package envutil

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Runtime holds process settings that come from the environment rather than
// the config file.
type Runtime struct {
	Env          string `env:"U5AUTH_ENV" envDefault:"production"`
	LogLevel     string `env:"LOG_LEVEL"`
	LogFormat    string `env:"LOG_FORMAT"`
	OTelEndpoint string `env:"U5AUTH_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"U5AUTH_OTEL_ENABLED" envDefault:"true"`
}

// Load parses the runtime settings from the environment.
func Load() (Runtime, error) {
	var rt Runtime
	if err := env.Parse(&rt); err != nil {
		return Runtime{}, fmt.Errorf("parse env: %w", err)
	}
	return rt, nil
}

// IsDev reports whether this runtime is a development one, where cookie
// security requirements are relaxed for local testing.
func (r Runtime) IsDev() bool {
	e := strings.ToLower(r.Env)
	return e == "development" || e == "dev"
}

// IsDev checks the current environment for development mode
func IsDev() bool {
	rt, err := Load()
	if err != nil {
		return false
	}
	return rt.IsDev()
}
