package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/dgellow/u5auth/internal"
	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/log"
)

var BuildVersion = "dev"

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": "v0.0.1",
		"server": map[string]any{
			"baseURL":         "https://app.yourcompany.com",
			"addr":            ":8080",
			"name":            "u5auth",
			"allowedOrigins":  []string{"https://app.yourcompany.com"},
			"sessionTtl":      "24h",
			"cleanupInterval": "10m",
			"storage":         "memory",
			"encryptionKey":   map[string]string{"$env": "U5AUTH_ENCRYPTION_KEY"},
			"lock": map[string]any{
				"kind": "local",
			},
			"metrics": true,
		},
		"service": map[string]any{
			"service":            "u5auth",
			"clientId":           map[string]string{"$env": "U5AUTH_CLIENT_ID"},
			"secret":             map[string]string{"$env": "U5AUTH_CLIENT_SECRET"},
			"issuer":             "https://idp.yourcompany.com",
			"requestPermissions": []string{"openid", "profile", "email"},
			"ttl":                3600,
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	if len(result.Errors) > 0 {
		fmt.Printf("\nErrors (%d):\n", len(result.Errors))
		for _, err := range result.Errors {
			if err.Path != "" {
				fmt.Printf("  - %s: %s\n", err.Path, err.Message)
			} else {
				fmt.Printf("  - %s\n", err.Message)
			}
		}
	}

	if len(result.Warnings) > 0 {
		fmt.Printf("\nWarnings (%d):\n", len(result.Warnings))
		for _, warn := range result.Warnings {
			if warn.Path != "" {
				fmt.Printf("  - %s: %s\n", warn.Path, warn.Message)
			} else {
				fmt.Printf("  - %s\n", warn.Message)
			}
		}
	}

	fmt.Println()
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Println("Result: PASS")
		return nil
	case len(result.Errors) == 0:
		fmt.Println("Result: FAIL (warnings present)")
	default:
		fmt.Println("Result: FAIL")
	}
	return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
}

func main() {
	conf := flag.String("config", "", "path to config file, JSON or YAML (required)")
	envFile := flag.String("env-file", "", "load environment variables from a dotenv file first")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	// Existing environment variables win over the file
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.LogError("Failed to load env file: %v", err)
			os.Exit(1)
		}
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting u5auth", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.New(ctx, cfg, BuildVersion)
	if err != nil {
		log.LogError("Failed to create service: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Failed to start server: %v", err)
		os.Exit(1)
	}
}
