package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/u5auth/internal/auth"
	"github.com/dgellow/u5auth/internal/config"
	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/envutil"
	"github.com/dgellow/u5auth/internal/lock"
	"github.com/dgellow/u5auth/internal/log"
	"github.com/dgellow/u5auth/internal/metrics"
	"github.com/dgellow/u5auth/internal/server"
	"github.com/dgellow/u5auth/internal/storage"
	"github.com/dgellow/u5auth/internal/telemetry"
)

// configCacheTTL bounds how long a changed provider record can go unseen
const configCacheTTL = 30 * time.Second

// U5Auth represents the complete login service
type U5Auth struct {
	config            config.Config
	handler           http.Handler
	httpServer        *server.HTTPServer
	storage           storage.Storage
	cleanup           *storage.CleanupManager
	cleanupStarted    bool
	redis             *lock.RedisLocker
	shutdownTelemetry func(context.Context) error
}

// New builds the service with all dependencies. The provider record from
// the config is sealed and written to the configuration store.
func New(ctx context.Context, cfg config.Config, version string) (*U5Auth, error) {
	log.LogInfoWithFields("u5auth", "Building application", map[string]any{
		"baseURL": cfg.Server.BaseURL,
		"service": cfg.Service.Service,
		"storage": cfg.Server.Storage,
		"lock":    cfg.Server.Lock.Kind,
	})

	rt, err := envutil.Load()
	if err != nil {
		return nil, err
	}
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Server.Name, version, rt)
	if err != nil {
		return nil, fmt.Errorf("failed to setup telemetry: %w", err)
	}

	keys, err := crypto.DeriveKeys([]byte(cfg.Server.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	sealEncryptor, err := crypto.NewEncryptor(keys.Seal)
	if err != nil {
		return nil, fmt.Errorf("failed to create sealer: %w", err)
	}
	sealer := crypto.NewSealer(sealEncryptor)
	cookieEncryptor, err := crypto.NewEncryptor(keys.Cookie)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie encryptor: %w", err)
	}

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := seedServiceConfiguration(ctx, store, cfg.Service, sealer); err != nil {
		_ = store.Close()
		return nil, err
	}

	locker, redisLocker, err := setupLocker(ctx, cfg.Server.Lock)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup lock: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Server.Metrics {
		m = metrics.New()
	}

	service := cfg.Service.Service
	configs := auth.NewCachedConfigSource(store, configCacheTTL)
	provider := auth.NewProviderClient(auth.ProviderClientOptions{
		UserAgent: cfg.Server.Name + "/" + version,
		Sealer:    sealer,
		Metrics:   m,
		Logger:    log.New("provider"),
	})
	sessions := server.NewSessionManager(store, cookieEncryptor, cfg.Server.SessionTTL, log.New("session"))

	handlers := server.NewHandlers(server.HandlersOptions{
		Service: service,
		Login: auth.NewLoginController(auth.LoginControllerOptions{
			Service:     service,
			BaseURL:     cfg.Server.BaseURL,
			Configs:     configs,
			Exchanger:   provider,
			Identity:    provider,
			Sealer:      sealer,
			Credentials: crypto.NewCredentialTokens(keys.Sign, auth.CredentialTokenTTL),
			Metrics:     m,
			Logger:      log.New("login"),
		}),
		Tokens: auth.NewManager(auth.ManagerOptions{
			Service:   service,
			Configs:   configs,
			Accounts:  store,
			Exchanger: provider,
			Identity:  provider,
			Sealer:    sealer,
			Sessions:  sessions,
			Locker:    locker,
			Metrics:   m,
			Logger:    log.New("tokens"),
		}),
		Accounts:   store,
		Sessions:   sessions,
		LoginState: crypto.NewTokenSigner(keys.Sign, auth.CredentialTokenTTL),
		Metrics:    m,
		Logger:     log.New("http"),
	})

	var ping func(context.Context) error
	if redisLocker != nil {
		ping = redisLocker.Ping
	}
	handler := server.NewRouter(handlers, server.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Health:         server.NewHealthHandler(ping),
		Metrics:        m,
		Tracing:        rt.OTelEnabled && rt.OTelEndpoint != "",
	})

	return &U5Auth{
		config:            cfg,
		handler:           handler,
		httpServer:        server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:           store,
		cleanup:           storage.NewCleanupManager(store, cfg.Server.CleanupInterval, log.New("cleanup")),
		redis:             redisLocker,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Handler returns the root HTTP handler
func (u *U5Auth) Handler() http.Handler {
	return u.handler
}

// Run starts the service and blocks until a signal or a server error
func (u *U5Auth) Run() error {
	log.LogInfoWithFields("u5auth", "Starting application", map[string]any{
		"addr": u.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := u.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	u.cleanup.Start(ctx)
	u.cleanupStarted = true

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("u5auth", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("u5auth", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("u5auth", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	httpErr := u.httpServer.Stop(shutdownCtx)
	if httpErr != nil {
		log.LogErrorWithFields("u5auth", "HTTP server shutdown error", map[string]any{
			"error": httpErr.Error(),
		})
	}
	u.Close(shutdownCtx)

	log.LogInfoWithFields("u5auth", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return httpErr
}

// Close releases background workers and connections. It is safe to call
// without Run.
func (u *U5Auth) Close(ctx context.Context) {
	if u.cleanupStarted {
		u.cleanup.Stop()
		u.cleanupStarted = false
	}
	if u.redis != nil {
		if err := u.redis.Close(); err != nil {
			log.LogWarn("Failed to close Redis client: %v", err)
		}
		u.redis = nil
	}
	if u.storage != nil {
		if err := u.storage.Close(); err != nil {
			log.LogWarn("Failed to close storage: %v", err)
		}
		u.storage = nil
	}
	if u.shutdownTelemetry != nil {
		if err := u.shutdownTelemetry(ctx); err != nil {
			log.LogWarn("Failed to flush traces: %v", err)
		}
		u.shutdownTelemetry = nil
	}
}

// setupStorage creates the configured storage backend
func setupStorage(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	if cfg.Server.Storage == config.StorageFirestore {
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.Server.GCPProject,
			"database": cfg.Server.FirestoreDatabase,
		})
		store, err := storage.NewFirestoreStorage(ctx, cfg.Server.GCPProject, cfg.Server.FirestoreDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
	return storage.NewMemoryStorage(), nil
}

// seedServiceConfiguration writes the provider record with its secret sealed
func seedServiceConfiguration(ctx context.Context, store storage.ConfigStore, provider config.ProviderConfig, sealer *crypto.Sealer) error {
	sealed, err := sealer.Seal(string(provider.Secret))
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}
	provider.Secret = config.Secret(sealed)

	if err := store.SetServiceConfiguration(ctx, &provider); err != nil {
		return fmt.Errorf("failed to store service configuration: %w", err)
	}
	log.LogInfoWithFields("u5auth", "Service configuration stored", map[string]any{
		"service": provider.Service,
		"issuer":  provider.Issuer,
	})
	return nil
}

// setupLocker returns the refresh locker, plus the Redis locker when one
// needs closing
func setupLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, *lock.RedisLocker, error) {
	if cfg.Kind != config.LockRedis {
		return lock.NewLocalLocker(), nil, nil
	}

	redisLocker := lock.NewRedisLocker(cfg.RedisAddr, cfg.RedisDB, cfg.TTL, log.New("lock"))
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisLocker.Ping(pingCtx); err != nil {
		_ = redisLocker.Close()
		return nil, nil, fmt.Errorf("connecting to Redis at %s: %w", cfg.RedisAddr, err)
	}

	log.LogInfoWithFields("lock", "Using Redis refresh lock", map[string]any{
		"addr": cfg.RedisAddr,
		"db":   cfg.RedisDB,
	})
	return redisLocker, redisLocker, nil
}
