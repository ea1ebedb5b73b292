package storage

import (
	"context"
	"time"

	"github.com/dgellow/u5auth/internal/log"
)

// SessionCleaner is the part of SessionStore the cleanup loop needs
type SessionCleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// CleanupManager handles periodic cleanup of expired browser sessions
type CleanupManager struct {
	sessions SessionCleaner
	interval time.Duration
	logger   *log.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(sessions SessionCleaner, interval time.Duration, logger *log.Logger) *CleanupManager {
	return &CleanupManager{
		sessions: sessions,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	cm.logger.Info("Starting session cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop
func (cm *CleanupManager) Stop() {
	cm.logger.Info("Stopping session cleanup manager", nil)
	close(cm.stopChan)
	<-cm.doneChan
	cm.logger.Info("Session cleanup manager stopped", nil)
}

// run is the main cleanup loop
func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			// Final cleanup on shutdown
			cm.cleanup(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// cleanup performs the actual cleanup operation
func (cm *CleanupManager) cleanup(ctx context.Context) {
	count, err := cm.sessions.CleanupExpiredSessions(ctx)
	if err != nil {
		cm.logger.Error("Failed to cleanup expired sessions", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		cm.logger.Info("Cleaned up expired sessions", map[string]any{
			"count": count,
		})
	}
}
