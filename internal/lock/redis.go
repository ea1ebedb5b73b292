package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dgellow/u5auth/internal/crypto"
	"github.com/dgellow/u5auth/internal/log"
)

// releaseScript deletes the key only if we still own it
var releaseScript = rdb.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a single-instance Redis lease lock. A holder that dies
// keeps the key until ttl expires.
type RedisLocker struct {
	client     rdb.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	logger     *log.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker connects to Redis at addr
func NewRedisLocker(addr string, db int, ttl time.Duration, logger *log.Logger) *RedisLocker {
	return NewRedisLockerWithClient(rdb.NewClient(&rdb.Options{Addr: addr, DB: db}), ttl, logger)
}

// NewRedisLockerWithClient wraps an existing client
func NewRedisLockerWithClient(client rdb.UniversalClient, ttl time.Duration, logger *log.Logger) *RedisLocker {
	return &RedisLocker{
		client:     client,
		prefix:     "u5auth:lock:",
		ttl:        ttl,
		retryDelay: 50 * time.Millisecond,
		logger:     logger,
	}
}

// Ping checks the connection
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// Lock polls SET NX until it owns the key or ctx ends
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("generating lock token: %w", err)
	}
	redisKey := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	return func() {
		// Release with a fresh context so a cancelled request still frees the key
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
		if err != nil && !errors.Is(err, rdb.Nil) {
			r.logger.Warn("Failed to release lock", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
		}
	}, nil
}
