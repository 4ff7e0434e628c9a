// Package runlock keeps two comparison runs from dropping and filling the
// same results table at once.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/config"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/logger"
)

const keyPrefix = "wafcompare:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// New returns a Redis-backed lock, or a no-op lock when cfg.Addr is empty.
func New(cfg config.RedisConfig, log *logger.Logger) (core.RunLock, error) {
	if cfg.Addr == "" {
		return Noop(), nil
	}
	if log == nil {
		log = logger.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}

	return &redisLock{
		client: client,
		ttl:    ttl,
		logger: log.WithComponent("runlock"),
	}, nil
}

// Acquire fails with core.ErrRunInProgress if another holder has key.
func (l *redisLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.New().String()
	redisKey := keyPrefix + key

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, redisKey).Result()
		return nil, fmt.Errorf("%w: %s (holder %s)", core.ErrRunInProgress, key, holder)
	}

	l.logger.Debugw("Run lock acquired", "key", redisKey, "ttl", l.ttl)

	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release run lock: %w", err)
		}
		l.logger.Debugw("Run lock released", "key", redisKey)
		return nil
	}
	return release, nil
}

func (l *redisLock) Close() error {
	return l.client.Close()
}

// Noop returns a lock that always succeeds.
func Noop() core.RunLock {
	return noopLock{}
}

type noopLock struct{}

func (noopLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func (noopLock) Close() error { return nil }
