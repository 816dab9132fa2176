package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/adminis/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrLockHeld means another instance is syncing the same account.
var ErrLockHeld = errors.New("lock_held")

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// CycleLock serializes cycles across instances.
type CycleLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type RedisLock struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLock(client *redis.Client) *RedisLock {
	if client == nil {
		return nil
	}
	return &RedisLock{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release deletes the key only while it still holds token.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// ProvideCycleLock returns nil when REDIS_ADDR is unset; cycles then run
// without cross-instance coordination.
func ProvideCycleLock(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) CycleLock {
	if !cfg.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Info("sync.lock.enabled", zap.String("redis_addr", cfg.Redis.Addr))
	return NewRedisLock(client)
}
