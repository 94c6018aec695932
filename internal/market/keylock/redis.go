package keylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// errLockBusy signals another owner holds the key
var errLockBusy = errors.New("lock held by another owner")

// unlockScript deletes the key only when the caller still owns it
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds distributed lock settings
type RedisConfig struct {
	Prefix       string
	TTL          time.Duration
	PollInterval time.Duration
}

// Redis is a Locker shared by every replica pointing at the same Redis.
// Each acquisition writes a random owner token with a TTL so a crashed
// holder cannot block the key forever.
type Redis struct {
	client redis.UniversalClient
	config RedisConfig
	logger *slog.Logger
}

// NewRedis creates a distributed locker
func NewRedis(client redis.UniversalClient, config RedisConfig, logger *slog.Logger) *Redis {
	if config.Prefix == "" {
		config.Prefix = "market:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 25 * time.Millisecond
	}
	return &Redis{client: client, config: config, logger: logger}
}

// Lock polls until the key is acquired or ctx is done
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.config.Prefix + key
	token := uuid.NewString()

	b := retry.NewConstant(r.config.PollInterval)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.config.TTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(errLockBusy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		// Unlock must succeed even if the caller's context is already canceled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("Failed to release distributed lock",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}
