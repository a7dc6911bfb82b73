package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/target/dispatchd/internal/core"
)

const deliveryLockPrefix = "dispatchd:delivery-lock:"

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeliveryLock implements core.DeliveryLock with SET NX PX and a compare-and-delete release.
type RedisDeliveryLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeliveryLock creates a lock backed by client. An empty prefix uses the default key prefix.
func NewRedisDeliveryLock(client redis.UniversalClient, prefix string) *RedisDeliveryLock {
	if prefix == "" {
		prefix = deliveryLockPrefix
	}
	return &RedisDeliveryLock{client: client, prefix: prefix}
}

func (l *RedisDeliveryLock) key(messageID string) string {
	return l.prefix + messageID
}

// TryLock claims messageID for ttl. It returns acquired=false when another holder owns it.
func (l *RedisDeliveryLock) TryLock(ctx context.Context, messageID string, ttl time.Duration) (string, bool, error) {
	if messageID == "" {
		return "", false, errors.New("message id cannot be empty")
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	token := uuid.NewString()

	// SET with NX and TTL in one command; SETNX followed by EXPIRE would race.
	status, err := l.client.SetArgs(ctx, l.key(messageID), token, redis.SetArgs{Mode: "NX", TTL: ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis SET NX: %w", err)
	}
	return token, status == "OK", nil
}

// Unlock releases messageID if token still owns it. Releasing an expired or foreign lock is a no-op.
func (l *RedisDeliveryLock) Unlock(ctx context.Context, messageID, token string) error {
	if messageID == "" || token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, l.client, []string{l.key(messageID)}, token).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}

// Health pings Redis.
func (l *RedisDeliveryLock) Health(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ core.DeliveryLock = (*RedisDeliveryLock)(nil)
