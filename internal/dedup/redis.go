package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore marks processed ids as keys that expire after the retention
// period, so Cleanup has nothing to do.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: "dedup:", retention: retention}
}

func (r *RedisStore) key(messageID string) string {
	return r.prefix + messageID
}

func (r *RedisStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(messageID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, messageID, messageType string) error {
	return r.client.SetNX(ctx, r.key(messageID), messageType, r.retention).Err()
}

func (r *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
