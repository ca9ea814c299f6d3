package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Compile-time interface check.
var _ RecordStore = (*RedisStore)(nil)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "srl:notify:"

// RedisStore is a RecordStore backed by Redis. Each rule is stored as a hash
// keyed "<prefix><rule>" whose fields are resource identities and whose
// values are RFC 3339 timestamps.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store using DefaultRedisPrefix.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: DefaultRedisPrefix}
}

// OpenRedis connects to addr, which is either host:port or a redis:// URL.
func OpenRedis(addr, password string) (*RedisStore, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("store: parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	if password != "" {
		opts.Password = password
	}
	return NewRedisStore(redis.NewClient(opts)), nil
}

// Get implements RecordStore.
func (r *RedisStore) Get(ctx context.Context, ruleName, resourceID string) (models.NotificationRecord, bool, error) {
	val, err := r.client.HGet(ctx, r.key(ruleName), resourceID).Result()
	if err == redis.Nil {
		return models.NotificationRecord{}, false, nil
	}
	if err != nil {
		return models.NotificationRecord{}, false, fmt.Errorf("store/redis: get: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return models.NotificationRecord{}, false, fmt.Errorf("store/redis: parse timestamp: %w", err)
	}
	return models.NotificationRecord{RuleName: ruleName, ResourceID: resourceID, LastNotifiedAt: at}, true, nil
}

// Put implements RecordStore.
func (r *RedisStore) Put(ctx context.Context, rec models.NotificationRecord) error {
	val := rec.LastNotifiedAt.UTC().Format(time.RFC3339Nano)
	if err := r.client.HSet(ctx, r.key(rec.RuleName), rec.ResourceID, val).Err(); err != nil {
		return fmt.Errorf("store/redis: put: %w", err)
	}
	return nil
}

// Delete implements RecordStore.
func (r *RedisStore) Delete(ctx context.Context, ruleName, resourceID string) error {
	if err := r.client.HDel(ctx, r.key(ruleName), resourceID).Err(); err != nil {
		return fmt.Errorf("store/redis: delete: %w", err)
	}
	return nil
}

// DeleteRule implements RecordStore.
func (r *RedisStore) DeleteRule(ctx context.Context, ruleName string) error {
	if err := r.client.Del(ctx, r.key(ruleName)).Err(); err != nil {
		return fmt.Errorf("store/redis: delete rule: %w", err)
	}
	return nil
}

// List implements RecordStore.
func (r *RedisStore) List(ctx context.Context) ([]models.NotificationRecord, error) {
	var out []models.NotificationRecord
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rule := strings.TrimPrefix(key, r.prefix)
		fields, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("store/redis: list %s: %w", key, err)
		}
		for resource, val := range fields {
			at, err := time.Parse(time.RFC3339Nano, val)
			if err != nil {
				return nil, fmt.Errorf("store/redis: parse timestamp for %s/%s: %w", rule, resource, err)
			}
			out = append(out, models.NotificationRecord{RuleName: rule, ResourceID: resource, LastNotifiedAt: at})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store/redis: scan: %w", err)
	}
	return out, nil
}

// Ping implements RecordStore.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements RecordStore.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(ruleName string) string {
	return r.prefix + ruleName
}
