package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/magick-io/magick/config"
)

const (
	// InvalidationChannel carries plain flag-name payloads; every process
	// subscribes to it to drop its local cache entry for that flag.
	InvalidationChannel = "magick:cache:invalidate"

	// DefaultNamespace prefixes the per-flag hash keys.
	DefaultNamespace = "magick:features"

	statsKeyPrefix         = "magick:stats:"
	durationSumKeyPrefix   = "magick:duration:sum:"
	durationCountKeyPrefix = "magick:duration:count:"

	// metricsTTL bounds how long usage counters survive without traffic.
	metricsTTL = 7 * 24 * time.Hour
)

// RedisStore adapts a Redis server to the remote storage tier. Each flag
// lives in a hash under "{namespace}:{name}" whose fields are attribute
// keys; it also carries the invalidation channel and the usage counters.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    *zap.Logger
}

// NewRedisStore connects a remote store using the supplied configuration
// and verifies connectivity with a ping.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("namespace", cfg.Namespace),
	)

	return NewRedisStoreFromClient(client, cfg.Namespace, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and hosts
// that manage their own connection pool.
func NewRedisStoreFromClient(client *redis.Client, namespace string, logger *zap.Logger) *RedisStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, namespace: namespace, logger: logger}
}

// Close closes the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(name string) string {
	return s.namespace + ":" + name
}

// Get returns one attribute field of the flag's hash.
func (s *RedisStore) Get(ctx context.Context, name, key string) (string, bool, error) {
	val, err := s.client.HGet(ctx, s.key(name), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, adapterErr("redis", "hget", err)
	}
	return val, true, nil
}

// GetAll returns every attribute field of the flag's hash. A missing flag
// yields (nil, false, nil).
func (s *RedisStore) GetAll(ctx context.Context, name string) (map[string]string, bool, error) {
	attrs, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, false, adapterErr("redis", "hgetall", err)
	}
	if len(attrs) == 0 {
		return nil, false, nil
	}
	return attrs, true, nil
}

// Set writes one attribute field.
func (s *RedisStore) Set(ctx context.Context, name, key, value string) error {
	return adapterErr("redis", "hset", s.client.HSet(ctx, s.key(name), key, value).Err())
}

// SetAll writes a batch of attribute fields.
func (s *RedisStore) SetAll(ctx context.Context, name string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		fields[k] = v
	}
	return adapterErr("redis", "hset", s.client.HSet(ctx, s.key(name), fields).Err())
}

// Delete removes the flag's hash.
func (s *RedisStore) Delete(ctx context.Context, name string) error {
	return adapterErr("redis", "del", s.client.Del(ctx, s.key(name)).Err())
}

// Exists reports whether the flag's hash exists.
func (s *RedisStore) Exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(name)).Result()
	if err != nil {
		return false, adapterErr("redis", "exists", err)
	}
	return n > 0, nil
}

// Names lists every flag stored under the namespace.
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.namespace+":*").Result()
	if err != nil {
		return nil, adapterErr("redis", "keys", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, s.namespace+":"))
	}
	return names, nil
}

// Clear removes every flag hash under the namespace.
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.namespace+":*").Result()
	if err != nil {
		return adapterErr("redis", "keys", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return adapterErr("redis", "del", s.client.Del(ctx, keys...).Err())
}

// Publish sends the flag name on the invalidation channel.
func (s *RedisStore) Publish(ctx context.Context, name string) error {
	return adapterErr("redis", "publish", s.client.Publish(ctx, InvalidationChannel, name).Err())
}

// Subscribe opens a long-lived subscription on the invalidation channel.
// The caller owns the returned subscription.
func (s *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, InvalidationChannel)
}

// Usage-metrics counters. All keys carry a 7-day TTL so stale flags decay.

// IncrUsage adds to the evaluation counter for the flag.
func (s *RedisStore) IncrUsage(ctx context.Context, name string, delta int64) error {
	key := statsKeyPrefix + name
	pipe := s.client.TxPipeline()
	pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return adapterErr("redis", "incrby", err)
}

// IncrDuration accumulates duration sum and count for one flag operation.
func (s *RedisStore) IncrDuration(ctx context.Context, name, op string, sum float64, count int64) error {
	sumKey := durationSumKeyPrefix + name + ":" + op
	countKey := durationCountKeyPrefix + name + ":" + op
	pipe := s.client.TxPipeline()
	pipe.IncrByFloat(ctx, sumKey, sum)
	pipe.IncrBy(ctx, countKey, count)
	pipe.Expire(ctx, sumKey, metricsTTL)
	pipe.Expire(ctx, countKey, metricsTTL)
	_, err := pipe.Exec(ctx)
	return adapterErr("redis", "incrbyfloat", err)
}

// UsageCount reads the remote evaluation counter for the flag.
func (s *RedisStore) UsageCount(ctx context.Context, name string) (int64, error) {
	val, err := s.client.Get(ctx, statsKeyPrefix+name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, adapterErr("redis", "get", err)
	}
	return val, nil
}

// Duration reads the remote duration sum and count for one flag operation.
func (s *RedisStore) Duration(ctx context.Context, name, op string) (sum float64, count int64, err error) {
	sum, err = s.client.Get(ctx, durationSumKeyPrefix+name+":"+op).Float64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return 0, 0, adapterErr("redis", "get", err)
	}
	count, err = s.client.Get(ctx, durationCountKeyPrefix+name+":"+op).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	if err != nil {
		return 0, 0, adapterErr("redis", "get", err)
	}
	return sum, count, nil
}

// UsageCounts reads every remote evaluation counter, keyed by flag name.
func (s *RedisStore) UsageCounts(ctx context.Context) (map[string]int64, error) {
	keys, err := s.client.Keys(ctx, statsKeyPrefix+"*").Result()
	if err != nil {
		return nil, adapterErr("redis", "keys", err)
	}
	counts := make(map[string]int64, len(keys))
	for _, key := range keys {
		val, err := s.client.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, adapterErr("redis", "get", err)
		}
		counts[strings.TrimPrefix(key, statsKeyPrefix)] = val
	}
	return counts, nil
}
