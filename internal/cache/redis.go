package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/rules"
)

// RuleCache is a read-through Redis cache in front of a rules.Store. Redis
// failures fall back to the backing store; backing store failures are
// returned unchanged so callers fail closed.
type RuleCache struct {
	client   *redis.Client
	backing  rules.Store
	prefix   string
	ttl      time.Duration
	logger   *zap.Logger
	observer Observer

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRuleCache connects to Redis and wraps backing
func NewRuleCache(cfg config.CacheConfig, backing rules.Store, logger *zap.Logger) (*RuleCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	rc := newRuleCache(redis.NewClient(opts), backing, cfg.KeyPrefix, cfg.TTL, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rc.client.Ping(ctx).Err(); err != nil {
		rc.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Rule cache initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("pool_size", opts.PoolSize),
		zap.Duration("ttl", cfg.TTL))

	return rc, nil
}

func newRuleCache(client *redis.Client, backing rules.Store, prefix string, ttl time.Duration, logger *zap.Logger) *RuleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "sentinel:rules"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RuleCache{
		client:  client,
		backing: backing,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger,
	}
}

// SetObserver registers a receiver for hit and miss events
func (rc *RuleCache) SetObserver(o Observer) {
	rc.observer = o
}

// ListActiveGlobalRules returns cached global rules, loading them on a miss
func (rc *RuleCache) ListActiveGlobalRules(ctx context.Context) ([]rules.SensitivityRule, error) {
	return rc.readThrough(ctx, rc.globalKey(), string(rules.ScopeGlobal), func() ([]rules.SensitivityRule, error) {
		return rc.backing.ListActiveGlobalRules(ctx)
	})
}

// ListActiveAgentRules returns cached agent rules, loading them on a miss
func (rc *RuleCache) ListActiveAgentRules(ctx context.Context, agentID string) ([]rules.SensitivityRule, error) {
	return rc.readThrough(ctx, rc.agentKey(agentID), string(rules.ScopeAgent), func() ([]rules.SensitivityRule, error) {
		return rc.backing.ListActiveAgentRules(ctx, agentID)
	})
}

func (rc *RuleCache) readThrough(ctx context.Context, key, scope string, load func() ([]rules.SensitivityRule, error)) ([]rules.SensitivityRule, error) {
	data, err := rc.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []rules.SensitivityRule
		if err := json.Unmarshal(data, &cached); err == nil {
			rc.record(scope, true)
			return cached, nil
		}
		rc.logger.Warn("Dropping corrupted cache entry", zap.String("key", key))
		rc.client.Del(ctx, key)
	case err == redis.Nil:
	default:
		rc.logger.Warn("Rule cache lookup failed, reading from store", zap.String("key", key), zap.Error(err))
	}

	rc.record(scope, false)

	list, err := load()
	if err != nil {
		return nil, err
	}

	rc.store(ctx, key, list)
	return list, nil
}

func (rc *RuleCache) store(ctx context.Context, key string, list []rules.SensitivityRule) {
	if list == nil {
		list = []rules.SensitivityRule{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		rc.logger.Error("Failed to marshal rules for caching", zap.Error(err))
		return
	}
	if err := rc.client.Set(ctx, key, data, rc.ttl).Err(); err != nil {
		rc.logger.Warn("Failed to cache rules", zap.String("key", key), zap.Error(err))
	}
}

func (rc *RuleCache) record(scope string, hit bool) {
	if hit {
		rc.hits.Add(1)
	} else {
		rc.misses.Add(1)
	}
	if rc.observer != nil {
		rc.observer.RecordCacheLookup(scope, hit)
	}
}

// Warm loads global rules and the rules of agentIDs into Redis
func (rc *RuleCache) Warm(ctx context.Context, agentIDs []string) error {
	global, err := rc.backing.ListActiveGlobalRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load global rules: %w", err)
	}

	pipe := rc.client.Pipeline()
	if err := rc.queue(ctx, pipe, rc.globalKey(), global); err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		list, err := rc.backing.ListActiveAgentRules(ctx, agentID)
		if err != nil {
			return fmt.Errorf("failed to load rules for agent %s: %w", agentID, err)
		}
		if err := rc.queue(ctx, pipe, rc.agentKey(agentID), list); err != nil {
			return err
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to warm rule cache: %w", err)
	}

	rc.logger.Debug("Rule cache warmed", zap.Int("agents", len(agentIDs)))
	return nil
}

func (rc *RuleCache) queue(ctx context.Context, pipe redis.Pipeliner, key string, list []rules.SensitivityRule) error {
	if list == nil {
		list = []rules.SensitivityRule{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal rules for caching: %w", err)
	}
	pipe.Set(ctx, key, data, rc.ttl)
	return nil
}

// Invalidate removes cached rules. With no agentIDs every entry under the
// prefix is removed.
func (rc *RuleCache) Invalidate(ctx context.Context, agentIDs ...string) error {
	var keys []string
	if len(agentIDs) == 0 {
		iter := rc.client.Scan(ctx, 0, rc.prefix+":*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
	} else {
		keys = append(keys, rc.globalKey())
		for _, id := range agentIDs {
			keys = append(keys, rc.agentKey(id))
		}
	}

	if len(keys) == 0 {
		return nil
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := rc.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	rc.logger.Info("Rule cache invalidated", zap.Int("deleted_keys", len(keys)))
	return nil
}

// GetStats returns cache counters and Redis memory usage
func (rc *RuleCache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   rc.hits.Load(),
		Misses: rc.misses.Load(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total) * 100
	}

	info, err := rc.client.Info(ctx, "memory").Result()
	if err != nil {
		return stats, fmt.Errorf("failed to get Redis info: %w", err)
	}
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(v, 10, 64); err == nil {
				stats.MemoryUsage = mem
			}
		}
	}
	return stats, nil
}

// Ping checks the Redis connection
func (rc *RuleCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RuleCache) Close() error {
	if rc.client != nil {
		return rc.client.Close()
	}
	return nil
}

func (rc *RuleCache) globalKey() string {
	return rc.prefix + ":global"
}

func (rc *RuleCache) agentKey(agentID string) string {
	return rc.prefix + ":agent:" + agentID
}

// maskRedisURL masks the password of a Redis URL for logging
func maskRedisURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
