package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	hal9errors "github.com/hal9-io/hal9/pkg/errors"
)

// SharedCache mirrors Catalog entries into Redis under a server_id-keyed
// namespace so multiple facade processes on one host, or multiple nodes
// sharing a cache tier, observe the same ServerInfo set without each
// running its own discovery transport.
type SharedCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// SharedCacheConfig configures a SharedCache's Redis connection.
type SharedCacheConfig struct {
	Addr     string
	Password string
	DB       int
	KeyPrefix string
	// EntryTTL bounds how long a published ServerInfo survives in Redis
	// without being refreshed; it should exceed the Catalog's announce
	// cadence so a live server's entry doesn't expire between announces.
	EntryTTL time.Duration
}

func (c SharedCacheConfig) withDefaults() SharedCacheConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "hal9:discovery:"
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = 2 * time.Minute
	}
	return c
}

// NewSharedCache opens a Redis client for cfg. It does not ping; callers
// that want a fail-fast startup should call Ping themselves.
func NewSharedCache(cfg SharedCacheConfig) *SharedCache {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &SharedCache{client: client, prefix: cfg.KeyPrefix, ttl: cfg.EntryTTL}
}

func (s *SharedCache) key(serverID string) string {
	return s.prefix + serverID
}

// Ping verifies connectivity to Redis.
func (s *SharedCache) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return hal9errors.Network("pinging discovery shared cache: %v", err)
	}
	return nil
}

// Publish writes info under its server_id key with the cache's entry TTL.
func (s *SharedCache) Publish(ctx context.Context, info ServerInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return hal9errors.Protocol("marshaling server info: %v", err)
	}
	if err := s.client.Set(ctx, s.key(info.ServerID), data, s.ttl).Err(); err != nil {
		return hal9errors.Network("publishing server info to shared cache: %v", err)
	}
	return nil
}

// Withdraw removes serverID's entry, e.g. on clean shutdown.
func (s *SharedCache) Withdraw(ctx context.Context, serverID string) error {
	if err := s.client.Del(ctx, s.key(serverID)).Err(); err != nil {
		return hal9errors.Network("withdrawing server info from shared cache: %v", err)
	}
	return nil
}

// List scans every published ServerInfo currently in the shared cache.
func (s *SharedCache) List(ctx context.Context) ([]ServerInfo, error) {
	var out []ServerInfo
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, hal9errors.Network("reading shared cache entry %s: %v", iter.Val(), err)
		}
		var info ServerInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, hal9errors.Protocol("decoding shared cache entry %s: %v", iter.Val(), err)
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, hal9errors.Network("scanning shared cache: %v", err)
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (s *SharedCache) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing discovery shared cache: %w", err)
	}
	return nil
}
