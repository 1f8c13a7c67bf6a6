package persist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps snapshot documents in Redis. Redis SET is a full-value
// replace, which satisfies the atomic-write contract. When Redis is
// unavailable the store falls back to an in-memory cache so the engine keeps
// trading; the cache is flushed back on the next successful write.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	available atomic.Bool

	mu       sync.RWMutex
	fallback map[string][]byte

	log zerolog.Logger
}

// NewRedisStore connects to Redis and probes availability once.
func NewRedisStore(addr, password string, db int, prefix string, log zerolog.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	s := &RedisStore{
		client:   client,
		prefix:   prefix,
		fallback: make(map[string][]byte),
		log:      log.With().Str("component", "redis-store").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("redis unavailable at startup, using in-memory fallback")
		s.available.Store(false)
	} else {
		s.log.Info().Str("addr", addr).Msg("redis connected")
		s.available.Store(true)
	}
	return s
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, key)
}

// Read returns the value from Redis, or from the fallback cache while Redis
// is down.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	if s.available.Load() {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err == nil {
			return data, nil
		}
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		s.log.Warn().Err(err).Str("key", key).Msg("redis read failed, switching to fallback")
		s.available.Store(false)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if data, ok := s.fallback[key]; ok {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// WriteAtomic replaces the value. The fallback cache is always updated so a
// Redis outage mid-run loses nothing the process still holds.
func (s *RedisStore) WriteAtomic(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.fallback[key] = cp
	s.mu.Unlock()

	if !s.available.Load() {
		// Probe: Redis may have come back.
		if err := s.client.Ping(ctx).Err(); err != nil {
			return nil // fallback holds the value
		}
		s.available.Store(true)
		s.log.Info().Msg("redis recovered, resuming durable writes")
		s.flushFallback(ctx)
	}

	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("redis write failed, value held in fallback")
		s.available.Store(false)
	}
	return nil
}

func (s *RedisStore) flushFallback(ctx context.Context) {
	s.mu.RLock()
	pending := make(map[string][]byte, len(s.fallback))
	for k, v := range s.fallback {
		pending[k] = v
	}
	s.mu.RUnlock()

	for k, v := range pending {
		if err := s.client.Set(ctx, s.key(k), v, 0).Err(); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("fallback flush failed")
			s.available.Store(false)
			return
		}
	}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Gateway = (*RedisStore)(nil)
