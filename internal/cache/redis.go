package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/aggregation_gateway/internal/app/domain/aggregate"
)

const redisKeyPrefix = "aggregate:"

// redisEntry is the wire form of a cached result.
type redisEntry struct {
	Value      string                `json:"value"`
	Confidence string                `json:"confidence"`
	Accepted   []string              `json:"accepted"`
	Rejected   []aggregate.Rejection `json:"rejected,omitempty"`
	ObservedAt time.Time             `json:"observed_at"`
}

// RedisStore shares aggregate results between gateway instances. Redis TTL
// handles expiry; the in-memory tier remains the single-flight coordinator.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Get fetches a shared result.
func (s *RedisStore) Get(ctx context.Context, signature string) (*aggregate.Result, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+signature).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("redis decode: %w", err)
	}
	return &aggregate.Result{
		Value:      e.Value,
		Confidence: aggregate.Confidence(e.Confidence),
		Accepted:   e.Accepted,
		Rejected:   e.Rejected,
		ObservedAt: e.ObservedAt,
	}, true, nil
}

// Put stores a shared result with the given TTL.
func (s *RedisStore) Put(ctx context.Context, signature string, result *aggregate.Result, ttl time.Duration) error {
	data, err := json.Marshal(redisEntry{
		Value:      result.Value,
		Confidence: string(result.Confidence),
		Accepted:   result.Accepted,
		Rejected:   result.Rejected,
		ObservedAt: result.ObservedAt,
	})
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	return s.client.Set(ctx, redisKeyPrefix+signature, data, ttl).Err()
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
