// Package cache provides a read-through cache for sticky assignments. The
// database remains the source of truth; a cache miss or failure only costs
// a database read.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketkit/variantd/internal/config"
)

// AssignmentCache maps (experiment, unit) to a variant name.
type AssignmentCache interface {
	Get(ctx context.Context, experimentID, unitKey string) (variant string, ok bool, err error)
	Set(ctx context.Context, experimentID, unitKey, variant string) error
	Close() error
}

// UnitKey identifies a unit inside an experiment. Users and sessions live in
// separate namespaces.
func UnitKey(userID, sessionID string) string {
	if userID != "" {
		return "u:" + userID
	}
	return "s:" + sessionID
}

// Key is the Redis key for a cached assignment.
func Key(experimentID, unitKey string) string {
	return fmt.Sprintf("variantd:assignment:%s:%s", experimentID, unitKey)
}

// New returns a Redis cache when cfg.Addr is set, otherwise a no-op cache.
func New(cfg config.RedisConfig) AssignmentCache {
	if cfg.Addr == "" {
		return Nop{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedis(client, cfg.TTL)
}

// Redis caches assignments in Redis with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, experimentID, unitKey string) (string, bool, error) {
	variant, err := r.client.Get(ctx, Key(experimentID, unitKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cached assignment: %w", err)
	}
	return variant, true, nil
}

func (r *Redis) Set(ctx context.Context, experimentID, unitKey, variant string) error {
	if err := r.client.Set(ctx, Key(experimentID, unitKey), variant, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache assignment: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Nop never caches.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (string, bool, error) { return "", false, nil }
func (Nop) Set(context.Context, string, string, string) error { return nil }
func (Nop) Close() error { return nil }
