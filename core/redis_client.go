// This file implements a simplified Redis client wrapper with key
// namespacing and connection management for the scheduler's shared state.
//
// Purpose:
// - Holds the process-exclusion lock that prevents double-scheduler
//   deployments against one database
// - Publishes per-cycle metrics snapshots for external dashboards
//
// Namespacing:
// All keys are automatically prefixed with the namespace:
// - Lock: "domainpulse:scheduler:*"
// - Snapshots: "domainpulse:metrics:*"
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient provides a simplified Redis interface with key namespacing
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with specified options
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.RedisURL == "" {
		opts.Logger.Error("Failed to initialize Redis client", map[string]interface{}{
			"error":      "Redis URL is required",
			"error_type": "ErrInvalidConfiguration",
		})
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Redis connection check failed", map[string]interface{}{
			"operation": "redis_ping",
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	opts.Logger.Debug("Redis client initialized", map[string]interface{}{
		"operation": "redis_client_init",
		"namespace": opts.Namespace,
	})

	return &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// key applies the namespace prefix
func (r *RedisClient) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

// Get retrieves a value; returns "" with no error when the key is absent
func (r *RedisClient) Get(ctx context.Context, k string) (string, error) {
	val, err := r.client.Get(ctx, r.key(k)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set stores a value with a TTL (0 means no expiry)
func (r *RedisClient) Set(ctx context.Context, k, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(k), value, ttl).Err()
}

// SetNX stores a value only if the key does not exist; reports acquisition
func (r *RedisClient) SetNX(ctx context.Context, k, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.key(k), value, ttl).Result()
}

// GetSet atomically replaces a value, returning the previous one ("" if absent)
func (r *RedisClient) GetSet(ctx context.Context, k, value string) (string, error) {
	prev, err := r.client.GetSet(ctx, r.key(k), value).Result()
	if err == redis.Nil {
		return "", nil
	}
	return prev, err
}

// Expire refreshes a key's TTL
func (r *RedisClient) Expire(ctx context.Context, k string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.key(k), ttl).Err()
}

// Delete removes a key
func (r *RedisClient) Delete(ctx context.Context, k string) error {
	return r.client.Del(ctx, r.key(k)).Err()
}

// Ping checks connectivity
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (r *RedisClient) Close() error {
	return r.client.Close()
}
