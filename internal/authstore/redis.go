// SPDX-License-Identifier: MIT

package authstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore is a Redis-backed credential store.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string // Redis server address (host:port)
	Password  string // Redis password (optional)
	DB        int    // Redis database number
	KeyPrefix string // prefix for credential keys
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis credential store")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "courier:creds:"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) key(deviceID string) string {
	return s.prefix + deviceID
}

// Save stores the credential blob. Blobs have no TTL: they stay valid
// until the device logs out.
func (s *RedisStore) Save(ctx context.Context, deviceID string, blob []byte) error {
	if err := s.client.Set(ctx, s.key(deviceID), blob, 0).Err(); err != nil {
		return fmt.Errorf("save credentials for %s: %w", deviceID, err)
	}
	return nil
}

// Load retrieves the credential blob, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, deviceID string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.key(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", deviceID, err)
	}
	return blob, nil
}

// Delete removes the credential blob. Deleting a missing key is not an
// error.
func (s *RedisStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, s.key(deviceID)).Err(); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", deviceID, err)
	}
	return nil
}

// Ping checks the Redis connection for the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
