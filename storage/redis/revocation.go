// Package redis provides a Redis-backed storage.RevocationStore.
//
// It lets deployments that keep grants and tokens in PostgreSQL put the
// per-request revocation check on a shared Redis instance instead. Entries
// are plain keys that expire together with the access token they block.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nocturne/nocturne-auth/storage"
)

// Config holds Redis revocation store configuration
type Config struct {
	Addr         string        // Redis server address
	Password     string        // Redis password
	DB           int           // Redis database number
	PoolSize     int           // Connection pool size
	MinIdleConns int           // Minimum idle connections
	MaxRetries   int           // Maximum number of retries
	DialTimeout  time.Duration // Connection timeout
	ReadTimeout  time.Duration // Read timeout
	WriteTimeout time.Duration // Write timeout
	Prefix       string        // Key prefix for namespacing
}

// DefaultConfig returns default Redis configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 3,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Prefix:       "nocturne:",
	}
}

// RevocationStore records revoked access token IDs in Redis.
type RevocationStore struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

var _ storage.RevocationStore = (*RevocationStore)(nil)

// New connects to Redis and verifies the connection.
func New(config *Config, logger *slog.Logger) (*RevocationStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		logger.Error("Failed to connect to Redis", "error", err, "addr", config.Addr)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis revocation store", "addr", config.Addr, "db", config.DB)

	return &RevocationStore{client: client, logger: logger, prefix: config.Prefix}, nil
}

func (s *RevocationStore) key(jti string) string {
	return s.prefix + "revoked:" + jti
}

// MarkRevoked blocks jti until the given time. A past until is a no-op.
func (s *RevocationStore) MarkRevoked(ctx context.Context, jti string, until time.Time) error {
	ttl := time.Until(until)
	if jti == "" || ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(jti), "1", ttl).Err(); err != nil {
		s.logger.Warn("Revocation mark failed", "error", err)
		return fmt.Errorf("failed to mark token revoked: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is currently blocked
func (s *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n == 1, nil
}

// Ping checks the Redis connection
func (s *RevocationStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RevocationStore) Close() error {
	return s.client.Close()
}
