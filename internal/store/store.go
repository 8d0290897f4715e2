// Package store owns the Redis connection shared by the rate limiter and the
// health endpoint.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PingTimeout bounds the connectivity check performed by New and Ping.
const PingTimeout = 5 * time.Second

// Options holds Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store wraps a Redis client.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection. When verify is false a
// failed ping is not an error: the limiter fails open until Redis recovers.
func New(opts Options, verify bool) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	s := &Store{client: client}
	if verify {
		if err := s.Ping(context.Background()); err != nil {
			client.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis connection failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
