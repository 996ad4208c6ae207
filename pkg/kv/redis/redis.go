// Package redis implements kv.Store on top of Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredis "github.com/redis/go-redis/v9"

	"marketplace/pkg/kv"
)

// maxWatchRetries bounds optimistic-lock retries in Merge.
const maxWatchRetries = 10

// Store persists values in Redis.
type Store struct {
	client *goredis.Client
}

// NewClient builds a traced client from either a redis:// URL or a bare
// host:port address.
func NewClient(addr string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(addr)
	if err != nil {
		opts = &goredis.Options{
			Addr:         addr,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			PoolTimeout:  4 * time.Second,
		}
	}

	client := goredis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("instrumenting redis client: %w", err)
	}
	return client, nil
}

// New creates a Redis-backed store.
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

// WaitReady pings Redis with exponential backoff until it answers or
// maxTries is exhausted.
func (s *Store) WaitReady(ctx context.Context, maxTries uint) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		return fmt.Errorf("redis not ready after %d attempts: %w", maxTries, err)
	}
	return nil
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, kv.ErrEmptyKey
	}
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return v, true, nil
}

// Set replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return kv.ErrEmptyKey
	}
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// Merge shallow-merges value into the stored value inside a WATCH
// transaction, retrying when a concurrent writer wins the race.
func (s *Store) Merge(ctx context.Context, key, value string) error {
	if key == "" {
		return kv.ErrEmptyKey
	}

	txf := func(tx *goredis.Tx) error {
		merged := value
		existing, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			if merged, err = kv.MergeJSON(existing, value); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, merged, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis MERGE %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("redis MERGE %s: %w", key, goredis.TxFailedErr)
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.client.Ping(pingCtx).Err()
}
