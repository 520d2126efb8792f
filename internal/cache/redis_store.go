package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sitecontrol/api/internal/control"
)

// RedisStore keeps each collection as one JSON value. Updates use WATCH/MULTI so a
// read-modify-write that races another writer is retried instead of lost.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	logger      *zap.Logger
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL, prefix string, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix, logger), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		maxAttempts: defaultMaxAttempts,
		logger:      orNop(logger),
	}
}

func (s *RedisStore) key(collection Collection) string {
	return s.prefix + string(collection)
}

// GetAll reads a whole collection.
func (s *RedisStore) GetAll(ctx context.Context, collection Collection) ([]control.Control, error) {
	payload, err := s.client.Get(ctx, s.key(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []control.Control{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", collection, err)
	}
	return decode(s.logger, collection, payload), nil
}

// PutAll replaces a whole collection.
func (s *RedisStore) PutAll(ctx context.Context, collection Collection, items []control.Control) error {
	payload, err := encode(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	if err := s.client.Set(ctx, s.key(collection), payload, 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", collection, err)
	}
	return nil
}

// Update applies fn to the collection inside an optimistic transaction.
func (s *RedisStore) Update(ctx context.Context, collection Collection, fn UpdateFunc) error {
	key := s.key(collection)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			payload, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("read %s: %w", collection, err)
			}
			next, err := fn(decode(s.logger, collection, payload))
			if err != nil {
				return err
			}
			encoded, err := encode(next)
			if err != nil {
				return fmt.Errorf("encode %s: %w", collection, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("cache: concurrent write, retrying",
				zap.String("collection", string(collection)),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConflict, collection)
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
