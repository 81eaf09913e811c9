package idempotency

import (
	"authgateway/internal/cache"
	"context"
	"fmt"
	"time"
)

const (
	keyPrefix  = "idempotency:"
	lockSuffix = ":lock"
	dataSuffix = ":data"
	lockTTL    = 30 * time.Second // covers the slowest registration: four provider calls at the timeout
	dataTTL    = 24 * time.Hour
)

// Store keeps locks and saved responses in redis.
type Store struct {
	cache *cache.RedisClient
}

func NewStore(c *cache.RedisClient) *Store {
	return &Store{cache: c}
}

func (s *Store) SaveResponse(ctx context.Context, key string, resp IdempotencyResponse) error {
	if err := cache.Set(s.cache, ctx, keyPrefix+key+dataSuffix, resp, dataTTL); err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}

	// Waiting duplicates can read the data now. A stale lock expires on its own.
	_ = cache.Del(s.cache, ctx, keyPrefix+key+lockSuffix)
	return nil
}

func (s *Store) GetResponse(ctx context.Context, key string) (*IdempotencyResponse, bool, error) {
	return cache.Get[IdempotencyResponse](s.cache, ctx, keyPrefix+key+dataSuffix)
}

// Lock acquires the key. It reports false when the key is held or already has a saved
// response, in which case the middleware replays it.
func (s *Store) Lock(ctx context.Context, key string) (bool, error) {
	_, found, err := s.GetResponse(ctx, key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}
	return cache.SetNX(s.cache, ctx, keyPrefix+key+lockSuffix, "1", lockTTL)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := cache.Del(s.cache, ctx, keyPrefix+key+lockSuffix); err != nil {
		return err
	}
	return cache.Del(s.cache, ctx, keyPrefix+key+dataSuffix)
}
