package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitwit/pay402/types"
)

// RedisStore shares claims between instances. Redis expires keys itself,
// so Sweep is a no-op.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ ClaimStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pay402:claim:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Put(ctx context.Context, claim *types.PaymentClaim, ttl time.Duration) error {
	raw, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("encode claim: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(claim.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set claim: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.PaymentClaim, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrClaimNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get claim: %w", err)
	}

	var claim types.PaymentClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, fmt.Errorf("decode claim: %w", err)
	}
	return &claim, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del claim: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
