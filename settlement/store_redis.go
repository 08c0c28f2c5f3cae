package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitwit/pay402/types"
)

// In-flight markers are redisInFlight followed by the owner token.
const redisInFlight = "in_flight:"

// Deletes the key only while it still holds the caller's marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Overwrites the caller's marker with the record. Returns 1 on success,
// 0 if a record is already stored, -1 if the key is gone and -2 if another
// owner holds the marker.
var commitScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	return -1
end
if current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
if string.sub(current, 1, string.len(ARGV[3])) == ARGV[3] then
	return -2
end
return 0
`)

// RedisStore is a DedupeStore shared by every instance pointing at the same
// Redis. The in-flight marker is a SET NX key with the lease as its TTL;
// settled records have no TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ DedupeStore = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pay402:settlement:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(ref string) string {
	return s.prefix + ref
}

func marker(owner string) string {
	return redisInFlight + owner
}

func (s *RedisStore) Reserve(ctx context.Context, ref, owner string, lease time.Duration) (ReserveStatus, *types.SettlementRecord, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(ref), marker(owner), lease).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("redis reserve: %w", err)
	}
	if ok {
		return StatusReserved, nil, nil
	}

	raw, err := s.rdb.Get(ctx, s.key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		// The lease expired between the two calls.
		return s.Reserve(ctx, ref, owner, lease)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("redis get: %w", err)
	}
	if strings.HasPrefix(raw, redisInFlight) {
		return StatusInFlight, nil, nil
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return 0, nil, err
	}
	return StatusSettled, rec, nil
}

func (s *RedisStore) Commit(ctx context.Context, owner string, record *types.SettlementRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	n, err := commitScript.Run(ctx, s.rdb, []string{s.key(record.TransactionReference)}, marker(owner), raw, redisInFlight).Int()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		// already holds a record
		return nil
	default:
		return ErrNotReserved
	}
}

func (s *RedisStore) Release(ctx context.Context, ref, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.key(ref)}, marker(owner)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ref string) (*types.SettlementRecord, error) {
	raw, err := s.rdb.Get(ctx, s.key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if strings.HasPrefix(raw, redisInFlight) {
		return nil, nil
	}
	return decodeRecord(raw)
}

func decodeRecord(raw string) (*types.SettlementRecord, error) {
	var rec types.SettlementRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
