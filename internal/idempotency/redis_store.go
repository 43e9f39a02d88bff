package idempotency

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	cerrors "github.com/tulipex/tulipcore/common/errors"
)

const keyPrefix = "tulip:idem:"

// RedisStore backs the idempotency table with Redis. SET NX gives the
// conditional insert; records carry no TTL because they are never deleted.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	val, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal idempotency record: %w", err)
	}

	inserted, err := s.client.SetNX(ctx, keyPrefix+rec.CompoundKey, val, 0).Result()
	if err != nil {
		return Record{}, false, cerrors.Transient("idempotency conditional insert", err)
	}
	if inserted {
		return rec, true, nil
	}

	existing, ok, err := s.Get(ctx, rec.CompoundKey)
	if err != nil {
		return Record{}, false, err
	}
	if !ok {
		// SETNX said the key exists but GET missed it. Records are never
		// deleted, so this is not a state we can recover from here.
		return Record{}, false, cerrors.Corruption("idempotency record vanished", nil)
	}
	return existing, false, nil
}

func (s *RedisStore) Get(ctx context.Context, compoundKey string) (Record, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+compoundKey).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, cerrors.Transient("idempotency read", err)
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, cerrors.Corruption("decode idempotency record", err)
	}
	return rec, true, nil
}
