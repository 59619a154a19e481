package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over a single Redis instance.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis connects and pings the backend.
func NewRedis(addr, password string, db, poolSize int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return kvErr("ping", err)
	}
	return nil
}

// kvErr tags transport failures so callers can retry on ErrUnavailable.
func kvErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

// --- Accounts ---

func (s *RedisStore) GetAccount(ctx context.Context, id string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, KeyAccountPrefix+id).Result()
	if err != nil {
		return nil, kvErr("get account", err)
	}
	return m, nil
}

func (s *RedisStore) SetAccount(ctx context.Context, id string, fields map[string]string) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, KeyAccountPrefix+id, flatten(fields)...)
	pipe.SAdd(ctx, KeyAccountIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return kvErr("set account", err)
	}
	return nil
}

func (s *RedisStore) SetAccountFields(ctx context.Context, id string, fields map[string]string) error {
	if err := s.rdb.HSet(ctx, KeyAccountPrefix+id, flatten(fields)...).Err(); err != nil {
		return kvErr("set account fields", err)
	}
	return nil
}

func (s *RedisStore) DeleteAccount(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, KeyAccountPrefix+id)
	pipe.SRem(ctx, KeyAccountIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return kvErr("delete account", err)
	}
	return nil
}

func (s *RedisStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, KeyAccountIndex).Result()
	if err != nil {
		return nil, kvErr("list accounts", err)
	}
	return ids, nil
}

// --- API keys ---

func (s *RedisStore) GetAPIKey(ctx context.Context, id string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, KeyAPIKeyPrefix+id).Result()
	if err != nil {
		return nil, kvErr("get api key", err)
	}
	return m, nil
}

func (s *RedisStore) SetAPIKey(ctx context.Context, id string, fields map[string]string) error {
	if err := s.rdb.HSet(ctx, KeyAPIKeyPrefix+id, flatten(fields)...).Err(); err != nil {
		return kvErr("set api key", err)
	}
	return nil
}

func (s *RedisStore) DeleteAPIKey(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, KeyAPIKeyPrefix+id).Err(); err != nil {
		return kvErr("delete api key", err)
	}
	return nil
}

func (s *RedisStore) GetAPIKeyIDByHash(ctx context.Context, hash string) (string, error) {
	val, err := s.rdb.HGet(ctx, KeyAPIKeyHashMap, hash).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", kvErr("get api key hash", err)
	}
	return val, nil
}

func (s *RedisStore) SetAPIKeyHash(ctx context.Context, hash, keyID string) error {
	if err := s.rdb.HSet(ctx, KeyAPIKeyHashMap, hash, keyID).Err(); err != nil {
		return kvErr("set api key hash", err)
	}
	return nil
}

// --- Sticky sessions ---

func (s *RedisStore) GetSessionMapping(ctx context.Context, hash string) (string, error) {
	val, err := s.rdb.Get(ctx, KeySessionMapping+hash).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", kvErr("get session mapping", err)
	}
	return val, nil
}

func (s *RedisStore) SetSessionMapping(ctx context.Context, hash, accountID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, KeySessionMapping+hash, accountID, ttl).Err(); err != nil {
		return kvErr("set session mapping", err)
	}
	return nil
}

func (s *RedisStore) DeleteSessionMapping(ctx context.Context, hash string) error {
	if err := s.rdb.Del(ctx, KeySessionMapping+hash).Err(); err != nil {
		return kvErr("delete session mapping", err)
	}
	return nil
}

// --- Header snapshot ---

func (s *RedisStore) GetHeaderSnapshot(ctx context.Context, accountID string) (string, error) {
	val, err := s.rdb.Get(ctx, KeyHeaderSnapshot+accountID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", kvErr("get header snapshot", err)
	}
	return val, nil
}

func (s *RedisStore) SetHeaderSnapshot(ctx context.Context, accountID, headersJSON string) error {
	if err := s.rdb.Set(ctx, KeyHeaderSnapshot+accountID, headersJSON, 0).Err(); err != nil {
		return kvErr("set header snapshot", err)
	}
	return nil
}

// --- CAS lock ---

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (s *RedisStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, kvErr("acquire lock", err)
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key, holder string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, holder).Int64()
	if err != nil {
		return false, kvErr("release lock", err)
	}
	return n == 1, nil
}

func flatten(fields map[string]string) []interface{} {
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return vals
}
