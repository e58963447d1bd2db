package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "aero-signal"

// createScript enforces MaxSessions and creates the session atomically. The
// index sorted set scores each id by its expiry so stale entries can be
// trimmed before counting.
//
// KEYS: session key, index key
// ARGV: now ms, ttl ms, max sessions, session json, id
var createScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local max = tonumber(ARGV[3])
if max > 0 and redis.call('ZCARD', KEYS[2]) >= max then
	return -1
end
if not redis.call('SET', KEYS[1], ARGV[4], 'PX', ARGV[2], 'NX') then
	return 0
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), ARGV[5])
return 1
`)

type RedisStore struct {
	client redis.UniversalClient
	prefix string
	cfg    Config
}

type redisSession struct {
	CreatedAt int64 `json:"createdAt"`
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string, cfg Config) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: keyPrefix, cfg: cfg.withDefaults()}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + ":session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) Create(ctx context.Context) (Session, error) {
	now := s.cfg.Now()
	sess := Session{ID: newID(), CreatedAt: now, ExpiresAt: now.Add(s.cfg.TTL)}
	data, err := json.Marshal(redisSession{CreatedAt: now.UnixMilli()})
	if err != nil {
		return Session{}, fmt.Errorf("encode session: %w", err)
	}

	res, err := createScript.Run(ctx, s.client,
		[]string{s.key(sess.ID), s.indexKey()},
		now.UnixMilli(), s.cfg.TTL.Milliseconds(), s.cfg.MaxSessions, data, sess.ID,
	).Int()
	if err != nil {
		return Session{}, fmt.Errorf("redis create session: %w", err)
	}
	switch res {
	case 1:
		return sess, nil
	case -1:
		return Session{}, ErrTooManySessions
	default:
		return Session{}, fmt.Errorf("session id collision %q", sess.ID)
	}
}

func (s *RedisStore) Find(ctx context.Context, id string) (Session, error) {
	key := s.key(id)
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("redis find session %s: %w", key, err)
	}
	return s.decode(id, get, ttl)
}

func (s *RedisStore) Touch(ctx context.Context, id string) (Session, error) {
	key := s.key(id)
	now := s.cfg.Now()
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.PExpire(ctx, key, s.cfg.TTL)
		pipe.ZAddXX(ctx, s.indexKey(), redis.Z{Score: float64(now.Add(s.cfg.TTL).UnixMilli()), Member: id})
		get = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("redis touch session %s: %w", key, err)
	}
	return s.decode(id, get, ttl)
}

func (s *RedisStore) decode(id string, get *redis.StringCmd, ttl *redis.DurationCmd) (Session, error) {
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var stored redisSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	remaining, err := ttl.Result()
	if err != nil {
		return Session{}, err
	}
	now := s.cfg.Now()
	return Session{
		ID:        id,
		CreatedAt: time.UnixMilli(stored.CreatedAt),
		ExpiresAt: now.Add(max(remaining, 0)),
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete session %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reap trims index entries whose expiry has passed. The session keys
// themselves expire in Redis; ZREM decides which instance reports each id.
func (s *RedisStore) Reap(ctx context.Context) ([]string, error) {
	cutoff := strconv.FormatInt(s.cfg.Now().UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis reap sessions: %w", err)
	}
	var reaped []string
	for _, id := range ids {
		n, err := s.client.ZRem(ctx, s.indexKey(), id).Result()
		if err != nil {
			return reaped, fmt.Errorf("redis reap session %s: %w", id, err)
		}
		if n == 1 {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

// HealthCheck reports whether Redis is reachable.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client.
func (s *RedisStore) Close() error { return nil }
