// Package kv is the thin adapter over the in-memory key/value store.  It
// exposes the handful of hash and string operations the session, limiter and
// challenge components need and nothing else; there is no business logic
// here.  Missing keys are reported as ErrNil, transport failures are wrapped
// with ErrUnavailable so callers can tell them apart.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrNil is returned when a key or hash field does not exist.
	ErrNil = errors.New("kv: nil")
	// ErrUnavailable wraps transport failures of the underlying store.
	ErrUnavailable = errors.New("kv: store unavailable")
)

// Store is the key/value contract consumed by the core components.
type Store interface {
	HashGet(ctx context.Context, hash, field string) (string, error)
	HashSet(ctx context.Context, hash, field, value string) error
	HashDelete(ctx context.Context, hash string, fields ...string) error
	HashGetAll(ctx context.Context, hash string) (map[string]string, error)
	// HashDeleteIf removes field only while it still holds expected and
	// reports whether it did.
	HashDeleteIf(ctx context.Context, hash, field, expected string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key.  A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, message string) error
}

// RedisStore implements Store on a pooled go-redis client.  The client is
// created once at startup and shared; each call checks a connection out of
// the pool for the duration of the command.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore { return &RedisStore{rdb: rdb} }

// Client exposes the underlying client for components that need pub/sub.
func (s *RedisStore) Client() redis.UniversalClient { return s.rdb }

func (s *RedisStore) HashGet(ctx context.Context, hash, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, hash, field).Result()
	return v, translate(err)
}

func (s *RedisStore) HashSet(ctx context.Context, hash, field, value string) error {
	return translate(s.rdb.HSet(ctx, hash, field, value).Err())
}

func (s *RedisStore) HashDelete(ctx context.Context, hash string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return translate(s.rdb.HDel(ctx, hash, fields...).Err())
}

func (s *RedisStore) HashGetAll(ctx context.Context, hash string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

var deleteIfScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

func (s *RedisStore) HashDeleteIf(ctx context.Context, hash, field, expected string) (bool, error) {
	n, err := deleteIfScript.Run(ctx, s.rdb, []string{hash}, field, expected).Int()
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, translate(err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return translate(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return translate(s.rdb.Del(ctx, keys...).Err())
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return translate(s.rdb.Publish(ctx, channel, message).Err())
}

// Subscription is an open subscription to one pub/sub channel.
type Subscription struct {
	ps *redis.PubSub
}

// Subscribe opens a subscription and waits for the server to confirm it,
// so messages published after Subscribe returns are not missed.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, translate(err)
	}
	return &Subscription{ps: ps}, nil
}

// Next blocks until a message arrives or ctx is done.  A done ctx closes
// the subscription, so Next is not called again after it returns ctx's
// error.
func (sub *Subscription) Next(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() { _ = sub.ps.Close() })
	defer stop()

	msg, err := sub.ps.ReceiveMessage(ctx)
	if err != nil {
		if cerr := ctxErr(ctx); cerr != nil {
			return "", cerr
		}
		return "", translate(err)
	}
	return msg.Payload, nil
}

// ctxErr is ctx.Err() that also reports a deadline which has passed but
// whose timer has not fired yet.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

func (sub *Subscription) Close() error { return sub.ps.Close() }

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNil
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
