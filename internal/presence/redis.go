package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultPrefix = "chatsphere:"

// RedisTracker keeps presence in a sorted set scored by last activity and
// revoked tokens as expiring keys.
type RedisTracker struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Tracker = (*RedisTracker)(nil)

// NewRedisTracker connects to the Redis instance at url and verifies it with PING.
func NewRedisTracker(ctx context.Context, url string) (*RedisTracker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTrackerWithClient(client, defaultPrefix), nil
}

// NewRedisTrackerWithClient wraps an existing client.
func NewRedisTrackerWithClient(client *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisTracker{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisTracker) onlineKey() string { return r.prefix + "presence" }

func (r *RedisTracker) revokedKey(tokenID string) string { return r.prefix + "revoked:" + tokenID }

func (r *RedisTracker) score() float64 { return float64(r.now().UnixMilli()) }

func (r *RedisTracker) SetOnline(ctx context.Context, userID string) error {
	return r.client.ZAdd(ctx, r.onlineKey(), &redis.Z{Score: r.score(), Member: userID}).Err()
}

func (r *RedisTracker) SetOffline(ctx context.Context, userID string) (time.Time, error) {
	seen := r.now()
	if err := r.client.ZRem(ctx, r.onlineKey(), userID).Err(); err != nil {
		return time.Time{}, err
	}
	return seen, nil
}

func (r *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	err := r.client.ZScore(ctx, r.onlineKey(), userID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisTracker) Touch(ctx context.Context, userID string) error {
	return r.client.ZAddXX(ctx, r.onlineKey(), &redis.Z{Score: r.score(), Member: userID}).Err()
}

func (r *RedisTracker) Expired(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := r.now().Add(-ttl).UnixMilli()
	return r.client.ZRangeByScore(ctx, r.onlineKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
}

func (r *RedisTracker) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.revokedKey(tokenID), "1", ttl).Err()
}

func (r *RedisTracker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.revokedKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisTracker) Close() error {
	return r.client.Close()
}
