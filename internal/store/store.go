// Copyright 2025 James Ross
package store

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a typed wrapper over the shared key/value + list store. All
// cross-process state goes through it; every operation except Scan maps to
// a single atomic store command.
type Client struct {
	rdb redis.UniversalClient

	mu       sync.Mutex
	lastPing time.Time
	lastOK   bool
	pingTTL  time.Duration
}

func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, pingTTL: 2 * time.Second}
}

func (c *Client) HashSet(ctx context.Context, key string, fields map[string]string) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return c.rdb.HSet(ctx, key, args).Err()
}

func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

func (c *Client) ListPushRight(ctx context.Context, key, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// ListBlockPopLeft blocks up to timeout for the head of the list. A timeout
// with no element is not an error: ok is false.
func (c *Client) ListBlockPopLeft(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	// BLPOP returns [key, value]
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Scan walks the keyspace for pattern and returns all matching keys.
// O(keys); callers keep it off the hot path.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) error {
	err := c.rdb.Ping(ctx).Err()
	c.mu.Lock()
	c.lastPing = time.Now()
	c.lastOK = err == nil
	c.mu.Unlock()
	return err
}

// Available reports the result of the most recent ping, re-probing when the
// cached result is older than a couple of seconds.
func (c *Client) Available(ctx context.Context) bool {
	c.mu.Lock()
	fresh := time.Since(c.lastPing) < c.pingTTL
	ok := c.lastOK
	c.mu.Unlock()
	if fresh {
		return ok
	}
	return c.Ping(ctx) == nil
}

// IsTransient reports whether err looks like a network or timeout condition
// the caller may retry, as opposed to a programmatic error.
func IsTransient(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
