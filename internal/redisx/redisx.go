package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the small Redis surface the result cache and the fetch envelope use.
type Client struct{ Rdb *redis.Client }

func New(addr string, password string, db int) *Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Client{Rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Rdb.Ping(ctx).Err()
}

// Get returns ("", false, nil) for a missing key.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.Rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key string, val string, ttl time.Duration) error {
	return c.Rdb.Set(ctx, key, val, ttl).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Rdb.Exists(ctx, key).Result()
	return n == 1, err
}

func (c *Client) SetNX(ctx context.Context, key string, val string, ttl time.Duration) (bool, error) {
	return c.Rdb.SetNX(ctx, key, val, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.Rdb.Del(ctx, keys...).Err()
}

// SetTagged stores val under key and adds key to every tag set. Tag sets outlive
// the entries they index by ttl so invalidation still finds them.
func (c *Client) SetTagged(ctx context.Context, key, val string, ttl time.Duration, tags []string) error {
	_, err := c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, val, ttl)
		for _, tag := range tags {
			p.SAdd(ctx, tag, key)
			p.Expire(ctx, tag, 2*ttl)
		}
		return nil
	})
	return err
}

// DelTag deletes every key in the tag set and the set itself.
func (c *Client) DelTag(ctx context.Context, tag string) (int, error) {
	keys, err := c.Rdb.SMembers(ctx, tag).Result()
	if err != nil {
		return 0, err
	}
	return len(keys), c.Del(ctx, append(keys, tag)...)
}

func (c *Client) Close() error { return c.Rdb.Close() }
