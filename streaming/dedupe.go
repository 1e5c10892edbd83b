package streaming

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper runs a function at most once per key within ttl, across every
// process sharing the Redis instance.
type Deduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewDeduper(client *redis.Client, ttl time.Duration) *Deduper {
	return &Deduper{client: client, ttl: ttl, prefix: "fanout:"}
}

// Once runs fn if key has not been claimed yet. When fn fails the claim is
// dropped so a later attempt can run it again.
func (d *Deduper) Once(ctx context.Context, key string, fn func() error) error {
	key = d.prefix + key
	ok, err := d.client.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = d.client.Del(ctx, key).Err()
		return err
	}
	return nil
}
