// Package redis wraps go-redis for pub/sub, claims and journals.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Laisky/errors/v2"
	gredis "github.com/Laisky/go-redis/v2"
	"github.com/redis/go-redis/v9"
)

// DB is a wrapper for go-redis
type DB struct {
	cli   *redis.Client
	utils *gredis.Utils
}

// NewDB creates a new DB instance
func NewDB(opt *redis.Options) *DB {
	return NewDBFromClient(redis.NewClient(opt))
}

// NewDBFromClient wraps an existing client.
func NewDBFromClient(cli *redis.Client) *DB {
	return &DB{
		cli:   cli,
		utils: gredis.NewRedisUtils(cli),
	}
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return errors.Wrap(db.cli.Ping(ctx).Err(), "ping redis")
}

// Close closes the underlying client.
func (db *DB) Close() error {
	return db.cli.Close()
}

// Publish sends payload to channel.
func (db *DB) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := db.cli.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish to %s", channel)
	}

	return nil
}

// Subscribe subscribes to channels and waits for the subscription to be confirmed.
func (db *DB) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	sub := db.cli.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "confirm subscription")
	}

	return sub, nil
}

// Claim sets key only when it does not exist yet.
// It reports whether this caller now owns the claim.
func (db *DB) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := db.cli.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim %s", key)
	}

	return ok, nil
}

// Release drops a claim.
func (db *DB) Release(ctx context.Context, key string) error {
	return errors.Wrapf(db.cli.Del(ctx, key).Err(), "release %s", key)
}

// AppendDangerEvent pushes event as one JSON item onto the tenant's danger journal.
func (db *DB) AppendDangerEvent(ctx context.Context, tenantID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal danger event")
	}

	if err = db.utils.RPush(ctx, KeyPrefixDangerJournal+tenantID, []any{payload}); err != nil {
		return errors.Wrap(err, "rpush")
	}

	return nil
}
