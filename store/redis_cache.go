package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"mailvet/models"
)

// RowStore is the durable store behind RedisValidationCache.
type RowStore interface {
	Latest(ctx context.Context, email string, now time.Time) (*models.EmailValidation, error)
	Insert(ctx context.Context, row *models.EmailValidation) error
}

// RedisValidationCache is a read-through cache in front of a RowStore.
// Entries live until the row's expires_at. Redis failures are logged and
// the durable store answers instead.
type RedisValidationCache struct {
	client  *redis.Client
	backing RowStore
	prefix  string
	log     *logrus.Entry
}

func NewRedisValidationCache(client *redis.Client, backing RowStore, log *logrus.Entry) *RedisValidationCache {
	if log == nil {
		log = logrus.WithField("component", "redis_cache")
	}
	return &RedisValidationCache{client: client, backing: backing, prefix: "validation:", log: log}
}

func (c *RedisValidationCache) key(email string) string {
	return c.prefix + email
}

func (c *RedisValidationCache) Latest(ctx context.Context, email string, now time.Time) (*models.EmailValidation, error) {
	raw, err := c.client.Get(ctx, c.key(email)).Bytes()
	switch {
	case err == nil:
		var row models.EmailValidation
		if jsonErr := json.Unmarshal(raw, &row); jsonErr != nil {
			c.log.WithError(jsonErr).WithField("email", email).Warn("discarding undecodable cache entry")
			break
		}
		if row.ExpiresAt.After(now) {
			return &row, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		c.log.WithError(err).Warn("redis get failed, reading from database")
	}

	row, err := c.backing.Latest(ctx, email, now)
	if err != nil || row == nil {
		return row, err
	}
	c.set(ctx, row, now)
	return row, nil
}

func (c *RedisValidationCache) Insert(ctx context.Context, row *models.EmailValidation) error {
	if err := c.backing.Insert(ctx, row); err != nil {
		return err
	}
	c.set(ctx, row, time.Now())
	return nil
}

func (c *RedisValidationCache) set(ctx context.Context, row *models.EmailValidation, now time.Time) {
	ttl := row.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(row)
	if err != nil {
		c.log.WithError(err).Warn("encode cache entry")
		return
	}
	if err := c.client.Set(ctx, c.key(row.Email), raw, ttl).Err(); err != nil {
		c.log.WithError(err).Warn("redis set failed")
	}
}
