// Package lock provides a KeyLocker shared by every engine process that
// points at the same Redis. Use it whenever more than one process writes
// to the same ledger store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opme/consignment-engine/consignment"
)

const (
	keyPrefix      = "consignment:lock:"
	retryInterval  = 50 * time.Millisecond
	releaseTimeout = 3 * time.Second
)

// RedisLocker implements consignment.KeyLocker with redislock. A lock is
// held for at most TTL; waiting for a busy key stops at the context
// deadline, or after TTL when the context has none.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	log    *logrus.Entry
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		log:    logger.WithField("module", "redislock"),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, keyPrefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryInterval),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%s: %w", key, consignment.ErrLockNotObtained)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// The caller's context may already be done; release regardless.
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := lock.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.log.WithFields(logrus.Fields{"funcName": "Release", "key": key}).WithError(err).Warn("failed to release lock")
		}
	}, nil
}
