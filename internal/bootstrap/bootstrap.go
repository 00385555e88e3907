// Package bootstrap wires configuration into a running engine. It is
// shared by the server and the operator CLI so both open the same store
// with the same locking.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/opme/consignment-engine/config"
	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/lock"
	"github.com/opme/consignment-engine/registry"
	"github.com/opme/consignment-engine/store/postgres"
	"github.com/opme/consignment-engine/store/sqlite"
	"github.com/opme/consignment-engine/store/sqlstore"
)

type Runtime struct {
	Store  *sqlstore.Store
	Engine *consignment.Engine
	Logger *logrus.Logger

	// Backend names the store in use, "postgres" or "sqlite".
	Backend string

	closers []func() error
	log     *logrus.Entry
}

// Open selects postgres when DATABASE_URL is set and sqlite otherwise,
// and a redis lock when REDIS_ADDR is set. A configured backend that
// cannot be reached is an error; there is no silent fallback.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Runtime, error) {
	rt := &Runtime{Logger: logger, log: logger.WithField("module", "bootstrap")}

	if cfg.DatabaseURL != "" {
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		rt.Store, rt.Backend = st, "postgres"
	} else {
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		rt.Store, rt.Backend = st, "sqlite"
	}
	rt.closers = append(rt.closers, rt.Store.Close)
	rt.log.WithField("backend", rt.Backend).Info("store ready")

	opts := []consignment.Option{
		consignment.WithLogger(logger),
		consignment.WithLookback(cfg.BillingLookback),
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			rt.Close()
			return nil, fmt.Errorf("redis unavailable and REDIS_ADDR is set: %w", err)
		}
		rt.closers = append(rt.closers, rdb.Close)
		opts = append(opts, consignment.WithLocker(lock.NewRedisLocker(rdb, cfg.LockTTL, logger)))
		rt.log.WithField("addr", cfg.RedisAddr).Info("lock: redis")
	} else {
		rt.log.Info("lock: in-process")
	}

	rt.Engine = consignment.NewEngine(rt.Store, opts...)
	return rt, nil
}

// Close releases everything Open acquired, in reverse order.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.WithError(err).Warn("close error")
		}
	}
	rt.closers = nil
}

// RegistryClient returns a client for the configured registry, or
// registry.ErrNotConfigured.
func RegistryClient(cfg config.Config) (*registry.Client, error) {
	if !cfg.RegistryConfigured() {
		return nil, registry.ErrNotConfigured
	}
	return registry.NewClient(cfg.MainoBaseURL, registry.Credentials{
		APIKey:         cfg.MainoAPIKey,
		ApplicationUID: cfg.MainoApplicationUID,
		Email:          cfg.MainoEmail,
		Password:       cfg.MainoPassword,
	}, nil)
}

// IsNotConfigured reports whether err means an optional integration is off.
func IsNotConfigured(err error) bool {
	return errors.Is(err, registry.ErrNotConfigured)
}
