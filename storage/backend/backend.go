// Package backend opens the storage.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/storage/badger"
	"github.com/c360studio/semflow/storage/natskv"
	"github.com/c360studio/semflow/storage/redis"
	"github.com/c360studio/semflow/storage/sqlite"
)

// Open builds the configured backend. js is only required for natskv.
func Open(ctx context.Context, cfg config.StoreConfig, js jetstream.JetStream, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store storage.Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		store = storage.NewMemoryStore()
	case config.BackendNATSKV, "":
		opts := []natskv.Option{natskv.WithLogger(logger)}
		if cfg.KVHistory > 0 {
			opts = append(opts, natskv.WithHistory(uint8(cfg.KVHistory)))
		}
		store, err = natskv.New(ctx, js, opts...)
	case config.BackendSQLite:
		store, err = sqlite.Open(cfg.Path, sqlite.DefaultConfig())
	case config.BackendRedis:
		store, err = redis.Open(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.BackendBadger:
		store, err = badger.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	logger.Info("Store opened", "backend", cfg.Backend, "instrumented", cfg.Instrument)
	if cfg.Instrument {
		return storage.NewInstrumentedStore(store, cfg.Backend), nil
	}
	return store, nil
}
