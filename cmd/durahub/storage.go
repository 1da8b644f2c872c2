package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/db"
	"github.com/durahub/durahub/internal/store"
	"github.com/durahub/durahub/internal/store/memstore"
	"github.com/durahub/durahub/internal/store/sqlstore"
)

// provideStore builds the configured durable store. The memory driver
// loses everything on restart and exists for development and tests.
func provideStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.Database.Driver {
	case "memory":
		st := memstore.NewMemoryStore(log)
		return st, func() { _ = st.Close() }, nil

	case "sqlite", "postgres":
		pool, poolCleanup, err := db.Provide(&cfg.Database, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		st, err := sqlstore.NewSQLStore(ctx, pool, log)
		if err != nil {
			poolCleanup()
			return nil, nil, fmt.Errorf("initialize store schema: %w", err)
		}
		cleanup := func() {
			if err := st.Close(); err != nil {
				log.Error("Store close error", zap.Error(err))
			}
			poolCleanup()
		}
		return st, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
