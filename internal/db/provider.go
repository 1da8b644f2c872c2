package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/db/dialect"
)

// Provide opens the connection pool selected by the database config.
// Callers with Driver "memory" should not call Provide; the in-memory
// store needs no pool.
func Provide(cfg *config.DatabaseConfig, log *logger.Logger) (*Pool, func(), error) {
	log = log.WithFields(zap.String("component", "db"))

	switch cfg.Driver {
	case "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		pool := NewPool(
			sqlx.NewDb(writer, dialect.SQLite3),
			sqlx.NewDb(reader, dialect.SQLite3),
		)
		log.Info("Opened SQLite store", zap.String("path", cfg.Path))
		return pool, func() { _ = pool.Close() }, nil

	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		sdb := sqlx.NewDb(conn, dialect.PGX)
		pool := NewPool(sdb, sdb)
		log.Info("Connected to PostgreSQL store", zap.String("host", cfg.Host), zap.String("db", cfg.DBName))
		return pool, func() { _ = pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
