package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns sizes the read pool. WAL mode lets the
	// poll-based lock scans and metadata reads run beside the single
	// writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a SQLite-backed store. The pool is
// pinned to one connection: every commit, enqueue, and lock update runs
// on it in turn, which keeps SQLITE_BUSY out of the write path.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if err := touchSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite file: %w", err)
	}

	// WAL for reader concurrency, synchronous=NORMAL so a commit is an
	// fsync of the WAL, busy_timeout to ride out checkpoint pauses.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections serving history loads and queries from WAL snapshots.
// journal_mode and synchronous are database-level and belong to the
// writer's DSN.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		absSQLitePath(dbPath),
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

// touchSQLiteFile creates the database file and its directory so the
// read-only pool can open before the first write lands.
func touchSQLiteFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
