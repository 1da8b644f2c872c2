// Package db opens the SQL connections behind the durable store and
// splits them into a writer and a reader pool.
package db

import "github.com/jmoiron/sqlx"

// Pool is the store's pair of connection pools. Turn commits, queue
// writes, and lock updates go through Writer; metadata and history
// reads go through Reader.
//
// On SQLite the writer is a single connection, so every commit
// serializes, and the reader pool runs on WAL snapshots beside it. On
// PostgreSQL both sides are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool pairs a writer and a reader connection.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the pool for mutations and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the pool for queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools. Safe when both sides share one *sqlx.DB.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
