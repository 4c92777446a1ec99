// Package store is the single-writer embedded relational store: one SQLite
// writer connection plus a separate read-only pool, so readers never contend
// with the writer and the writer never needs cross-process coordination.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/logging"
)

// Store wraps the writer/reader connection pair and every query this daemon
// runs. The reader pool is opened through sqlx so multi-column rows (task
// and repo listings) can be struct-scanned instead of hand-unpacked field by
// field; the single-connection writer stays plain database/sql since every
// write here is a targeted insert/update with no row-set to scan.
type Store struct {
	writer *sql.DB
	reader *sqlx.DB
	logger *logging.Logger
}

// Open opens (creating if necessary) the SQLite database at cfg.Path and
// runs the schema. The writer pool is capped at one connection by design
// (see internal/store/sqlite.go) — this is the only invariant that makes a
// single embedded file safe to share between concurrent goroutines.
func Open(cfg config.DatabaseConfig, log *logging.Logger) (*Store, error) {
	busyTimeout := time.Duration(cfg.BusyTimeout) * time.Millisecond
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	writer, err := openWriter(cfg.Path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if err := migrate(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("run schema migrations: %w", err)
	}

	reader, err := openReader(cfg.Path, busyTimeout, cfg.ReaderConns)
	if err != nil {
		writer.Close()
		return nil, err
	}

	return &Store{writer: writer, reader: reader, logger: log}, nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	readerErr := s.reader.Close()
	writerErr := s.writer.Close()
	if writerErr != nil {
		return writerErr
	}
	return readerErr
}
