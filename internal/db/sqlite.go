// Package db keeps the room ledger and operator alerts in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ledgerPragmas are applied by the driver on every new connection.
var ledgerPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// store is the single-writer SQLite handle behind a Ledger. Writes and
// transactions are serialized; reads go straight to the pool.
type store struct {
	writeMu sync.Mutex
	sql     *sql.DB
}

func ledgerDSN(path string) string {
	q := url.Values{}
	for _, p := range ledgerPragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

func openStore(path string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", ledgerDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, errors.Join(fmt.Errorf("ledger %s unreachable: %w", path, err), conn.Close())
	}

	log.Info().Str("path", path).Msg("room ledger opened")
	return &store{sql: conn}, nil
}

func (s *store) Close() error { return s.sql.Close() }

func (s *store) Exec(query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sql.Exec(query, args...)
}

func (s *store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.sql.Query(query, args...)
}

// Transaction commits fn's work, or rolls it back when fn fails.
func (s *store) Transaction(fn func(tx *sql.Tx) error) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
