package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSource opens the SQLite source database with the pragmas the capture
// path depends on. WAL keeps readers (the audit poller) from blocking the
// writer; the busy timeout covers checkpoint contention.
func OpenSource(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(path, ":memory:") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	source, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}

	if !strings.Contains(path, ":memory:") {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := source.Exec(pragma); err != nil {
				source.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	return source, nil
}

// OpenSourceReadOnly opens a second, small connection pool (at most two
// connections) on the source, separate from the pool OpenSource returns.
// The DSN does not put the connection in read-only mode.
func OpenSourceReadOnly(path string) (*sql.DB, error) {
	dsn := path
	if !strings.Contains(path, ":memory:") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL&_busy_timeout=5000"
	}

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database for reading: %w", err)
	}
	reader.SetMaxOpenConns(2)
	return reader, nil
}

// JournalMode reports the journal mode the database is actually running in
func JournalMode(source *sql.DB) (string, error) {
	var mode string
	if err := source.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return strings.ToUpper(mode), nil
}
