package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (ProfileStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:printerwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	return &sqliteStore{baseStore{db: db, driver: "sqlite"}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS printer_profiles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			printer_id TEXT NOT NULL UNIQUE,
			lower_threshold REAL NOT NULL,
			upper_threshold REAL NOT NULL,
			window_size INTEGER NOT NULL,
			out_of_bounds_count INTEGER NOT NULL DEFAULT 0,
			event_count INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
