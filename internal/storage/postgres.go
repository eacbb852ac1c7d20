package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (ProfileStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/printerwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, driver: "postgres", numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS printer_profiles (
			id BIGSERIAL PRIMARY KEY,
			printer_id TEXT NOT NULL UNIQUE,
			lower_threshold DOUBLE PRECISION NOT NULL,
			upper_threshold DOUBLE PRECISION NOT NULL,
			window_size INTEGER NOT NULL CHECK (window_size > 0),
			out_of_bounds_count INTEGER NOT NULL DEFAULT 0 CHECK (out_of_bounds_count >= 0),
			event_count INTEGER NOT NULL DEFAULT 0 CHECK (event_count >= 0),
			updated_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
