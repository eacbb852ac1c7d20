package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"printerwatch/internal/config"
	"printerwatch/internal/model"
)

var (
	ErrNotFound = errors.New("profile not found")
	// ErrConflict means the stored counters no longer match the expected
	// values; the caller should reload and recompute.
	ErrConflict = errors.New("profile counters changed concurrently")
)

// ProfileStore holds one record per printer. UpdateCounters is a
// compare-and-swap: it only writes next when the stored counters still equal
// expected.
type ProfileStore interface {
	Init(ctx context.Context) error
	Close() error
	Driver() string
	Get(ctx context.Context, id string) (model.DeviceProfile, error)
	UpdateCounters(ctx context.Context, id string, expected, next model.Counters) error
	Scan(ctx context.Context) ([]model.DeviceProfile, error)
	Put(ctx context.Context, profile model.DeviceProfile) error
}

func NewStore(cfg config.StorageConfig) (ProfileStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "redis":
		return NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// ValidateProfile checks the provisioning invariants the detector assumes.
func ValidateProfile(p model.DeviceProfile) error {
	switch {
	case p.PrinterID == "":
		return errors.New("printer id is required")
	case p.Thresholds.Lower > p.Thresholds.Upper:
		return fmt.Errorf("lower threshold %v exceeds upper threshold %v", p.Thresholds.Lower, p.Thresholds.Upper)
	case p.Window < 1:
		return fmt.Errorf("window must be >= 1, got %d", p.Window)
	case p.OutOfBoundsCount < 0 || p.EventCount < 0:
		return errors.New("counters must be non-negative")
	}
	return nil
}

// baseStore implements ProfileStore over database/sql. Queries are written
// with '?' placeholders and rebound for drivers that number them.
type baseStore struct {
	db       *sql.DB
	driver   string
	numbered bool
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Driver() string {
	return b.driver
}

func (b *baseStore) rebind(query string) string {
	if !b.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

const profileColumns = `printer_id, lower_threshold, upper_threshold, window_size, out_of_bounds_count, event_count`

func (b *baseStore) Get(ctx context.Context, id string) (model.DeviceProfile, error) {
	row := b.db.QueryRowContext(ctx,
		b.rebind(`SELECT `+profileColumns+` FROM printer_profiles WHERE printer_id = ?`), id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviceProfile{}, ErrNotFound
	}
	return p, err
}

func (b *baseStore) UpdateCounters(ctx context.Context, id string, expected, next model.Counters) error {
	res, err := b.db.ExecContext(ctx,
		b.rebind(`UPDATE printer_profiles
		SET out_of_bounds_count = ?, event_count = ?, updated_at = ?
		WHERE printer_id = ? AND out_of_bounds_count = ? AND event_count = ?`),
		next.OutOfBoundsCount,
		next.EventCount,
		nowUTC(),
		id,
		expected.OutOfBoundsCount,
		expected.EventCount,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = b.db.QueryRowContext(ctx, b.rebind(`SELECT 1 FROM printer_profiles WHERE printer_id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (b *baseStore) Scan(ctx context.Context) ([]model.DeviceProfile, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM printer_profiles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.DeviceProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *baseStore) Put(ctx context.Context, p model.DeviceProfile) error {
	if err := ValidateProfile(p); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		b.rebind(`INSERT INTO printer_profiles (`+profileColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (printer_id) DO UPDATE SET
			lower_threshold = excluded.lower_threshold,
			upper_threshold = excluded.upper_threshold,
			window_size = excluded.window_size,
			out_of_bounds_count = excluded.out_of_bounds_count,
			event_count = excluded.event_count,
			updated_at = excluded.updated_at`),
		p.PrinterID,
		p.Thresholds.Lower,
		p.Thresholds.Upper,
		p.Window,
		p.OutOfBoundsCount,
		p.EventCount,
		nowUTC(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (model.DeviceProfile, error) {
	var p model.DeviceProfile
	err := row.Scan(
		&p.PrinterID,
		&p.Thresholds.Lower,
		&p.Thresholds.Upper,
		&p.Window,
		&p.OutOfBoundsCount,
		&p.EventCount,
	)
	return p, err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
