package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printerwatch/internal/config"
	"printerwatch/internal/model"
)

func sampleProfile(id string) model.DeviceProfile {
	return model.DeviceProfile{
		PrinterID:  id,
		Thresholds: model.Thresholds{Lower: 10, Upper: 90},
		Window:     3,
	}
}

func newSQLiteForTest(t *testing.T) ProfileStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "profiles.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storesForTest(t *testing.T) map[string]ProfileStore {
	return map[string]ProfileStore{
		"memory": NewMemory(),
		"sqlite": newSQLiteForTest(t),
	}
}

func TestStoreGetMissing(t *testing.T) {
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "Nope")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorePutGetScanOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"P3", "P1", "P2"} {
				require.NoError(t, s.Put(ctx, sampleProfile(id)))
			}
			updated := sampleProfile("P1")
			updated.Window = 5
			require.NoError(t, s.Put(ctx, updated))

			got, err := s.Get(ctx, "P1")
			require.NoError(t, err)
			assert.Equal(t, 5, got.Window)
			assert.Equal(t, 10.0, got.Thresholds.Lower)

			all, err := s.Scan(ctx)
			require.NoError(t, err)
			ids := make([]string, 0, len(all))
			for _, p := range all {
				ids = append(ids, p.PrinterID)
			}
			assert.Equal(t, []string{"P3", "P1", "P2"}, ids)
		})
	}
}

func TestStoreScanEmpty(t *testing.T) {
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			all, err := s.Scan(context.Background())
			require.NoError(t, err)
			assert.NotNil(t, all)
			assert.Empty(t, all)
		})
	}
}

func TestStoreUpdateCountersCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, sampleProfile("P1")))

			err := s.UpdateCounters(ctx, "P1", model.Counters{}, model.Counters{OutOfBoundsCount: 1})
			require.NoError(t, err)

			// stale expectation loses
			err = s.UpdateCounters(ctx, "P1", model.Counters{}, model.Counters{OutOfBoundsCount: 1})
			require.ErrorIs(t, err, ErrConflict)

			err = s.UpdateCounters(ctx, "P1", model.Counters{OutOfBoundsCount: 1}, model.Counters{EventCount: 1})
			require.NoError(t, err)

			got, err := s.Get(ctx, "P1")
			require.NoError(t, err)
			assert.Equal(t, model.Counters{EventCount: 1}, got.Counters())

			err = s.UpdateCounters(ctx, "Missing", model.Counters{}, model.Counters{})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutRejectsInvalidProfile(t *testing.T) {
	for name, s := range storesForTest(t) {
		t.Run(name, func(t *testing.T) {
			bad := sampleProfile("P1")
			bad.Thresholds = model.Thresholds{Lower: 50, Upper: 40}
			require.Error(t, s.Put(context.Background(), bad))
			bad = sampleProfile("P1")
			bad.Window = 0
			require.Error(t, s.Put(context.Background(), bad))
		})
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	b := baseStore{numbered: true}
	assert.Equal(t, "a = $1 AND b = $2", b.rebind("a = ? AND b = ?"))
	b.numbered = false
	assert.Equal(t, "a = ?", b.rebind("a = ?"))
}

func TestSeedCanonicalisesAndSkipsExisting(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	seed := `
- PrinterId: printer01
  Thresholds: {Lower: 10, Upper: 90}
  Window: 3
- PrinterId: PRINTER02
  Thresholds: {Lower: 0, Upper: 50}
  Window: 1
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	s := NewMemory()
	existing := sampleProfile("Printer02")
	existing.EventCount = 7
	require.NoError(t, s.Put(ctx, existing))

	created, err := Seed(ctx, s, path)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	p1, err := s.Get(ctx, "Printer01")
	require.NoError(t, err)
	assert.Equal(t, 3, p1.Window)

	p2, err := s.Get(ctx, "Printer02")
	require.NoError(t, err)
	assert.Equal(t, 7, p2.EventCount, "existing profile must not be overwritten")
}

func TestSeedJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"PrinterId":"p9","Thresholds":{"Lower":1,"Upper":2},"Window":2}]`), 0o644))
	profiles, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "p9", profiles[0].PrinterID)
	assert.Equal(t, 2.0, profiles[0].Thresholds.Upper)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Driver())

	_, err = NewStore(config.StorageConfig{Driver: "dynamo"})
	require.Error(t, err)
}

func TestProfileFromHash(t *testing.T) {
	p, err := profileFromHash("P1", map[string]string{
		fieldLower:      "10",
		fieldUpper:      "90.5",
		fieldWindow:     "3",
		fieldEventCount: "4",
	})
	require.NoError(t, err)
	assert.Equal(t, 90.5, p.Thresholds.Upper)
	assert.Equal(t, 0, p.OutOfBoundsCount)
	assert.Equal(t, 4, p.EventCount)

	_, err = profileFromHash("P1", map[string]string{fieldLower: "x"})
	require.Error(t, err)
}
