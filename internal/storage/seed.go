package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"printerwatch/internal/model"
	"printerwatch/internal/normalize"
)

// LoadSeedFile reads a list of profiles from a yaml or json file. JSON is a
// subset of yaml so a single decoder covers both.
func LoadSeedFile(path string) ([]model.DeviceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profiles []model.DeviceProfile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return profiles, nil
}

// Provision writes a profile keyed by its canonical id. With overwrite false
// an existing profile is left untouched and Provision reports false.
func Provision(ctx context.Context, store ProfileStore, p model.DeviceProfile, overwrite bool) (bool, error) {
	p.PrinterID = normalize.CanonicalID(p.PrinterID)
	if err := ValidateProfile(p); err != nil {
		return false, err
	}
	if !overwrite {
		_, err := store.Get(ctx, p.PrinterID)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}
	if err := store.Put(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

// Seed provisions every profile in the file that the store does not hold yet.
func Seed(ctx context.Context, store ProfileStore, path string) (int, error) {
	profiles, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, p := range profiles {
		ok, err := Provision(ctx, store, p, false)
		if err != nil {
			return created, fmt.Errorf("seed %q: %w", p.PrinterID, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
