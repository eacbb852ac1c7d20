package storage

import (
	"context"
	"sync"

	"printerwatch/internal/model"
)

// memoryStore keeps profiles in process. Scan returns them in first-insert
// order, which is what the listing's stable sort falls back on.
type memoryStore struct {
	mu    sync.RWMutex
	byID  map[string]model.DeviceProfile
	order []string
}

func NewMemory() ProfileStore {
	return &memoryStore{byID: make(map[string]model.DeviceProfile)}
}

func (s *memoryStore) Init(context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) Driver() string {
	return "memory"
}

func (s *memoryStore) Get(ctx context.Context, id string) (model.DeviceProfile, error) {
	if err := ctx.Err(); err != nil {
		return model.DeviceProfile{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return model.DeviceProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) UpdateCounters(ctx context.Context, id string, expected, next model.Counters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if p.Counters() != expected {
		return ErrConflict
	}
	p.OutOfBoundsCount = next.OutOfBoundsCount
	p.EventCount = next.EventCount
	s.byID[id] = p
	return nil
}

func (s *memoryStore) Scan(ctx context.Context) ([]model.DeviceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceProfile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, p model.DeviceProfile) error {
	if err := ValidateProfile(p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.PrinterID]; !ok {
		s.order = append(s.order, p.PrinterID)
	}
	s.byID[p.PrinterID] = p
	return nil
}
