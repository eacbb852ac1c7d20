package events

import (
	"sync"
	"time"

	"printerwatch/internal/model"
)

// Store is a bounded ring of recently fired events, newest last.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Event
	limit int
	total uint64
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

// List returns up to limit of the most recent events, oldest first. A
// non-positive limit returns everything held.
func (s *Store) List(limit int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Event, 0, limit)
	out = append(out, s.buf[len(s.buf)-limit:]...)
	return out
}

func (s *Store) Since(ts time.Time) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Event, 0)
	for _, ev := range s.buf {
		if !ev.FiredAt.Before(ts) {
			out = append(out, ev)
		}
	}
	return out
}

// Total counts every event ever added, including ones rotated out.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
