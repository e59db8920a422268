package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	matches     map[string]MatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.matches = make(map[string]MatchRecord)
	return nil
}

func (s *MemoryStore) SaveMatch(_ context.Context, rec MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	if rec.ID == "" {
		return errors.New("match id is required")
	}
	s.matches[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) GetMatch(_ context.Context, id string) (MatchRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.matches[id]
	if !ok {
		return MatchRecord{}, false, nil
	}
	return clone(rec), true, nil
}

// ListMatches returns the newest records first. A limit of 0 returns all.
func (s *MemoryStore) ListMatches(_ context.Context, limit int) ([]MatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]MatchRecord, 0, len(s.matches))
	for _, rec := range s.matches {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func clone(rec MatchRecord) MatchRecord {
	rec.Patch = append(rec.Patch[:0:0], rec.Patch...)
	rec.Fitness = append(rec.Fitness[:0:0], rec.Fitness...)
	return rec
}
