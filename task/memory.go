// ABOUTME: In-memory task store used when no persistence is configured.
// ABOUTME: Keeps records in a map with creation order tracked for listing.

package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps task records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seq     map[string]uint64 // creation order tiebreaker
	nextSeq uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		seq:     make(map[string]uint64),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("task %s already exists", rec.ID)
	}
	s.nextSeq++
	s.records[rec.ID] = rec
	s.seq[rec.ID] = s.nextSeq
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

// List implements Store. Records come back newest first.
func (s *MemoryStore) List(_ context.Context, offset, limit int) ([]Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.seq[ids[i]] > s.seq[ids[j]]
	})
	total := len(ids)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, s.records[id])
	}
	return out, total, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.seq, id)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
