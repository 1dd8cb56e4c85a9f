package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps records in process memory. It backs tests and the
// single-process local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Kind]map[string]Record
	index   map[Kind]map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		records: make(map[Kind]map[string]Record),
		index:   make(map[Kind]map[string]string),
	}
	for _, k := range Kinds {
		s.records[k] = make(map[string]Record)
		s.index[k] = make(map[string]string)
	}
	return s
}

func cloneRecord(r Record) Record {
	r.Data = slices.Clone(r.Data)
	r.CorrelationIDs = slices.Clone(r.CorrelationIDs)
	return r
}

// Save stores rec and re-indexes its correlation ids.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[rec.Kind][rec.ID]; ok {
		for _, id := range old.LookupIDs() {
			if s.index[rec.Kind][id] == rec.ID {
				delete(s.index[rec.Kind], id)
			}
		}
	}
	s.records[rec.Kind][rec.ID] = cloneRecord(rec)
	for _, id := range rec.LookupIDs() {
		s.index[rec.Kind][id] = rec.ID
	}
	return nil
}

// Get returns the record with the given id.
func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// GetByCorrelation returns the record answering to correlationID.
func (s *MemoryStore) GetByCorrelation(_ context.Context, kind Kind, correlationID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[kind][correlationID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := s.records[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Delete removes the record and its index entries.
func (s *MemoryStore) Delete(_ context.Context, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[kind][id]
	if !ok {
		return nil
	}
	for _, cid := range rec.LookupIDs() {
		if s.index[kind][cid] == id {
			delete(s.index[kind], cid)
		}
	}
	delete(s.records[kind], id)
	return nil
}

// List returns matching records ordered by id.
func (s *MemoryStore) List(_ context.Context, kind Kind, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records[kind]))
	for _, rec := range s.records[kind] {
		if filter.Match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	SortRecords(out)
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
