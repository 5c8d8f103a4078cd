package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/snapshot"
)

// ---------------------------------------------------------------------------
// MockTrackerStore
// ---------------------------------------------------------------------------

// MockTrackerStore is an in-memory TrackerStore for testing. Transactions are
// ignored; writes apply immediately.
type MockTrackerStore struct {
	mu      sync.Mutex
	records map[string][]MigrationRecord
}

// NewMockTrackerStore creates a new MockTrackerStore.
func NewMockTrackerStore() *MockTrackerStore {
	return &MockTrackerStore{records: make(map[string][]MigrationRecord)}
}

func (s *MockTrackerStore) Latest(_ context.Context, ownerKey string) (*MigrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[ownerKey]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	cp := recs[len(recs)-1]
	return &cp, nil
}

func (s *MockTrackerStore) Record(_ context.Context, _ db.Tx, ownerKey, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[ownerKey] = append(s.records[ownerKey], MigrationRecord{
		ID:        uuid.New(),
		OwnerKey:  ownerKey,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MockTrackerStore) Reset(_ context.Context, _ db.Tx, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, ownerKey)
	return nil
}

// ---------------------------------------------------------------------------
// MockJournalStore
// ---------------------------------------------------------------------------

// MockJournalStore is an in-memory JournalStore for testing.
type MockJournalStore struct {
	mu      sync.Mutex
	entries map[string][]JournalEntry
}

// NewMockJournalStore creates a new MockJournalStore.
func NewMockJournalStore() *MockJournalStore {
	return &MockJournalStore{entries: make(map[string][]JournalEntry)}
}

func (s *MockJournalStore) NextIdx(_ context.Context, _ db.Tx, ownerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, e := range s.entries[ownerKey] {
		if e.Idx >= next {
			next = e.Idx + 1
		}
	}
	return next, nil
}

func (s *MockJournalStore) Append(_ context.Context, _ db.Tx, ownerKey string, idx int, tag string, breakpoint bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ownerKey] = append(s.entries[ownerKey], JournalEntry{
		OwnerKey:   ownerKey,
		Idx:        idx,
		Tag:        tag,
		Breakpoint: breakpoint,
		AppliedAt:  time.Now().UTC(),
	})
	return nil
}

func (s *MockJournalStore) Entries(_ context.Context, ownerKey string) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]JournalEntry(nil), s.entries[ownerKey]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (s *MockJournalStore) Reset(_ context.Context, _ db.Tx, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ownerKey)
	return nil
}

// ---------------------------------------------------------------------------
// MockSnapshotStore
// ---------------------------------------------------------------------------

// MockSnapshotStore is an in-memory SnapshotStore for testing.
type MockSnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]map[int]*snapshot.Snapshot
}

// NewMockSnapshotStore creates a new MockSnapshotStore.
func NewMockSnapshotStore() *MockSnapshotStore {
	return &MockSnapshotStore{snaps: make(map[string]map[int]*snapshot.Snapshot)}
}

func (s *MockSnapshotStore) Save(_ context.Context, _ db.Tx, ownerKey string, idx int, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snaps[ownerKey] == nil {
		s.snaps[ownerKey] = make(map[int]*snapshot.Snapshot)
	}
	s.snaps[ownerKey][idx] = snap
	return nil
}

func (s *MockSnapshotStore) Latest(_ context.Context, ownerKey string) (*snapshot.Snapshot, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIdx := s.snaps[ownerKey]
	if len(byIdx) == 0 {
		return nil, 0, ErrNotFound
	}
	best := -1
	for idx := range byIdx {
		if idx > best {
			best = idx
		}
	}
	return byIdx[best], best, nil
}

func (s *MockSnapshotStore) All(_ context.Context, ownerKey string) ([]*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIdx := s.snaps[ownerKey]
	idxs := make([]int, 0, len(byIdx))
	for idx := range byIdx {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	out := make([]*snapshot.Snapshot, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, byIdx[idx])
	}
	return out, nil
}

func (s *MockSnapshotStore) Count(_ context.Context, ownerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps[ownerKey]), nil
}

func (s *MockSnapshotStore) Reset(_ context.Context, _ db.Tx, ownerKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, ownerKey)
	return nil
}

// NewMockStore bundles the three mocks into a Store value for tests.
func NewMockStore() *Store {
	return &Store{
		Tracker:   NewMockTrackerStore(),
		Journal:   NewMockJournalStore(),
		Snapshots: NewMockSnapshotStore(),
	}
}
