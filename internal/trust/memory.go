package trust

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/provider-validation/internal/model"
)

// MemoryStore is an in-process Store. Updates to the same key are
// serialized by a per-key mutex; different keys proceed in parallel.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[model.TrustKey]model.TrustEntry

	locksMu sync.Mutex
	locks   map[model.TrustKey]*sync.Mutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[model.TrustKey]model.TrustEntry),
		locks:   make(map[model.TrustKey]*sync.Mutex),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) keyLock(key model.TrustKey) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// GetTrust returns the entry for key, or nil when absent.
func (s *MemoryStore) GetTrust(_ context.Context, key model.TrustKey) (*model.TrustEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// PutTrust overwrites the entry for entry's key.
func (s *MemoryStore) PutTrust(_ context.Context, entry model.TrustEntry) error {
	l := s.keyLock(entry.Key())
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	s.entries[entry.Key()] = entry
	s.mu.Unlock()
	return nil
}

// ListTrust returns all entries ordered by source then field.
func (s *MemoryStore) ListTrust(_ context.Context) ([]model.TrustEntry, error) {
	s.mu.RLock()
	out := make([]model.TrustEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// UpdateTrust applies fn to the current entry under the key's lock.
func (s *MemoryStore) UpdateTrust(_ context.Context, key model.TrustKey, fn func(cur *model.TrustEntry) model.TrustEntry) (model.TrustEntry, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.entries[key]
	s.mu.RUnlock()

	var next model.TrustEntry
	if ok {
		next = fn(&cur)
	} else {
		next = fn(nil)
	}
	next.Source, next.Field = key.Source, key.Field

	s.mu.Lock()
	s.entries[key] = next
	s.mu.Unlock()
	return next, nil
}
