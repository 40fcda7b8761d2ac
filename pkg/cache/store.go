package cache

import "time"

// entryStore is the canonical id to entry mapping. It carries no lock of its
// own: every method must run under the owning Cache's mutex, which also
// covers the region index so the two can never reference each other's
// deleted records.
type entryStore struct {
	entries map[string]*CacheEntry
}

func newEntryStore() *entryStore {
	return &entryStore{
		entries: make(map[string]*CacheEntry),
	}
}

func (s *entryStore) put(e *CacheEntry) {
	s.entries[e.ID] = e
}

func (s *entryStore) get(id string) (*CacheEntry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

func (s *entryStore) delete(id string) {
	delete(s.entries, id)
}

func (s *entryStore) len() int {
	return len(s.entries)
}

// touch records a successful read: bumps the access count, refreshes the
// last-access timestamp and adds the small popularity boost
func (s *entryStore) touch(id string, now time.Time) (*CacheEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	e.PopularityScore += touchPopularityBoost
	return e, true
}
