// Package snapshot holds the merged best-known parameter values for one
// device session. Writes are last-write-wins per key, from whichever
// source supplied the value most recently.
package snapshot

import (
	"sync"
	"time"
)

// Source identifies which transport supplied a value.
type Source string

const (
	// SourceLive marks values received over the persistent connection.
	SourceLive Source = "live"
	// SourceFallback marks values fetched by the fallback poller.
	SourceFallback Source = "fallback"
)

// Entry is one parameter's latest known value.
type Entry struct {
	Value     string
	Source    Source
	UpdatedAt time.Time
}

// Store is a thread-safe parameter snapshot. The zero value is not
// usable; construct with NewStore.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	lastUpdate map[Source]time.Time
	applied    int64
	duplicates int64
	now        func() time.Time
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		entries:    make(map[string]Entry),
		lastUpdate: make(map[Source]time.Time),
		now:        time.Now,
	}
}

// Apply records a value for key from the given source and reports whether
// the stored value changed. Re-applying an identical value refreshes the
// entry's timestamp but reports no change, so duplicate device replies do
// not fan out as notifications.
func (s *Store) Apply(source Source, key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.lastUpdate[source] = now

	prev, exists := s.entries[key]
	s.entries[key] = Entry{Value: value, Source: source, UpdatedAt: now}

	if exists && prev.Value == value {
		s.duplicates++
		return false
	}
	s.applied++
	return true
}

// ApplyAll applies a batch of values from one source and returns the keys
// whose values changed.
func (s *Store) ApplyAll(source Source, values map[string]string) []string {
	changed := make([]string, 0, len(values))
	for key, value := range values {
		if s.Apply(source, key, value) {
			changed = append(changed, key)
		}
	}
	return changed
}

// Get returns the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok
}

// Values returns a copy of the current key→value view.
func (s *Store) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make(map[string]string, len(s.entries))
	for key, entry := range s.entries {
		values[key] = entry.Value
	}
	return values
}

// Len returns the number of known keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LastUpdate returns when the given source last supplied any value. The
// zero time means the source has never produced data.
func (s *Store) LastUpdate(source Source) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate[source]
}

// Counters returns cumulative applied and duplicate update counts.
func (s *Store) Counters() (applied, duplicates int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied, s.duplicates
}
