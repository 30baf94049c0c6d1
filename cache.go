package marketsync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CacheEntry is a snapshot of one kind's cached collection.
type CacheEntry struct {
	Kind      ResourceKind
	Data      []Resource
	FetchedAt time.Time
	TTL       time.Duration
	Page      int
	HasMore   bool
}

// IsFresh reports whether the entry was fetched less than TTL before now.
// An entry that was never fetched is always stale.
func (e CacheEntry) IsFresh(now time.Time) bool {
	if e.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.FetchedAt) < e.TTL
}

type cacheSlot struct {
	mu        sync.Mutex
	data      []Resource
	fetchedAt time.Time
	ttl       time.Duration
	page      int
	hasMore   bool
}

func (s *cacheSlot) snapshot(kind ResourceKind) CacheEntry {
	return CacheEntry{
		Kind:      kind,
		Data:      append([]Resource(nil), s.data...),
		FetchedAt: s.fetchedAt,
		TTL:       s.ttl,
		Page:      s.page,
		HasMore:   s.hasMore,
	}
}

// Store holds the latest fetched collection per resource kind. Each kind
// has its own lock; the store itself does no I/O.
type Store struct {
	clock clockwork.Clock

	mu    sync.Mutex
	slots map[ResourceKind]*cacheSlot
	ttls  map[ResourceKind]time.Duration
}

// NewStore creates an empty store. ttls overrides DefaultTTLs per kind; a
// nil clock means the wall clock.
func NewStore(clock clockwork.Clock, ttls map[ResourceKind]time.Duration) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	merged := make(map[ResourceKind]time.Duration, len(DefaultTTLs)+len(ttls))
	for k, v := range DefaultTTLs {
		merged[k] = v
	}
	for k, v := range ttls {
		if v > 0 {
			merged[k] = v
		}
	}
	return &Store{
		clock: clock,
		slots: make(map[ResourceKind]*cacheSlot),
		ttls:  merged,
	}
}

func (s *Store) slot(kind ResourceKind) *cacheSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[kind]
	if !ok {
		ttl, ok := s.ttls[kind]
		if !ok {
			ttl = fallbackTTL
		}
		sl = &cacheSlot{ttl: ttl}
		s.slots[kind] = sl
	}
	return sl
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Get returns a copy of the entry for kind. It never fails: a kind that was
// never fetched yields an empty, stale entry.
func (s *Store) Get(kind ResourceKind) CacheEntry {
	sl := s.slot(kind)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.snapshot(kind)
}

// IsFresh is shorthand for Get(kind).IsFresh(now).
func (s *Store) IsFresh(kind ResourceKind) bool {
	return s.Get(kind).IsFresh(s.clock.Now())
}

// Set replaces the collection for kind and stamps it as fetched now.
func (s *Store) Set(kind ResourceKind, data []Resource) {
	s.SetPage(kind, data, 1, false)
}

// SetPage stores one page of kind. Page 1 replaces the collection; later
// pages are appended, skipping members already present.
func (s *Store) SetPage(kind ResourceKind, data []Resource, page int, hasMore bool) {
	sl := s.slot(kind)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if page <= 1 {
		sl.data = append([]Resource(nil), data...)
		page = 1
	} else {
		seen := make(map[string]struct{}, len(sl.data))
		for _, r := range sl.data {
			seen[r.ResourceID()] = struct{}{}
		}
		for _, r := range data {
			if _, dup := seen[r.ResourceID()]; !dup {
				sl.data = append(sl.data, r)
			}
		}
	}
	sl.page = page
	sl.hasMore = hasMore
	sl.fetchedAt = s.clock.Now()
}

// Invalidate marks kind stale without dropping its data, so the last known
// collection can still render while a refetch is pending.
func (s *Store) Invalidate(kind ResourceKind) {
	sl := s.slot(kind)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.fetchedAt = time.Time{}
}

// InvalidateAll marks every known kind stale.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	kinds := make([]ResourceKind, 0, len(s.slots))
	for k := range s.slots {
		kinds = append(kinds, k)
	}
	s.mu.Unlock()
	for _, k := range kinds {
		s.Invalidate(k)
	}
}

// Patch applies updater to the member of kind whose id matches. It reports
// false when no member matched. FetchedAt is left alone.
func (s *Store) Patch(kind ResourceKind, id string, updater func(Resource) Resource) bool {
	sl := s.slot(kind)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for i, r := range sl.data {
		if r.ResourceID() == id {
			sl.data[i] = updater(r)
			return true
		}
	}
	return false
}

// Find returns the cached member of kind with the given id.
func (s *Store) Find(kind ResourceKind, id string) (Resource, bool) {
	sl := s.slot(kind)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, r := range sl.data {
		if r.ResourceID() == id {
			return r, true
		}
	}
	return nil, false
}

// SetTTL overrides the freshness window of kind.
func (s *Store) SetTTL(kind ResourceKind, ttl time.Duration) {
	s.mu.Lock()
	s.ttls[kind] = ttl
	sl, ok := s.slots[kind]
	s.mu.Unlock()
	if ok {
		sl.mu.Lock()
		sl.ttl = ttl
		sl.mu.Unlock()
	}
}
