package cache

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries bounds each family's in-memory LRU.
const DefaultMaxEntries = 4096

// tagRef locates one cached entry from a tag.
type tagRef struct {
	family Family
	key    string
}

// MemoryCache is the in-process cache backend: one expirable LRU per family
// plus a tag→keys map. It is the default when no redis URL is configured and
// the degradation target when redis is down at startup.
type MemoryCache struct {
	mu       sync.Mutex
	families map[Family]*expirable.LRU[string, []byte]
	tags     map[string]map[tagRef]struct{}
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a memory cache with the given per-family TTLs and
// per-family entry bound. maxEntries <= 0 selects DefaultMaxEntries.
func NewMemoryCache(ttls TTLs, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	families := make(map[Family]*expirable.LRU[string, []byte], 3)
	for _, f := range []Family{FamilyVectorHits, FamilyRerankScore, FamilyAnswer} {
		families[f] = expirable.NewLRU[string, []byte](maxEntries, nil, ttls.For(f))
	}
	return &MemoryCache{
		families: families,
		tags:     make(map[string]map[tagRef]struct{}),
	}
}

// Get returns the cached value if present and unexpired.
func (m *MemoryCache) Get(_ context.Context, family Family, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lru, ok := m.families[family]
	if !ok {
		return nil, false
	}
	return lru.Get(key)
}

// Set stores the value and records the key under each tag.
func (m *MemoryCache) Set(_ context.Context, family Family, key string, value []byte, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lru, ok := m.families[family]
	if !ok {
		return
	}
	lru.Add(key, value)

	for _, tag := range tags {
		refs, ok := m.tags[tag]
		if !ok {
			refs = make(map[tagRef]struct{})
			m.tags[tag] = refs
		}
		refs[tagRef{family: family, key: key}] = struct{}{}
	}
}

// InvalidateTag removes every entry recorded under the tag. Entries already
// evicted by the LRU leave stale refs behind; removing a missing key is a
// no-op, so those are harmless.
func (m *MemoryCache) InvalidateTag(_ context.Context, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs, ok := m.tags[tag]
	if !ok {
		return
	}
	for ref := range refs {
		if lru, ok := m.families[ref.family]; ok {
			lru.Remove(ref.key)
		}
	}
	delete(m.tags, tag)
}

// Close purges all families.
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lru := range m.families {
		lru.Purge()
	}
	m.tags = make(map[string]map[tagRef]struct{})
	return nil
}

// Len reports the number of live entries in a family. Test helper.
func (m *MemoryCache) Len(family Family) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	lru, ok := m.families[family]
	if !ok {
		return 0
	}
	return lru.Len()
}
