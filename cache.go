package pipedrive

import (
	"bytes"
	"container/list"
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheMaxSize = 1000
)

// Cache stores raw response bodies keyed by request fingerprint.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns (value, true, nil) on a fresh hit. Expired entries are
	// removed and reported as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value; ttl <= 0 selects the implementation default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	// InvalidatePattern removes every key matched by pattern and reports how many went.
	InvalidatePattern(ctx context.Context, pattern *regexp.Regexp) (int, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
}

// CacheOptions controls read-through caching for a single GET.
type CacheOptions struct {
	Enabled bool
	TTL     time.Duration
}

// CacheStats is the observability snapshot of the response cache.
type CacheStats struct {
	Size int
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a bounded TTL cache with insertion-order eviction: at
// capacity the oldest inserted entry goes, reads never promote. Expired
// entries are pruned only when read, so they keep counting towards Size and
// maxSize until read, evicted or cleared.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	defaultTTL time.Duration
	maxSize    int
	now        func() time.Time
}

// NewMemoryCache creates a cache; zero values select 5m and 1000 entries.
func NewMemoryCache(defaultTTL time.Duration, maxSize int) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = defaultCacheMaxSize
	}
	return &MemoryCache{
		entries:    make(map[string]*list.Element, maxSize),
		order:      list.New(),
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
		now:        time.Now,
	}
}

// Get returns a copy of the stored value. An expired entry is removed and
// reported as a miss.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*cacheEntry)
	if !c.now().Before(entry.expiresAt) {
		c.removeElement(elem)
		return nil, false, nil
	}
	return bytes.Clone(entry.value), true, nil
}

// Has reports whether Get would hit.
func (c *MemoryCache) Has(ctx context.Context, key string) bool {
	_, ok, _ := c.Get(ctx, key)
	return ok
}

// Set stores a copy of value. Overwriting keeps the key's insertion
// position; a new key at capacity evicts the oldest inserted entry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	value = bytes.Clone(value)
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	for c.order.Len() >= c.maxSize {
		c.removeElement(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
	return nil
}

// Invalidate removes key if present.
func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeElement(elem)
	}
	return nil
}

// InvalidatePattern removes every key pattern matches and returns how many
// went.
func (c *MemoryCache) InvalidatePattern(_ context.Context, pattern *regexp.Regexp) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if pattern.MatchString(elem.Value.(*cacheEntry).key) {
			c.removeElement(elem)
			removed++
		}
		elem = next
	}
	return removed, nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*list.Element, c.maxSize)
	c.order.Init()
	return nil
}

// Size counts stored entries, expired ones not yet read included.
func (c *MemoryCache) Size(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len(), nil
}

// Keys returns the stored keys oldest first, expired ones included.
func (c *MemoryCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cacheEntry).key)
	}
	return keys
}

// caller holds c.mu
func (c *MemoryCache) removeElement(elem *list.Element) {
	entry := c.order.Remove(elem).(*cacheEntry)
	delete(c.entries, entry.key)
}

// CacheKey builds the fingerprint of a request: METHOD:endpoint?sorted-query.
func CacheKey(method, endpoint string, query url.Values) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(':')
	b.WriteString(normalizeEndpoint(endpoint))
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}
	return b.String()
}

// ResourcePattern matches every cached GET of the resource family the
// endpoint belongs to, derived from its first path segment. /deals/5 yields
// ^GET:/deals, which also catches siblings sharing the prefix.
func ResourcePattern(endpoint string) *regexp.Regexp {
	return regexp.MustCompile("^GET:/" + regexp.QuoteMeta(resourceFamily(endpoint)))
}

func resourceFamily(endpoint string) string {
	trimmed := strings.TrimPrefix(normalizeEndpoint(endpoint), "/")
	if i := strings.IndexAny(trimmed, "/?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func normalizeEndpoint(endpoint string) string {
	if !strings.HasPrefix(endpoint, "/") {
		return "/" + endpoint
	}
	return endpoint
}
