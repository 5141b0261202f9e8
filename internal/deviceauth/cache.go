package deviceauth

import (
	"sync"
	"time"
)

// TokenCache holds plaintext CLI tokens between approval and the first
// successful poll. Pop is get-and-delete: at most one caller ever observes
// a given entry. The interface exists so multi-instance deployments can
// back it with a shared store that supports an atomic pop.
type TokenCache interface {
	Put(key, token string, ttl time.Duration)
	Pop(key string) (string, bool)
}

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryTokenCache is the process-local TokenCache used in single-instance
// deployments and tests. Entries are evicted lazily on access and swept on
// every Put.
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryTokenCache) Put(key, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{token: token, expiresAt: now.Add(ttl)}
}

func (c *MemoryTokenCache) Pop(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	delete(c.entries, key)
	if c.now().After(e.expiresAt) {
		return "", false
	}
	return e.token, true
}
