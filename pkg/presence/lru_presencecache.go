package presence

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUPresenceCache is a size-bounded, in-memory PresenceCache. When full it
// evicts the least recently used entry, keeping memory flat no matter how many
// devices report.
type LRUPresenceCache[K comparable, V any] struct {
	cache *lru.Cache[K, V]
}

// NewLRUPresenceCache creates a cache holding at most maxSize entries.
func NewLRUPresenceCache[K comparable, V any](maxSize int) (*LRUPresenceCache[K, V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	c, err := lru.New[K, V](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRUPresenceCache[K, V]{cache: c}, nil
}

// Set stores a value for a key.
func (c *LRUPresenceCache[K, V]) Set(_ context.Context, key K, value V) error {
	c.cache.Add(key, value)
	return nil
}

// Fetch retrieves a value by its key.
func (c *LRUPresenceCache[K, V]) Fetch(_ context.Context, key K) (V, error) {
	value, ok := c.cache.Get(key)
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v' %w", key, ErrNotFound)
	}
	return value, nil
}

// Delete removes a key.
func (c *LRUPresenceCache[K, V]) Delete(_ context.Context, key K) error {
	c.cache.Remove(key)
	return nil
}

// Len returns the number of entries held.
func (c *LRUPresenceCache[K, V]) Len() int {
	return c.cache.Len()
}

// Close is a no-op for the in-memory implementation.
func (c *LRUPresenceCache[K, V]) Close() error {
	return nil
}
