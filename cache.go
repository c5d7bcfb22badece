package pumped

import (
	"time"

	"github.com/patrickmn/go-cache"
)

type CacheKey = string

// TypeSafeCache is an expiring cache with typed values
type TypeSafeCache[T any] struct {
	data *cache.Cache
}

// NewTypeSafeCache creates a cache whose entries expire after ttl. A ttl of zero
// keeps entries until they are deleted.
func NewTypeSafeCache[T any](ttl time.Duration) *TypeSafeCache[T] {
	expiration := ttl
	cleanup := ttl * 2
	if ttl <= 0 {
		expiration = cache.NoExpiration
		cleanup = 0
	}
	return &TypeSafeCache[T]{
		data: cache.New(expiration, cleanup),
	}
}

func (c *TypeSafeCache[T]) Load(key CacheKey) (T, bool) {
	value, ok := c.data.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	return value.(T), true
}

func (c *TypeSafeCache[T]) Store(key CacheKey, value T) {
	c.data.SetDefault(key, value)
}

func (c *TypeSafeCache[T]) Delete(key CacheKey) {
	c.data.Delete(key)
}

func (c *TypeSafeCache[T]) Range(fn func(key CacheKey, value T) bool) {
	for key, item := range c.data.Items() {
		if !fn(key, item.Object.(T)) {
			return
		}
	}
}

func (c *TypeSafeCache[T]) Size() int {
	return c.data.ItemCount()
}

func (c *TypeSafeCache[T]) Clear() {
	c.data.Flush()
}
