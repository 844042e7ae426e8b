// Package expirationcache provides a TTL-aware in-memory cache on top of an
// LRU, used for resolved payment descriptors and validation results.
package expirationcache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultCleanUpInterval = 10 * time.Second
	defaultSize            = 10_000
)

type element[T any] struct {
	val            *T
	expiresEpochMs int64
}

// ExpiringLRUCache is an LRU cache whose entries carry an expiry timestamp.
// Expired entries are invisible to Get and removed by a periodic cleanup.
type ExpiringLRUCache[T any] struct {
	cleanUpInterval time.Duration
	lru             *lru.Cache
}

type CacheOption[T any] func(c *ExpiringLRUCache[T])

func WithCleanUpInterval[T any](d time.Duration) CacheOption[T] {
	return func(c *ExpiringLRUCache[T]) {
		c.cleanUpInterval = d
	}
}

func WithMaxSize[T any](size uint) CacheOption[T] {
	return func(c *ExpiringLRUCache[T]) {
		if size > 0 {
			l, _ := lru.New(int(size))
			c.lru = l
		}
	}
}

// NewCache creates a cache whose cleanup goroutine stops when ctx is done.
func NewCache[T any](ctx context.Context, options ...CacheOption[T]) *ExpiringLRUCache[T] {
	l, _ := lru.New(defaultSize)
	c := &ExpiringLRUCache[T]{
		cleanUpInterval: defaultCleanUpInterval,
		lru:             l,
	}

	for _, opt := range options {
		opt(c)
	}

	go periodicCleanup(ctx, c)

	return c
}

func periodicCleanup[T any](ctx context.Context, c *ExpiringLRUCache[T]) {
	ticker := time.NewTicker(c.cleanUpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanUp()
		case <-ctx.Done():
			return
		}
	}
}

func (e *ExpiringLRUCache[T]) cleanUp() {
	for _, k := range e.lru.Keys() {
		if v, ok := e.lru.Peek(k); ok {
			if isExpired(v.(*element[T])) {
				e.lru.Remove(k)
			}
		}
	}
}

// Put stores val under key for ttl. A non-positive ttl means the entry is
// already expired and is not stored.
func (e *ExpiringLRUCache[T]) Put(key string, val *T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	e.lru.Add(key, &element[T]{
		val:            val,
		expiresEpochMs: time.Now().UnixMilli() + ttl.Milliseconds(),
	})
}

// Get returns the value and its remaining TTL, or nil if absent or expired.
func (e *ExpiringLRUCache[T]) Get(key string) (*T, time.Duration) {
	el, found := e.lru.Get(key)
	if !found {
		return nil, 0
	}

	entry := el.(*element[T])
	if isExpired(entry) {
		e.lru.Remove(key)

		return nil, 0
	}

	ttl := time.Until(time.UnixMilli(entry.expiresEpochMs))

	return entry.val, ttl
}

// Remove evicts a single key.
func (e *ExpiringLRUCache[T]) Remove(key string) {
	e.lru.Remove(key)
}

// Clear evicts all entries.
func (e *ExpiringLRUCache[T]) Clear() {
	e.lru.Purge()
}

// TotalCount returns the number of entries, including not yet cleaned up
// expired ones.
func (e *ExpiringLRUCache[T]) TotalCount() int {
	return e.lru.Len()
}

func isExpired[T any](el *element[T]) bool {
	return el.expiresEpochMs > 0 && time.Now().UnixMilli() > el.expiresEpochMs
}
