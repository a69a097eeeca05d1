// Package cache memoizes provider replies keyed by normalized query
// text, with a bounded lifetime enforced by the durable store's TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/cody/internal/metrics"
	"github.com/mohammad-safakhou/cody/internal/store"
)

const keyPrefix = "cache:"

// Cache is a response cache over the durable store.
type Cache struct {
	store  store.Store
	ttl    time.Duration
	logger *log.Logger
}

// New creates a cache whose entries live for ttl unless re-stored.
func New(st store.Store, ttl time.Duration) *Cache {
	return &Cache{
		store:  st,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}
}

// Lookup returns the cached reply for a query, if present and unexpired.
// Store errors degrade to a miss.
func (c *Cache) Lookup(ctx context.Context, query string) (string, bool) {
	val, err := c.store.Get(ctx, cacheKey(query))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Printf("lookup failed, treating as miss: %v", err)
		}
		metrics.CacheMisses.Inc()
		return "", false
	}
	metrics.CacheHits.Inc()
	return string(val), true
}

// Store saves a reply for a query, overwriting any prior entry and
// re-arming its expiry. Write errors are logged and dropped.
func (c *Cache) Store(ctx context.Context, query, reply string) {
	if err := c.store.Set(ctx, cacheKey(query), []byte(reply), c.ttl); err != nil {
		c.logger.Printf("store failed, dropping entry: %v", err)
	}
}

// cacheKey normalizes the query (trim, case-fold, collapse whitespace)
// and hashes it so equivalent phrasings share one entry.
func cacheKey(query string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(normalized))
	return keyPrefix + hex.EncodeToString(sum[:])
}
