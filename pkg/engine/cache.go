package engine

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/types"
)

// cacheEntry is one read-cache slot. source records whether the value
// came from the buffer (write-through) or a shard read; deleted marks a
// buffered delete so reads miss without hitting the shard.
type cacheEntry struct {
	doc     *types.Document
	source  string
	deleted bool
}

// readCache is a bounded TTL cache over (collection, id). Eviction and
// expiry are handled by the LRU; the engine only ever sees fresh
// entries.
type readCache struct {
	lru *expirable.LRU[string, *cacheEntry]
}

func newReadCache(size int, ttl time.Duration) *readCache {
	return &readCache{
		lru: expirable.NewLRU[string, *cacheEntry](size, nil, ttl),
	}
}

func cacheKey(collection, id string) string {
	return collection + "\x00" + id
}

// put is the write-through path from accept.
func (c *readCache) put(collection, id string, rec *types.BufferedWrite) {
	entry := &cacheEntry{source: "buffered"}
	if rec.Op == types.WriteDelete || rec.Deleted {
		entry.deleted = true
	} else {
		entry.doc = &types.Document{
			ID:        rec.ID,
			Data:      rec.Value,
			Version:   rec.Version,
			UpdatedAt: time.UnixMilli(rec.Timestamp),
		}
	}
	c.lru.Add(cacheKey(collection, id), entry)
}

// fill is the read-through path from a shard hit.
func (c *readCache) fill(collection, id string, doc *types.Document) {
	c.lru.Add(cacheKey(collection, id), &cacheEntry{doc: doc, source: "store"})
}

func (c *readCache) get(collection, id string) (doc *types.Document, ok, deleted bool) {
	entry, ok := c.lru.Get(cacheKey(collection, id))
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false, false
	}
	metrics.CacheHits.Inc()
	return entry.doc, true, entry.deleted
}

func (c *readCache) remove(collection, id string) {
	c.lru.Remove(cacheKey(collection, id))
}

func (c *readCache) len() int {
	return c.lru.Len()
}
