package store

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aweris/stratum/internal/digest"
)

// DefaultCacheSize is the number of decoded objects kept in memory.
const DefaultCacheSize = 1024

// Cache provides in-memory caching for objects.
type Cache interface {
	Get(key digest.Digest) ([]byte, bool)
	Add(key digest.Digest, value []byte)
	Has(key digest.Digest) bool
	Remove(key digest.Digest)
	Clear()
}

type lruCache struct {
	items *lru.Cache[digest.Digest, []byte]
}

// NewLRUCache creates an LRU cache holding up to size objects. A
// non-positive size disables caching.
func NewLRUCache(size int) Cache {
	if size <= 0 {
		return nopCache{}
	}
	items, err := lru.New[digest.Digest, []byte](size)
	if err != nil {
		return nopCache{}
	}
	return &lruCache{items: items}
}

func (c *lruCache) Get(key digest.Digest) ([]byte, bool) { return c.items.Get(key) }
func (c *lruCache) Add(key digest.Digest, value []byte)  { c.items.Add(key, value) }
func (c *lruCache) Has(key digest.Digest) bool           { return c.items.Contains(key) }
func (c *lruCache) Remove(key digest.Digest)             { c.items.Remove(key) }
func (c *lruCache) Clear()                               { c.items.Purge() }

type nopCache struct{}

func (nopCache) Get(digest.Digest) ([]byte, bool) { return nil, false }
func (nopCache) Add(digest.Digest, []byte)        {}
func (nopCache) Has(digest.Digest) bool           { return false }
func (nopCache) Remove(digest.Digest)             {}
func (nopCache) Clear()                           {}
