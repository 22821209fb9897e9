package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"

	"github.com/sultan-labs/sultan/types"
)

// AccountCache fronts the account column with an LRU keyed by storage key.
// The bloom filter short-circuits lookups for addresses that were never
// cached, which is the common case for cold reads from the status surface.
type AccountCache struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, *types.Account]
	filter *bloom.BloomFilter
}

// NewAccountCache sizes the LRU and the bloom filter.
func NewAccountCache(size int, expectedItems uint, falsePositiveRate float64) (*AccountCache, error) {
	c, err := lru.New[string, *types.Account](size)
	if err != nil {
		return nil, err
	}
	return &AccountCache{
		cache:  c,
		filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}, nil
}

// Get returns a cached account copy.
func (c *AccountCache) Get(key string) (*types.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.filter.TestString(key) {
		return nil, false
	}
	acc, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return acc.Clone(), true
}

// Add stores an account copy under its storage key.
func (c *AccountCache) Add(key string, acc *types.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.filter.AddString(key)
	c.cache.Add(key, acc.Clone())
}

// Purge clears the LRU. The bloom filter keeps its bits; it only ever
// produces false positives, which fall through to the database.
func (c *AccountCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
