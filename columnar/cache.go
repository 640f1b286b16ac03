// Working set of decoded Blocks, bounded by count.
package columnar

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheBlocks is the working set size used when Config leaves it
// zero.
const DefaultCacheBlocks = 64

type blockID struct {
	column string
	n      int
}

// blockCache is the bounded working set of decompressed Blocks. Eviction
// only drops the in-memory copy.
type blockCache struct {
	lru *lru.Cache[blockID, *Block]
}

func newBlockCache(size int) (*blockCache, error) {
	if size <= 0 {
		size = DefaultCacheBlocks
	}
	c, err := lru.New[blockID, *Block](size)
	if err != nil {
		return nil, err
	}
	return &blockCache{lru: c}, nil
}

func (c *blockCache) get(id blockID) (*Block, bool) { return c.lru.Get(id) }

func (c *blockCache) put(id blockID, b *Block) { c.lru.Add(id, b) }

func (c *blockCache) len() int { return c.lru.Len() }
