// Package cache keeps recently used nodes materialised so that a descent
// does not have to re-read and re-decode every page on its path.
package cache

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/bptree/internal/base"
	"github.com/alexhholmes/bptree/internal/node"
)

const (
	MinCacheSize = 16 // Minimum: hold tree path + concurrent ops

	DefaultBranchCapacity = 4096
	DefaultLeafCapacity   = 16384
)

// NodeCache maps page ids to live nodes. Branches sit in a bounded LRU and
// are only evicted by capacity; leaves go through an admission-controlled
// cache that may decline or drop them at any time. A miss is never an
// error: the caller re-reads the page.
type NodeCache struct {
	branches *freelru.SyncedLRU[base.PageID, *node.Branch]
	leaves   *ristretto.Cache[uint64, *node.Leaf]

	hits   atomic.Uint64
	misses atomic.Uint64
}

func hashPageID(id base.PageID) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return uint32(xxhash.Sum64(b[:]))
}

// New creates a cache holding up to branchCapacity branches and roughly
// leafCapacity leaves.
func New(branchCapacity, leafCapacity int) (*NodeCache, error) {
	branchCapacity = max(branchCapacity, MinCacheSize)
	leafCapacity = max(leafCapacity, MinCacheSize)

	branches, err := freelru.NewSynced[base.PageID, *node.Branch](uint32(branchCapacity), hashPageID)
	if err != nil {
		return nil, fmt.Errorf("branch cache: %w", err)
	}
	leaves, err := ristretto.NewCache(&ristretto.Config[uint64, *node.Leaf]{
		NumCounters:        int64(leafCapacity) * 10,
		MaxCost:            int64(leafCapacity),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("leaf cache: %w", err)
	}
	return &NodeCache{branches: branches, leaves: leaves}, nil
}

// Get returns the cached node for id.
func (c *NodeCache) Get(id base.PageID) (node.Node, bool) {
	if b, ok := c.branches.Get(id); ok {
		c.hits.Add(1)
		return b, true
	}
	if l, ok := c.leaves.Get(uint64(id)); ok {
		c.hits.Add(1)
		return l, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put caches n, replacing any node cached under the same id. Leaf writes
// are flushed before returning so that a later Get never observes an
// older leaf for the same id.
func (c *NodeCache) Put(n node.Node) {
	switch n := n.(type) {
	case *node.Branch:
		c.branches.Add(n.ID(), n)
	case *node.Leaf:
		c.leaves.Set(uint64(n.ID()), n, 1)
		c.leaves.Wait()
	}
}

// Remove drops id from the cache.
func (c *NodeCache) Remove(id base.PageID) {
	c.branches.Remove(id)
	c.leaves.Del(uint64(id))
	c.leaves.Wait()
}

// Clear drops every entry.
func (c *NodeCache) Clear() {
	c.branches.Purge()
	c.leaves.Clear()
}

// Len returns the number of cached branches. Leaves are not counted since
// their admission is asynchronous.
func (c *NodeCache) Len() int {
	return c.branches.Len()
}

type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Stats returns cache statistics
func (c *NodeCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.branches.Metrics().Evictions,
	}
}

// Close releases the leaf cache's background goroutines.
func (c *NodeCache) Close() {
	c.leaves.Close()
}
