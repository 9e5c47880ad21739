// Package cache implements the unordered bucket_index -> bucket mapping
// described in spec.md §4.3: the hot write-set of buckets dirtied since the
// last commit, backed by an arena so that its memory is reclaimed in one
// shot at commit time instead of entry by entry.
//
// Grounded on the teacher's bucketPool (store/index/index.go, `type
// bucketPool map[BucketIndex][]byte`), generalized into its own type with
// the arena-and-index ownership pattern spec.md §9 calls for: the cache
// holds handles into arena memory, and the arena outlives the cache.
package cache

import (
	"github.com/nudb-go/nudb/arena"
	"github.com/nudb-go/nudb/bucket"
)

// Spill is a bucket snapshot that overflowed during this epoch and must be
// appended to the data file as a spill record at commit time, with the
// resulting offset patched into the replacement bucket's spill field.
type Spill struct {
	Index uint64
	Bytes []byte
}

// Cache is the in-memory write-set of dirty buckets. It holds no eviction
// policy: entries live until Clear drains the whole cache at commit time.
type Cache struct {
	arena     *arena.Arena
	blockSize uint32
	keySize   uint16
	buckets   map[uint64]*bucket.Bucket
	spills    []Spill
}

// New creates an empty cache backed by its own arena.
func New(blockSize uint32, keySize uint16) *Cache {
	return &Cache{
		arena:     arena.New(uint64(blockSize)),
		blockSize: blockSize,
		keySize:   keySize,
		buckets:   make(map[uint64]*bucket.Bucket),
	}
}

// Arena exposes the backing arena, so the owning Store can drive its
// periodic adaptive-sizing tick under the single store mutex.
func (c *Cache) Arena() *arena.Arena { return c.arena }

// Create allocates a fresh empty bucket for index i and inserts it.
func (c *Cache) Create(i uint64) *bucket.Bucket {
	buf := c.arena.Alloc(int(c.blockSize))
	clear(buf)
	b := bucket.Zero(buf, c.keySize)
	c.buckets[i] = b
	return b
}

// Insert copies src's contents into a freshly arena-allocated buffer and
// stores it under index i, giving the cache its own copy independent of
// src's backing storage.
func (c *Cache) Insert(i uint64, src *bucket.Bucket) *bucket.Bucket {
	buf := c.arena.Alloc(int(c.blockSize))
	copy(buf, src.Bytes())
	b := bucket.View(buf, c.keySize)
	c.buckets[i] = b
	return b
}

// RecordSpill remembers a bucket snapshot that overflowed, so the owning
// Store can serialize it into the data file during the commit's data
// phase. The cache keeps the slice as given, without copying it, until
// Clear; the Store passes a copy of the full bucket's buffer.
func (c *Cache) RecordSpill(i uint64, bytes []byte) {
	c.spills = append(c.spills, Spill{Index: i, Bytes: bytes})
}

// Spills returns the spills recorded this epoch.
func (c *Cache) Spills() []Spill { return c.spills }

// Find returns the cached bucket at index i, if any.
func (c *Cache) Find(i uint64) (*bucket.Bucket, bool) {
	b, ok := c.buckets[i]
	return b, ok
}

// Len reports how many buckets are currently cached.
func (c *Cache) Len() int { return len(c.buckets) }

// Range calls f for every cached bucket, in unspecified order. Iteration
// stops early if f returns false.
func (c *Cache) Range(f func(i uint64, b *bucket.Bucket) bool) {
	for i, b := range c.buckets {
		if !f(i, b) {
			return
		}
	}
}

// Clear drops all cached entries and returns the arena's memory to its
// free list for reuse.
func (c *Cache) Clear() {
	c.buckets = make(map[uint64]*bucket.Bucket)
	c.spills = nil
	c.arena.Clear()
}

// ShrinkToFit releases the arena's free list, giving memory back to the
// runtime after a quiet period.
func (c *Cache) ShrinkToFit() {
	c.arena.ShrinkToFit()
}
