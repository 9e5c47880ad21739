package cache_test

import (
	"testing"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/cache"
	"github.com/stretchr/testify/require"
)

func TestCreateAndFind(t *testing.T) {
	c := cache.New(4096, 8)
	b := c.Create(5)
	require.Equal(t, 0, b.Size())

	found, ok := c.Find(5)
	require.True(t, ok)
	require.Same(t, b, found)
}

func TestFindMissing(t *testing.T) {
	c := cache.New(4096, 8)
	_, ok := c.Find(1)
	require.False(t, ok)
}

func TestInsertCopiesSourceBucket(t *testing.T) {
	c := cache.New(4096, 8)
	src := bucket.Zero(make([]byte, 4096), 8)
	require.NoError(t, src.Insert(bucket.Entry{Hash: 1, Offset: 2, Size: 3}))

	copied := c.Insert(7, src)
	require.Equal(t, src.Entries(), copied.Entries())

	// Mutating src afterward must not affect the cache's copy.
	require.NoError(t, src.Insert(bucket.Entry{Hash: 99, Offset: 0, Size: 0}))
	require.Len(t, copied.Entries(), 1)
}

func TestRecordSpillAndSpills(t *testing.T) {
	c := cache.New(4096, 8)
	c.RecordSpill(3, []byte("snapshot"))
	spills := c.Spills()
	require.Len(t, spills, 1)
	require.Equal(t, uint64(3), spills[0].Index)
	require.Equal(t, []byte("snapshot"), spills[0].Bytes)
}

func TestClearDropsBucketsAndSpills(t *testing.T) {
	c := cache.New(4096, 8)
	c.Create(1)
	c.RecordSpill(1, []byte("x"))
	c.Clear()

	require.Equal(t, 0, c.Len())
	require.Empty(t, c.Spills())
	_, ok := c.Find(1)
	require.False(t, ok)
}

func TestRangeVisitsEveryBucket(t *testing.T) {
	c := cache.New(4096, 8)
	c.Create(1)
	c.Create(2)
	c.Create(3)

	seen := make(map[uint64]bool)
	c.Range(func(i uint64, _ *bucket.Bucket) bool {
		seen[i] = true
		return true
	})
	require.Len(t, seen, 3)
}

func TestRangeStopsEarly(t *testing.T) {
	c := cache.New(4096, 8)
	c.Create(1)
	c.Create(2)

	count := 0
	c.Range(func(i uint64, _ *bucket.Bucket) bool {
		count++
		return false
	})
	require.Equal(t, 1, count)
}
