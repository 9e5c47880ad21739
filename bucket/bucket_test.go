package bucket_test

import (
	"testing"

	"github.com/nudb-go/nudb/bucket"
	"github.com/stretchr/testify/require"
)

func TestMaxEntries(t *testing.T) {
	require.Equal(t, (4096-8)/20, bucket.MaxEntries(4096, 8))
	require.Equal(t, (96-8)/20, bucket.MaxEntries(96, 32))
}

func TestZeroIsEmpty(t *testing.T) {
	b := bucket.Zero(make([]byte, 4096), 8)
	require.Equal(t, 0, b.Size())
	require.Equal(t, uint64(0), b.Spill())
	require.False(t, b.IsFull())
}

func TestInsertKeepsSortedOrder(t *testing.T) {
	b := bucket.Zero(make([]byte, 4096), 8)
	require.NoError(t, b.Insert(bucket.Entry{Hash: 30, Offset: 1, Size: 1}))
	require.NoError(t, b.Insert(bucket.Entry{Hash: 10, Offset: 2, Size: 1}))
	require.NoError(t, b.Insert(bucket.Entry{Hash: 20, Offset: 3, Size: 1}))

	entries := b.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, uint64(10), entries[0].Hash)
	require.Equal(t, uint64(20), entries[1].Hash)
	require.Equal(t, uint64(30), entries[2].Hash)
}

func TestInsertBreaksTiesByOffset(t *testing.T) {
	b := bucket.Zero(make([]byte, 4096), 8)
	require.NoError(t, b.Insert(bucket.Entry{Hash: 10, Offset: 200, Size: 1}))
	require.NoError(t, b.Insert(bucket.Entry{Hash: 10, Offset: 100, Size: 1}))

	entries := b.Entries()
	require.Equal(t, uint64(100), entries[0].Offset)
	require.Equal(t, uint64(200), entries[1].Offset)
}

func TestInsertReturnsErrBucketFullWhenFull(t *testing.T) {
	b := bucket.Zero(make([]byte, 96), 8) // max_entries = (96-8)/20 = 4
	max := b.MaxEntries()
	for i := 0; i < max; i++ {
		require.NoError(t, b.Insert(bucket.Entry{Hash: uint64(i), Offset: uint64(i), Size: 1}))
	}
	require.True(t, b.IsFull())
	require.ErrorIs(t, b.Insert(bucket.Entry{Hash: 9999, Offset: 1, Size: 1}), bucket.ErrBucketFull)
}

func TestFindReturnsLowerBound(t *testing.T) {
	b := bucket.Zero(make([]byte, 4096), 8)
	require.NoError(t, b.Insert(bucket.Entry{Hash: 10, Offset: 1, Size: 1}))
	require.NoError(t, b.Insert(bucket.Entry{Hash: 30, Offset: 2, Size: 1}))

	require.Equal(t, 0, b.Find(5))
	require.Equal(t, 1, b.Find(11))
	require.Equal(t, 2, b.Find(31))
}

func TestSetSpillRoundTrips(t *testing.T) {
	b := bucket.Zero(make([]byte, 4096), 8)
	b.SetSpill(123456)
	require.Equal(t, uint64(123456), b.Spill())
}

func TestReadRejectsOversizedEntryCount(t *testing.T) {
	buf := make([]byte, 96)
	// Fabricate a bogus size field claiming more entries than fit.
	buf[0], buf[1] = 0xFF, 0xFF
	_, err := bucket.Read(buf, 8, 1<<20)
	require.ErrorIs(t, err, bucket.ErrBadBucket)
}

func TestReadRejectsSpillBeyondDataFileSize(t *testing.T) {
	b := bucket.Zero(make([]byte, 96), 8)
	b.SetSpill(1000)
	_, err := bucket.Read(b.Bytes(), 8, 500)
	require.ErrorIs(t, err, bucket.ErrBadSpill)
}

func TestReadAcceptsWellFormedBucket(t *testing.T) {
	b := bucket.Zero(make([]byte, 96), 8)
	require.NoError(t, b.Insert(bucket.Entry{Hash: 1, Offset: 10, Size: 1}))
	read, err := bucket.Read(b.Bytes(), 8, 1<<20)
	require.NoError(t, err)
	require.Equal(t, 1, read.Size())
}
