// Package bucket implements the codec and in-place operations for a single
// key-file bucket (spec.md §4.2): a fixed block_size buffer holding a
// header (live entry count, overflow spill offset) and a sorted-by-hash
// array of (hash, data-offset, value-size) entries.
//
// A Bucket is a thin, always-wire-format view over a caller-owned byte
// slice, in the spirit of the teacher's index.Buckets/RecordList types in
// store/index/buckets.go and store/index/recordlist.go, which likewise
// treat a []byte as the authoritative representation rather than decoding
// into a separate Go struct.
package bucket

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nudb-go/nudb/internal/wire"
)

// entrySize is the encoded width of one (hash, offset, size) entry:
// 8 + 6 + 6 bytes, per spec.md §4.2.
const entrySize = 8 + 6 + 6

// headerSize is the encoded width of a bucket's size+spill header.
const headerSize = 2 + 6

// Entry is one (hash, data-offset, value-size) record inside a bucket.
type Entry struct {
	Hash   uint64
	Offset uint64 // data-file offset of the value record
	Size   uint64 // encoded value size, up to 48 bits
}

// MaxEntries returns (block_size - 8) / 20, the number of entries a bucket
// of the given block size can hold. keySize is accepted to mirror
// spec.md §4.2's max_entries(block_size, key_size) signature; the formula
// itself does not depend on it.
func MaxEntries(blockSize uint32, keySize uint16) int {
	_ = keySize
	return (int(blockSize) - headerSize) / entrySize
}

// Bucket is a view over a block_size byte buffer, kept in big-endian wire
// format at all times so that Bytes() is always ready to write to disk.
type Bucket struct {
	buf        []byte
	maxEntries int
}

// Zero wraps buf (which must be exactly block_size bytes, and should be
// zeroed) as a fresh, empty bucket.
func Zero(buf []byte, keySize uint16) *Bucket {
	return &Bucket{buf: buf, maxEntries: MaxEntries(uint32(len(buf)), keySize)}
}

// View wraps an existing buffer without validating its contents; use Read
// when the buffer comes from disk and must be checked.
func View(buf []byte, keySize uint16) *Bucket {
	return &Bucket{buf: buf, maxEntries: MaxEntries(uint32(len(buf)), keySize)}
}

// Read parses and validates buf as a bucket, per spec.md §4.2: size must
// not exceed max_entries and spill must be less than dataFileSize.
func Read(buf []byte, keySize uint16, dataFileSize uint64) (*Bucket, error) {
	b := View(buf, keySize)
	if b.Size() > b.maxEntries {
		return nil, fmt.Errorf("bucket: size %d exceeds max_entries %d: %w", b.Size(), b.maxEntries, ErrBadBucket)
	}
	if b.Spill() != 0 && b.Spill() >= dataFileSize {
		return nil, fmt.Errorf("bucket: spill offset %d >= data file size %d: %w", b.Spill(), dataFileSize, ErrBadSpill)
	}
	return b, nil
}

// Bytes returns the bucket's raw block_size buffer, always current.
func (b *Bucket) Bytes() []byte { return b.buf }

// Size returns the number of live entries.
func (b *Bucket) Size() int {
	return int(binary.BigEndian.Uint16(b.buf[0:2]))
}

func (b *Bucket) setSize(n int) {
	binary.BigEndian.PutUint16(b.buf[0:2], uint16(n))
}

// Spill returns the data-file offset of the overflow spill record, or 0 if
// there is none.
func (b *Bucket) Spill() uint64 {
	return wire.Uint48(b.buf[2:8])
}

// SetSpill sets the overflow spill offset.
func (b *Bucket) SetSpill(offset uint64) {
	wire.PutUint48(b.buf[2:8], offset)
}

// MaxEntries returns the capacity of this bucket.
func (b *Bucket) MaxEntries() int { return b.maxEntries }

// IsFull reports whether the bucket holds as many entries as it can.
func (b *Bucket) IsFull() bool { return b.Size() >= b.maxEntries }

func (b *Bucket) entryOffset(i int) int { return headerSize + i*entrySize }

// Entry returns the i'th entry, 0 <= i < Size().
func (b *Bucket) Entry(i int) Entry {
	off := b.entryOffset(i)
	e := b.buf[off : off+entrySize]
	return Entry{
		Hash:   binary.BigEndian.Uint64(e[0:8]),
		Offset: wire.Uint48(e[8:14]),
		Size:   wire.Uint48(e[14:20]),
	}
}

func (b *Bucket) putEntry(i int, e Entry) {
	off := b.entryOffset(i)
	dst := b.buf[off : off+entrySize]
	binary.BigEndian.PutUint64(dst[0:8], e.Hash)
	wire.PutUint48(dst[8:14], e.Offset)
	wire.PutUint48(dst[14:20], e.Size)
}

// Find returns the lower-bound index of the first entry with
// entry.Hash >= hash, per spec.md §4.2. Callers then scan forward while
// entry.Hash == hash, comparing keys to disambiguate collisions.
func (b *Bucket) Find(hash uint64) int {
	n := b.Size()
	return sort.Search(n, func(i int) bool {
		return b.Entry(i).Hash >= hash
	})
}

// Insert places e in sorted position by hash, ties broken by data-offset,
// per spec.md §3's invariant. Returns ErrBucketFull if the bucket has no
// room; callers must spill before inserting in that case.
func (b *Bucket) Insert(e Entry) error {
	n := b.Size()
	if n >= b.maxEntries {
		return ErrBucketFull
	}
	pos := sort.Search(n, func(i int) bool {
		other := b.Entry(i)
		if other.Hash != e.Hash {
			return other.Hash > e.Hash
		}
		return other.Offset > e.Offset
	})
	// Shift entries [pos, n) right by one slot.
	for i := n; i > pos; i-- {
		b.putEntry(i, b.Entry(i-1))
	}
	b.putEntry(pos, e)
	b.setSize(n + 1)
	return nil
}

// Entries returns all live entries, in sorted order.
func (b *Bucket) Entries() []Entry {
	n := b.Size()
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = b.Entry(i)
	}
	return out
}
