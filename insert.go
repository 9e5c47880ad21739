package nudb

import (
	"fmt"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/cache"
	"github.com/nudb-go/nudb/internal/wire"
)

// Insert adds key/value to the store. A duplicate key is reported via
// ErrDuplicate (wrapping ErrKeyExists) without modifying the store, and
// carries the value already on file.
func (s *Store) Insert(key, value []byte) error {
	if len(key) != int(s.keySize) {
		return fmt.Errorf("nudb: key length %d, expected %d", len(key), s.keySize)
	}

	if err := s.Err(); err != nil {
		return err
	}

	var dup []byte
	found, ferr := s.Fetch(key, func(v []byte) error {
		dup = append([]byte(nil), v...)
		return nil
	})
	if ferr != nil {
		return ferr
	}
	if found {
		return &ErrDuplicate{Key: key, StoredValue: dup}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	rec := encodeRecord(key, value)
	offset := s.pendingData.append(rec)

	h := s.hasher.Hash(s.salt, key)
	i := bucketIndex(h, s.buckets, s.modulus)

	s.insertInto(i, bucket.Entry{Hash: h, Offset: offset, Size: uint64(len(value))})

	if err := s.maybeSplit(); err != nil {
		return err
	}

	if s.dirtyBytes() >= s.commitThreshold {
		s.signalCommit()
	}
	return nil
}

// insertInto places e into bucket i of the active cache p1, spilling the
// current occupant to the data file (at the next commit) if it is full.
// Must be called with s.mu held.
func (s *Store) insertInto(i uint64, e bucket.Entry) {
	b, ok := s.p1.Find(i)
	if !ok {
		b = s.loadOrCreateBucket(s.p1, i)
	}

	if b.IsFull() {
		spillBytes := append([]byte(nil), b.Bytes()...)
		s.p1.RecordSpill(i, spillBytes)

		fresh := s.p1.Create(i)
		fresh.SetSpill(pendingSpillSentinel)
		b = fresh
	}

	_ = b.Insert(e)
}

// pendingSpillSentinel marks a bucket's spill field as "resolves to a real
// offset at the next commit", distinguishing it from 0 (no spill) before
// the commit's data phase assigns the spill record its real file offset.
// It is never meant to reach disk as a real spill pointer: the key phase
// always runs after the data phase has replaced it. It must fit in 48
// bits, since SetSpill/Spill round-trip through a 48-bit wire field
// (wire.PutUint48/wire.Uint48) — a wider sentinel would be truncated on
// write and could never compare equal on read.
const pendingSpillSentinel = uint64(wire.MaxUint48)

// loadOrCreateBucket returns the cache's copy of bucket i, first checking
// p0 (so a bucket dirtied in the cache currently being flushed is seen),
// then disk, creating an empty one only when i is beyond the on-disk
// bucket count (which the linear-hashing rule never actually requires).
func (s *Store) loadOrCreateBucket(c *cache.Cache, i uint64) *bucket.Bucket {
	if other, ok := s.p0.Find(i); ok {
		return c.Insert(i, other)
	}
	if i >= s.buckets {
		return c.Create(i)
	}
	buf := make([]byte, s.blockSize)
	if err := readFull(s.keyFile, buf, keyFileBucketOffset(i, s.blockSize)); err != nil {
		panic(fmt.Sprintf("nudb: reading bucket %d: %v", i, err))
	}
	disk, err := bucket.Read(buf, s.keySize, s.dataFileSize)
	if err != nil {
		panic(fmt.Sprintf("nudb: bucket %d is corrupt: %v", i, err))
	}
	return c.Insert(i, disk)
}

// dirtyBytes estimates outstanding unflushed work, driving the commit
// threshold check in spec.md §4.4.2 step 8.
func (s *Store) dirtyBytes() uint64 {
	return s.pendingData.size() + uint64(s.p1.Len())*uint64(s.blockSize)
}

// maybeSplit performs the linear-hashing split described in spec.md
// §4.4.2 step 7 when the actual load factor has exceeded the configured
// target. Must be called with s.mu held.
func (s *Store) maybeSplit() error {
	maxEntries := bucket.MaxEntries(s.blockSize, s.keySize)
	s.itemCount++

	capacity := float64(s.buckets) * float64(maxEntries)
	actual := float64(s.itemCount) / capacity
	if actual <= float64(s.loadFactor) {
		return nil
	}

	s.buckets++
	if s.buckets > s.modulus {
		s.modulus *= 2
	}
	newIndex := s.buckets - 1
	// The frontier bucket being split is always newIndex's sibling one
	// half-modulus below it, not buckets/2: linear hashing splits whichever
	// bucket the *next* pointer has reached, not the midpoint of the
	// current bucket count.
	splitting := newIndex - s.modulus/2

	entries, err := s.collectChain(splitting)
	if err != nil {
		return err
	}

	lowBucket := s.p1.Create(splitting)
	highBucket := s.p1.Create(newIndex)
	for _, e := range entries {
		target := bucketIndex(e.Hash, s.buckets, s.modulus)
		if target == splitting {
			s.splitInsert(lowBucket, splitting, e)
		} else {
			s.splitInsert(highBucket, newIndex, e)
		}
	}
	return nil
}

// splitInsert inserts e into b, spilling b (which may already hold entries
// redistributed earlier in the same split) exactly as insertInto does.
func (s *Store) splitInsert(b *bucket.Bucket, i uint64, e bucket.Entry) {
	if b.IsFull() {
		spillBytes := append([]byte(nil), b.Bytes()...)
		s.p1.RecordSpill(i, spillBytes)
		b = s.p1.Create(i)
		b.SetSpill(pendingSpillSentinel)
	}
	_ = b.Insert(e)
}

// collectChain gathers every entry in bucket i's chain, preferring the
// cached copy (p1, then p0) over disk, then following every spill —
// on-disk, or still only recorded in that same cache's pending Spills
// (see walkSpillChain). Must be called with s.mu held.
func (s *Store) collectChain(i uint64) ([]bucket.Entry, error) {
	var entries []bucket.Entry

	var b *bucket.Bucket
	var c *cache.Cache
	if cached, ok := s.p1.Find(i); ok {
		b, c = cached, s.p1
	} else if cached, ok := s.p0.Find(i); ok {
		b, c = cached, s.p0
	} else {
		buf := make([]byte, s.blockSize)
		if err := readFull(s.keyFile, buf, keyFileBucketOffset(i, s.blockSize)); err != nil {
			return nil, fmt.Errorf("nudb: reading bucket %d: %w", i, err)
		}
		disk, err := bucket.Read(buf, s.keySize, s.dataFileSize)
		if err != nil {
			return nil, err
		}
		b = disk
	}

	entries = append(entries, b.Entries()...)
	err := s.walkSpillChain(c, i, b.Spill(), func(sb *bucket.Bucket) (bool, error) {
		entries = append(entries, sb.Entries()...)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// spillsForIndex returns c's recorded spills for bucket index i, in the
// chronological (oldest-first) order Cache.Spills preserves them.
func spillsForIndex(c *cache.Cache, i uint64) []cache.Spill {
	var out []cache.Spill
	for _, sp := range c.Spills() {
		if sp.Index == i {
			out = append(out, sp)
		}
	}
	return out
}

// walkSpillChain follows the remainder of bucket i's overflow chain
// starting at spill, invoking visit with each subsequent bucket in chain
// order until visit returns keepGoing=false, an error occurs, or the
// chain ends. visit mirrors Cache.Range's bool-return early-stop idiom.
//
// A link may be:
//   - 0: the chain ends.
//   - pendingSpillSentinel: this same epoch already pushed bucket i into
//     overflow more than once; the predecessor link lives only in c's own
//     not-yet-committed Spills, not yet on disk. Walk those, newest first,
//     exactly mirroring the order dataPhase will thread them into on disk.
//   - any other value: a resolved on-disk offset.
//
// c may be nil when the head bucket was loaded straight from disk, where
// a sentinel can never legitimately appear (bucket.Read already rejects
// any spill field that large as corrupt).
func (s *Store) walkSpillChain(c *cache.Cache, i uint64, spill uint64, visit func(b *bucket.Bucket) (keepGoing bool, err error)) error {
	var pending []cache.Spill
	havePending := false
	pendingIdx := -1

	for spill != 0 {
		if spill == pendingSpillSentinel {
			if !havePending {
				if c == nil {
					return fmt.Errorf("nudb: bucket %d: unresolved spill sentinel with no pending cache to resolve it", i)
				}
				pending = spillsForIndex(c, i)
				pendingIdx = len(pending) - 1
				havePending = true
			}
			if pendingIdx < 0 {
				return fmt.Errorf("nudb: bucket %d: pending spill chain exhausted before reaching its end", i)
			}
			view := bucket.View(pending[pendingIdx].Bytes, s.keySize)
			pendingIdx--
			keepGoing, err := visit(view)
			if err != nil || !keepGoing {
				return err
			}
			spill = view.Spill()
			continue
		}

		buf := make([]byte, s.blockSize)
		if err := readFull(s.dataFile, buf, int64(spill)+6); err != nil {
			return fmt.Errorf("nudb: reading spill at %d: %w", spill, err)
		}
		sb, err := bucket.Read(buf, s.keySize, s.dataFileSize)
		if err != nil {
			return err
		}
		keepGoing, err := visit(sb)
		if err != nil || !keepGoing {
			return err
		}
		spill = sb.Spill()
	}
	return nil
}
