package nudb

import (
	"bytes"
	"fmt"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/cache"
	"github.com/nudb-go/nudb/internal/wire"
)

// Fetch looks up key and, on a hit, invokes visit with the stored value.
// visit's error is propagated to the caller and leaves the store otherwise
// unaffected, resolving spec.md §9's open question on visitor failure.
func (s *Store) Fetch(key []byte, visit func(value []byte) error) (bool, error) {
	if len(key) != int(s.keySize) {
		return false, fmt.Errorf("nudb: key length %d, expected %d", len(key), s.keySize)
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return false, err
	}

	h := s.hasher.Hash(s.salt, key)
	i := bucketIndex(h, s.buckets, s.modulus)

	for _, c := range [2]*cache.Cache{s.p1, s.p0} {
		offset, size, found, err := s.walkCached(c, i, h, key)
		if err != nil {
			s.mu.Unlock()
			return false, err
		}
		if found {
			value, err := s.readValue(offset, size)
			s.mu.Unlock()
			if err != nil {
				return false, err
			}
			return true, visit(value)
		}
	}
	s.mu.Unlock()

	offset, size, found, err := s.walkDisk(i, h, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	value, err := s.readValue(offset, size)
	if err != nil {
		return false, err
	}
	return true, visit(value)
}

// walkCached looks up bucket i in cache c and walks its overflow chain —
// which may continue on disk, or, for a bucket that has already spilled
// more than once this epoch, through c's own not-yet-committed spill
// records (see walkSpillChain) — looking for hash h and an exact key
// match. Must be called with s.mu held.
func (s *Store) walkCached(c *cache.Cache, i, h uint64, key []byte) (uint64, uint64, bool, error) {
	b, ok := c.Find(i)
	if !ok {
		return 0, 0, false, nil
	}

	offset, size, found, err := s.scanBucket(b, h, key)
	if err != nil || found {
		return offset, size, found, err
	}

	walkErr := s.walkSpillChain(c, i, b.Spill(), func(sb *bucket.Bucket) (bool, error) {
		var innerErr error
		offset, size, found, innerErr = s.scanBucket(sb, h, key)
		return !found, innerErr
	})
	if walkErr != nil {
		return 0, 0, false, walkErr
	}
	return offset, size, found, nil
}

// walkDisk loads key-file bucket i directly from disk (no caching on this
// path, per spec.md §4.4.1) and walks its chain.
func (s *Store) walkDisk(i, h uint64, key []byte) (uint64, uint64, bool, error) {
	buf := make([]byte, s.blockSize)
	if err := readFull(s.keyFile, buf, keyFileBucketOffset(i, s.blockSize)); err != nil {
		return 0, 0, false, fmt.Errorf("nudb: reading bucket %d: %w", i, err)
	}
	b, err := bucket.Read(buf, s.keySize, s.dataFileSize)
	if err != nil {
		return 0, 0, false, err
	}

	offset, size, found, err := s.scanBucket(b, h, key)
	if err != nil || found {
		return offset, size, found, err
	}

	walkErr := s.walkSpillChain(nil, i, b.Spill(), func(sb *bucket.Bucket) (bool, error) {
		var innerErr error
		offset, size, found, innerErr = s.scanBucket(sb, h, key)
		return !found, innerErr
	})
	if walkErr != nil {
		return 0, 0, false, walkErr
	}
	return offset, size, found, nil
}

// scanBucket scans a single bucket's sorted entries for a hash match,
// disambiguating collisions by reading each candidate's key from the data
// file and comparing bytes exactly.
func (s *Store) scanBucket(b *bucket.Bucket, h uint64, key []byte) (offset, size uint64, found bool, err error) {
	n := b.Size()
	for i := b.Find(h); i < n; i++ {
		e := b.Entry(i)
		if e.Hash != h {
			break
		}
		storedKey, ok, err := s.readRecordKey(e.Offset)
		if err != nil {
			return 0, 0, false, err
		}
		if ok && bytes.Equal(storedKey, key) {
			return e.Offset, e.Size, true, nil
		}
	}
	return 0, 0, false, nil
}

// readRecordKey reads the key_size bytes following a data record's value
// size prefix at offset. A record not yet flushed to disk is looked up in
// the writes buffered in s.pendingData; ok=false means the offset is
// neither on disk nor among those buffered records.
func (s *Store) readRecordKey(offset uint64) ([]byte, bool, error) {
	if offset >= s.dataFileSize {
		rec, err := s.pendingData.recordAt(offset)
		if err != nil || len(rec) < 6+int(s.keySize) {
			return nil, false, nil
		}
		return rec[6 : 6+int(s.keySize)], true, nil
	}
	buf := make([]byte, 6+int(s.keySize))
	if err := readFull(s.dataFile, buf, int64(offset)); err != nil {
		return nil, false, fmt.Errorf("nudb: %w: reading record at %d", ErrDataMissing, offset)
	}
	return buf[6:], true, nil
}

// readValue reads a value given its data-file offset and encoded size.
func (s *Store) readValue(offset, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if offset+6+uint64(s.keySize)+size <= s.dataFileSize {
		if err := readFull(s.dataFile, buf, int64(offset)+6+int64(s.keySize)); err != nil {
			return nil, fmt.Errorf("nudb: %w: reading value at %d", ErrDataMissing, offset)
		}
		return buf, nil
	}
	// Value lives in a pending (not yet flushed) record; locate it in the
	// buffered writer by offset instead of the file.
	rec, err := s.pendingData.recordAt(offset)
	if err != nil {
		return nil, err
	}
	if uint64(len(rec)) < 6+uint64(s.keySize)+size {
		return nil, fmt.Errorf("nudb: %w: pending record at %d truncated", ErrDataMissing, offset)
	}
	copy(buf, rec[6+int(s.keySize):6+int(s.keySize)+int(size)])
	return buf, nil
}

// encodeRecord lays out a value record per spec.md §3: 48-bit value size,
// key_size key bytes, value bytes.
func encodeRecord(key, value []byte) []byte {
	rec := make([]byte, 6+len(key)+len(value))
	wire.PutUint48(rec[0:6], uint64(len(value)))
	copy(rec[6:6+len(key)], key)
	copy(rec[6+len(key):], value)
	return rec
}
