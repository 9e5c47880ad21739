package nudb

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/cache"
	"github.com/nudb-go/nudb/hash"
	"github.com/nudb-go/nudb/internal/wire"
)

// Commit runs the four-phase commit protocol of spec.md §4.4.3, promoting
// everything buffered in the write cache to durable on-disk state. It is
// called by the background worker on its timer/threshold signal, and
// synchronously once more from Close.
func (s *Store) Commit() error {
	s.mu.Lock()
	if s.p1.Len() == 0 && s.pendingData.size() == 0 {
		s.mu.Unlock()
		return nil
	}

	// Step 1: swap caches under the lock, snapshot state, release the lock.
	// The new pendingData must be rebased past every byte this commit is
	// about to append -- pending records AND any spills recorded against
	// the cache that just became p0 -- since new inserts start buffering
	// into it immediately and their offsets are fixed the moment they are
	// assigned, long before this commit's data phase actually runs.
	s.p1, s.p0 = s.p0, s.p1
	pending := s.pendingData
	finalSize := pending.baseSize + pending.size()
	for _, sp := range s.p0.Spills() {
		finalSize += 6 + uint64(len(sp.Bytes))
	}
	s.pendingData = &dataWriter{baseSize: finalSize}

	dataFileSizeBefore := s.dataFileSize
	keyFileSizeBefore := s.keyFileSize
	// Buckets already on disk, as of the last commit; s.buckets also counts
	// the splits made in this batch, whose slots the key file lacks so far.
	bucketsBefore := (keyFileSizeBefore - wire.KeyHeaderSize) / uint64(s.blockSize)
	bucketsAfter, modulusAfter := s.buckets, s.modulus
	s.mu.Unlock()

	if err := s.logPhase(bucketsBefore, dataFileSizeBefore, keyFileSizeBefore); err != nil {
		return s.fail(err)
	}
	spillOffsets, err := s.dataPhase(pending, dataFileSizeBefore)
	if err != nil {
		return s.fail(err)
	}
	if err := s.keyPhase(bucketsBefore, bucketsAfter, modulusAfter, spillOffsets); err != nil {
		return s.fail(err)
	}
	if err := s.truncatePhase(); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	s.p0.Clear()
	log.Infow("commit complete",
		"buckets", s.buckets,
		"dataFileSize", humanize.IBytes(s.dataFileSize),
		"keyFileSize", humanize.IBytes(s.keyFileSize))
	s.mu.Unlock()
	return nil
}

func (s *Store) fail(err error) error {
	s.setErr(err)
	return err
}

// logPhase writes, for every bucket index dirtied this epoch that already
// exists on disk, its current pre-image into the log file, followed by the
// log header describing the sizes to roll back to on recovery.
func (s *Store) logPhase(bucketsBefore, dataFileSizeBefore, keyFileSizeBefore uint64) error {
	type preImage struct {
		index uint64
		buf   []byte
	}
	var images []preImage
	var rangeErr error

	s.p0.Range(func(i uint64, _ *bucket.Bucket) bool {
		if i < bucketsBefore {
			buf := make([]byte, s.blockSize)
			if err := readFull(s.keyFile, buf, keyFileBucketOffset(i, s.blockSize)); err != nil {
				rangeErr = fmt.Errorf("nudb: reading pre-image for bucket %d: %w", i, err)
				return false
			}
			images = append(images, preImage{index: i, buf: buf})
		}
		return true
	})
	if rangeErr != nil {
		return rangeErr
	}

	offset := int64(wire.LogHeaderSize)
	for _, img := range images {
		rec := make([]byte, 8+len(img.buf))
		putLogIndex(rec[0:8], img.index)
		copy(rec[8:], img.buf)
		if err := writeFull(s.logFile, rec, offset); err != nil {
			return fmt.Errorf("nudb: writing log pre-image for bucket %d: %w", img.index, err)
		}
		offset += int64(len(rec))
	}

	lh := wire.LogHeader{
		UID: s.uid, Appnum: s.appnum, KeySize: s.keySize,
		Salt: s.salt, Pepper: hash.Pepper(s.hasher, s.salt),
		BlockSize: s.blockSize, HasherID: s.hasher.ID(),
		KeyFileSize: keyFileSizeBefore, DataFileSize: dataFileSizeBefore,
	}
	if err := writeFull(s.logFile, lh.Encode(), 0); err != nil {
		return fmt.Errorf("nudb: writing log header: %w", err)
	}
	return s.logFile.Sync()
}

// putLogIndex packs a bucket index into an 8-byte big-endian field; the
// log's record framing is (8-byte index, block_size bytes of pre-image),
// distinct from the data file's own record framing.
func putLogIndex(dst []byte, index uint64) {
	for i := 0; i < 8; i++ {
		dst[7-i] = byte(index >> (8 * i))
	}
}

// dataPhase appends the epoch's buffered value records, then any spilled
// bucket snapshots, to the data file. It returns the resulting file offset
// for each spill, keyed by bucket index, for keyPhase to patch in.
//
// A single bucket index can spill more than once within one epoch (an
// overflow chain growing past its first link before the next commit).
// cache.Spills records these in chronological overflow order; each spill
// after the first carries pendingSpillSentinel in its own spill field,
// which must be resolved to the offset just assigned to the *previous*
// spill for that same index before the record is written, so the chain on
// disk actually threads together instead of each link pointing nowhere.
func (s *Store) dataPhase(pending *dataWriter, baseSize uint64) (map[uint64]uint64, error) {
	cursor := baseSize
	for _, rec := range pending.pending {
		if err := writeFull(s.dataFile, rec, int64(cursor)); err != nil {
			return nil, fmt.Errorf("nudb: appending data record at %d: %w", cursor, err)
		}
		cursor += uint64(len(rec))
	}

	s.mu.Lock()
	spills := append([]cache.Spill(nil), s.p0.Spills()...)
	s.mu.Unlock()

	spillOffsets := make(map[uint64]uint64)
	for _, sp := range spills {
		view := bucket.View(sp.Bytes, s.keySize)
		if view.Spill() == pendingSpillSentinel {
			prev, ok := spillOffsets[sp.Index]
			if !ok {
				return nil, fmt.Errorf("nudb: bucket %d: spill chain has no prior link to resolve", sp.Index)
			}
			view.SetSpill(prev)
		}

		rec := make([]byte, 6+len(sp.Bytes))
		wire.PutUint48(rec[0:6], 0) // spill sentinel: 48-bit zero
		copy(rec[6:], sp.Bytes)
		if err := writeFull(s.dataFile, rec, int64(cursor)); err != nil {
			return nil, fmt.Errorf("nudb: appending spill for bucket %d: %w", sp.Index, err)
		}
		spillOffsets[sp.Index] = cursor
		cursor += uint64(len(rec))
	}

	if err := s.dataFile.Sync(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.dataFileSize = cursor
	s.mu.Unlock()
	return spillOffsets, nil
}

// keyPhase writes every dirty bucket to its slot in the key file, patching
// in any spill offset resolved during the data phase, extending the file
// and recording the new bucket count and modulus in the key header if the
// bucket count grew, and fans the writes out with an errgroup since each
// bucket's slot is independent.
func (s *Store) keyPhase(bucketsBefore, bucketsAfter, modulusAfter uint64, spillOffsets map[uint64]uint64) error {
	blockSize := s.blockSize

	if bucketsAfter > bucketsBefore {
		newSize := int64(wire.KeyHeaderSize) + int64(bucketsAfter)*int64(blockSize)
		if err := s.keyFile.Truncate(newSize); err != nil {
			return fmt.Errorf("nudb: extending key file: %w", err)
		}
		hdr := make([]byte, wire.KeyHeaderSize)
		if err := readFull(s.keyFile, hdr, 0); err != nil {
			return fmt.Errorf("nudb: reading key header: %w", err)
		}
		kh, err := wire.DecodeKeyHeader(hdr)
		if err != nil {
			return err
		}
		kh.Buckets, kh.Modulus = bucketsAfter, modulusAfter
		if err := writeFull(s.keyFile, kh.Encode(), 0); err != nil {
			return fmt.Errorf("nudb: writing key header: %w", err)
		}
	}

	var g errgroup.Group
	s.p0.Range(func(i uint64, b *bucket.Bucket) bool {
		i, b := i, b
		g.Go(func() error {
			if off, ok := spillOffsets[i]; ok && b.Spill() == pendingSpillSentinel {
				b.SetSpill(off)
			}
			return writeFull(s.keyFile, b.Bytes(), keyFileBucketOffset(i, blockSize))
		})
		return true
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.keyFile.Sync(); err != nil {
		return err
	}
	s.mu.Lock()
	s.keyFileSize = uint64(int64(wire.KeyHeaderSize) + int64(bucketsAfter)*int64(blockSize))
	s.mu.Unlock()
	return nil
}

// truncatePhase zeroes the log file: the atomic commit point of spec.md
// §4.4.3 step 5. Any crash before this completes leaves a log Recover can
// replay; any crash after leaves nothing to replay.
func (s *Store) truncatePhase() error {
	if err := s.logFile.Truncate(0); err != nil {
		return err
	}
	return s.logFile.Sync()
}
