// Package hash provides the Hasher capability NuDB consumes to turn a key
// into a 64-bit digest (spec.md §1 lists this as an external collaborator,
// narrow and swappable), plus the default xxhash-based implementation.
package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Hasher produces a 64-bit digest of a key, mixed with a per-database salt.
// Implementations must be safe for concurrent use by multiple goroutines.
type Hasher interface {
	// ID identifies the algorithm; stored in the key/log headers so that an
	// open with a mismatched hasher is rejected rather than silently
	// computing wrong bucket indices.
	ID() uint16
	Hash(salt uint64, key []byte) uint64
}

// XXHash64ID is the hasher_id recorded for XXHash64.
const XXHash64ID uint16 = 1

// XXHash64 mixes the salt in as an 8-byte big-endian prefix ahead of the key
// bytes, then runs xxhash64 over the result.
type XXHash64 struct{}

func (XXHash64) ID() uint16 { return XXHash64ID }

func (XXHash64) Hash(salt uint64, key []byte) uint64 {
	var saltBuf [8]byte
	binary.BigEndian.PutUint64(saltBuf[:], salt)
	d := xxhash.New()
	d.Write(saltBuf[:])
	d.Write(key)
	return d.Sum64()
}

// Pepper derives the key header's integrity-check pepper field from the
// salt: pepper = hash(salt) per spec.md §3/§6, computed by hashing the
// salt's big-endian bytes against a fixed zero salt so that Pepper doesn't
// depend on itself.
func Pepper(h Hasher, salt uint64) uint64 {
	var saltBuf [8]byte
	binary.BigEndian.PutUint64(saltBuf[:], salt)
	return h.Hash(0, saltBuf[:])
}

// ByID resolves a hasher_id read from a header back to an implementation.
// Only XXHash64 ships today; an unknown id means the database was created
// with a hasher this build doesn't have, which the caller should surface as
// a hasher-mismatch error.
func ByID(id uint16) (Hasher, bool) {
	switch id {
	case XXHash64ID:
		return XXHash64{}, true
	default:
		return nil, false
	}
}
