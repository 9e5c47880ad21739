package nudb

import (
	"fmt"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/internal/wire"
)

// errKind realizes the semantic error kinds of spec.md §7 as sentinel
// values, in the style of the teacher's store/types/errors.go errorType.
type errKind string

func (e errKind) Error() string { return string(e) }

const (
	ErrFileExists   = errKind("nudb: file already exists")
	ErrFileNotFound = errKind("nudb: file not found")
	ErrPermission   = errKind("nudb: permission denied")

	ErrLogFileExists = errKind("nudb: log file is not empty, run Recover first")

	ErrKeyExists = errKind("nudb: key already exists")

	ErrDataMissing = errKind("nudb: data record missing or truncated")
	ErrBadChain    = errKind("nudb: overflow chain is malformed")

	ErrStoreClosed = errKind("nudb: store is closed")

	ErrKeySizeInvalid    = errKind("nudb: key_size must be in [1,255]")
	ErrBlockSizeInvalid  = errKind("nudb: block_size must be a power of two in [96,65536]")
	ErrLoadFactorInvalid = errKind("nudb: load_factor must be in (0,1]")
)

// Re-exported so callers matching on header-validation failures don't need
// to import the internal wire package.
var (
	ErrVersionMismatch = wire.ErrVersionMismatch
	ErrHasherMismatch  = wire.ErrHasherMismatch
	ErrUIDMismatch     = wire.ErrUIDMismatch
	ErrAppnumMismatch  = wire.ErrAppnumMismatch
	ErrKeySizeMismatch = wire.ErrKeySizeMismatch
	ErrInvalidHeader   = wire.ErrInvalidHeader
	ErrShortRead       = wire.ErrShortRead
	ErrShortWrite      = wire.ErrShortWrite
	ErrPepperMismatch  = wire.ErrPepperMismatch
	ErrBadBucket       = bucket.ErrBadBucket
	ErrBadSpill        = bucket.ErrBadSpill
)

// ErrDuplicate carries the existing value alongside ErrKeyExists, matching
// the teacher's store.ErrDuplicate, which enriches a plain "exists"
// sentinel with the values a caller would otherwise have to re-fetch.
type ErrDuplicate struct {
	Key         []byte
	StoredValue []byte
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("nudb: key %x already exists", e.Key)
}

func (e *ErrDuplicate) Is(target error) bool {
	return target == ErrKeyExists
}

func (e *ErrDuplicate) Unwrap() error { return ErrKeyExists }
