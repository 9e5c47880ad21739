// Package recovery implements the standalone crash-recovery procedure of
// spec.md §4.5: replaying a non-empty log file to restore the key file to
// its pre-commit consistent state.
//
// Grounded on the teacher's recovery pass in store/store.go's openStore
// (which checks for and replays an unclean freelist/index file pair before
// allowing an Open to proceed), generalized into a standalone entry point
// per this engine's Recover(data, key, log) signature.
package recovery

import (
	"errors"
	"fmt"
	"os"

	"github.com/nudb-go/nudb/internal/wire"
)

// errKind mirrors the sentinel-error style used across this module.
type errKind string

func (e errKind) Error() string { return string(e) }

// ErrHeaderMismatch indicates the log header's database identity fields
// do not match the key file it would be replayed against.
const ErrHeaderMismatch = errKind("recovery: log header does not match key file")

// Recover replays dataPath/keyPath/logPath's pending commit, if any, then
// leaves the log file empty. It is idempotent: running it again on an
// already-recovered (or never-dirtied) database is a no-op.
func Recover(dataPath, keyPath, logPath string) error {
	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recovery: opening log file: %w", err)
	}
	defer logFile.Close()

	fi, err := logFile.Stat()
	if err != nil {
		return fmt.Errorf("recovery: stat log file: %w", err)
	}
	if fi.Size() == 0 {
		return nil
	}

	headerBuf := make([]byte, wire.LogHeaderSize)
	if _, err := logFile.ReadAt(headerBuf, 0); err != nil {
		return fmt.Errorf("recovery: reading log header: %w", err)
	}
	lh, err := wire.DecodeLogHeader(headerBuf)
	if err != nil {
		return err
	}

	keyFile, err := os.OpenFile(keyPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("recovery: opening key file: %w", err)
	}
	defer keyFile.Close()

	keyHeaderBuf := make([]byte, wire.KeyHeaderSize)
	if _, err := keyFile.ReadAt(keyHeaderBuf, 0); err != nil {
		return fmt.Errorf("recovery: reading key header: %w", err)
	}
	kh, err := wire.DecodeKeyHeader(keyHeaderBuf)
	if err != nil {
		return err
	}
	if lh.UID != kh.UID || lh.Appnum != kh.Appnum || lh.KeySize != kh.KeySize || lh.Salt != kh.Salt {
		return ErrHeaderMismatch
	}

	// Replay each (8-byte bucket index, block_size pre-image) pair back to
	// its recorded slot in the key file.
	recordSize := 8 + int64(lh.BlockSize)
	offset := int64(wire.LogHeaderSize)
	for offset < fi.Size() {
		rec := make([]byte, recordSize)
		if _, err := logFile.ReadAt(rec, offset); err != nil {
			return fmt.Errorf("recovery: reading log record at %d: %w", offset, err)
		}
		var index uint64
		for i := 0; i < 8; i++ {
			index = index<<8 | uint64(rec[i])
		}
		preImage := rec[8:]
		slot := int64(wire.KeyHeaderSize) + int64(index)*int64(lh.BlockSize)
		if _, err := keyFile.WriteAt(preImage, slot); err != nil {
			return fmt.Errorf("recovery: restoring bucket %d: %w", index, err)
		}
		offset += recordSize
	}

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("recovery: opening data file: %w", err)
	}
	defer dataFile.Close()

	if err := dataFile.Truncate(int64(lh.DataFileSize)); err != nil {
		return fmt.Errorf("recovery: truncating data file: %w", err)
	}
	if err := keyFile.Truncate(int64(lh.KeyFileSize)); err != nil {
		return fmt.Errorf("recovery: truncating key file: %w", err)
	}
	// The interrupted commit may already have recorded its grown bucket
	// count in the key header; put back the count the truncated file holds.
	if lh.BlockSize > 0 && lh.KeyFileSize >= wire.KeyHeaderSize+uint64(lh.BlockSize) {
		kh.Buckets = (lh.KeyFileSize - wire.KeyHeaderSize) / uint64(lh.BlockSize)
		kh.Modulus = 1
		for kh.Modulus < kh.Buckets {
			kh.Modulus *= 2
		}
		if _, err := keyFile.WriteAt(kh.Encode(), 0); err != nil {
			return fmt.Errorf("recovery: restoring key header: %w", err)
		}
	}
	if err := dataFile.Sync(); err != nil {
		return err
	}
	if err := keyFile.Sync(); err != nil {
		return err
	}

	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("recovery: truncating log file: %w", err)
	}
	return logFile.Sync()
}
