package nudb

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nudb-go/nudb/internal/wire"
)

// Visit streams every value record in the data file at dataPath, invoking
// visit(key, value) for each in file order. Spill records (identified by
// their zero size-prefix sentinel) are skipped; they are bucket snapshots,
// not key/value pairs, and are exactly blockSize bytes long, which the
// caller must supply (normally the key file's block_size) since the data
// file alone has no record of it.
func Visit(dataPath string, blockSize uint32, visit func(key, value []byte) error) error {
	return visitWithOffset(dataPath, blockSize, func(offset uint64, key, value []byte) error {
		return visit(key, value)
	})
}

// visitWithOffset is Visit's implementation, additionally surfacing each
// record's data-file offset for callers (Rekey) that need to reference it
// from a rebuilt bucket entry.
func visitWithOffset(dataPath string, blockSize uint32, visit func(offset uint64, key, value []byte) error) error {
	f, err := os.Open(dataPath)
	if err != nil {
		return fmt.Errorf("nudb: opening data file: %w", err)
	}
	defer f.Close()

	headerBuf := make([]byte, wire.DataHeaderSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return fmt.Errorf("nudb: reading data header: %w", err)
	}
	dh, err := wire.DecodeDataHeader(headerBuf)
	if err != nil {
		return err
	}

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	size := fi.Size()

	offset := int64(wire.DataHeaderSize)
	prefix := make([]byte, 6)
	for offset < size {
		if _, err := f.ReadAt(prefix, offset); err != nil {
			return fmt.Errorf("nudb: %w: reading record prefix at %d", ErrDataMissing, offset)
		}
		valueSize := wire.Uint48(prefix)

		if valueSize == 0 {
			// Spill record: skip the block-sized bucket snapshot that
			// follows the sentinel.
			offset += 6 + int64(blockSize)
			continue
		}

		recordOffset := offset
		keyBuf := make([]byte, dh.KeySize)
		if _, err := f.ReadAt(keyBuf, offset+6); err != nil {
			return fmt.Errorf("nudb: %w: reading key at %d", ErrDataMissing, offset+6)
		}
		valueBuf := make([]byte, valueSize)
		if _, err := f.ReadAt(valueBuf, offset+6+int64(dh.KeySize)); err != nil {
			return fmt.Errorf("nudb: %w: reading value at %d", ErrDataMissing, offset+6+int64(dh.KeySize))
		}

		if err := visit(uint64(recordOffset), keyBuf, valueBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		offset += 6 + int64(dh.KeySize) + int64(valueSize)
	}
	return nil
}
