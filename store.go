// Package nudb implements an append-only, insert-and-fetch key-value store
// specialized for content-addressable workloads: fixed-size keys mapped to
// variable-size values, a linear-hashed bucket file for the index, and
// crash-safety through a write-ahead log that is replayed by Recover.
//
// Grounded on the teacher's store package (rpcpool/yellowstone-faithful's
// store/store.go and gsfa/store), which wires together an index, a primary
// data file, and a background flush worker behind the same kind of single
// mutex and sticky async-error slot this package uses.
package nudb

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/google/uuid"

	"github.com/nudb-go/nudb/bucket"
	"github.com/nudb-go/nudb/cache"
	"github.com/nudb-go/nudb/hash"
	"github.com/nudb-go/nudb/internal/wire"
)

var log = logging.Logger("nudb")

// Store is the public engine (spec.md §4.4). It owns the data, key, and
// log files, the current linear-hashing state, the two write-set caches,
// and a background commit worker.
type Store struct {
	mu sync.Mutex

	dataFile File
	keyFile  File
	logFile  File

	dataPath, keyPath, logPath string

	hasher  hash.Hasher
	salt    uint64
	keySize uint16

	blockSize  uint32
	loadFactor float32
	appnum     uint64
	uid        uint64

	// state: buckets/modulus per spec.md §3's linear-hashing invariant,
	// and the two file sizes as of the last completed commit.
	buckets      uint64
	modulus      uint64
	dataFileSize uint64
	keyFileSize  uint64
	itemCount    uint64

	p1, p0      *cache.Cache
	pendingData *dataWriter

	err error // sticky async-error slot (spec.md §5, §7)

	syncInterval    time.Duration
	commitThreshold uint64

	closing    chan struct{}
	closed     chan struct{}
	flushNow   chan struct{}
	running    bool
	closedFlag bool
}

// dataWriter batches data-file record appends between commits, assigning
// each record its eventual offset synchronously (spec.md §4.4.2 step 4).
type dataWriter struct {
	baseSize   uint64
	pending    [][]byte
	pendingLen uint64
}

func (w *dataWriter) append(rec []byte) uint64 {
	offset := w.baseSize + w.pendingLen
	w.pending = append(w.pending, rec)
	w.pendingLen += uint64(len(rec))
	return offset
}

func (w *dataWriter) size() uint64 { return w.pendingLen }

// recordAt returns the pending record starting at the given absolute data
// offset, scanning the buffered list in order since it is typically short
// between commits.
func (w *dataWriter) recordAt(offset uint64) ([]byte, error) {
	cursor := w.baseSize
	for _, rec := range w.pending {
		if cursor == offset {
			return rec, nil
		}
		cursor += uint64(len(rec))
	}
	return nil, fmt.Errorf("nudb: %w: no pending record at offset %d", ErrDataMissing, offset)
}

// Create materializes a new, empty database: the data, key, and log files
// are created fresh, failing with ErrFileExists if any of the three paths
// already exists.
func Create(dataPath, keyPath, logPath string, appnum uint64, keySize uint16, blockSize uint32, loadFactor float32, opts ...Option) error {
	if keySize == 0 || keySize > 255 {
		return ErrKeySizeInvalid
	}
	if !validBlockSize(blockSize) {
		return ErrBlockSizeInvalid
	}
	if loadFactor <= 0 || loadFactor > 1 {
		return ErrLoadFactorInvalid
	}

	cfg := defaultConfig()
	cfg.apply(opts)

	df, err := createFile(dataPath)
	if err != nil {
		return fmt.Errorf("nudb: create data file: %w", err)
	}
	kf, err := createFile(keyPath)
	if err != nil {
		df.Close()
		return fmt.Errorf("nudb: create key file: %w", err)
	}
	lf, err := createFile(logPath)
	if err != nil {
		df.Close()
		kf.Close()
		return fmt.Errorf("nudb: create log file: %w", err)
	}
	defer lf.Close()
	defer kf.Close()
	defer df.Close()

	uid := newUID()
	salt := randomSalt()
	pepper := hash.Pepper(cfg.hasher, salt)

	dh := wire.DataHeader{Version: wire.Version, UID: uid, Appnum: appnum, KeySize: keySize}
	if err := writeFull(df, dh.Encode(), 0); err != nil {
		return fmt.Errorf("nudb: write data header: %w", err)
	}

	kh := wire.KeyHeader{
		Version:    wire.Version,
		UID:        uid,
		Appnum:     appnum,
		KeySize:    keySize,
		Salt:       salt,
		Pepper:     pepper,
		BlockSize:  blockSize,
		HasherID:   cfg.hasher.ID(),
		LoadFactor: loadFactorFixed(loadFactor),
		Buckets:    1,
		Modulus:    1,
	}
	if err := writeFull(kf, kh.Encode(), 0); err != nil {
		return fmt.Errorf("nudb: write key header: %w", err)
	}

	// Open Question (spec.md §9): this engine fixes the initial policy as
	// buckets=1, modulus=1, a single empty bucket materialized below.
	emptyBucket := make([]byte, blockSize)
	if err := writeFull(kf, emptyBucket, int64(wire.KeyHeaderSize)); err != nil {
		return fmt.Errorf("nudb: write initial bucket: %w", err)
	}

	if err := df.Sync(); err != nil {
		return err
	}
	if err := kf.Sync(); err != nil {
		return err
	}
	return nil
}

// newUID derives the 64-bit database UID recorded in the data/key/log
// headers from a fresh UUID, folding its 16 bytes down to 8 by XORing the
// two halves together.
func newUID() uint64 {
	id := uuid.New()
	var folded [8]byte
	for i := range folded {
		folded[i] = id[i] ^ id[i+8]
	}
	return binary.BigEndian.Uint64(folded[:])
}

// randomSalt generates the per-database salt mixed into every key hash.
func randomSalt() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("nudb: reading random bytes: %v", err))
	}
	return binary.BigEndian.Uint64(b[:])
}

func loadFactorFixed(f float32) uint16 {
	v := f * 65535
	if v > 65535 {
		v = 65535
	}
	return uint16(v)
}

func loadFactorFloat(v uint16) float32 {
	return float32(v) / 65535
}

func validBlockSize(n uint32) bool {
	if n < 96 || n > 65536 {
		return false
	}
	return n&(n-1) == 0
}

// Open opens an existing database. It fails with ErrLogFileExists if the
// log file is non-empty, meaning the previous session did not close
// cleanly; the caller must run Recover first (spec.md §4.5, §6).
func Open(dataPath, keyPath, logPath string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	cfg.apply(opts)

	df, err := openFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("nudb: open data file: %w", err)
	}
	kf, err := openFile(keyPath)
	if err != nil {
		df.Close()
		return nil, fmt.Errorf("nudb: open key file: %w", err)
	}
	lf, err := openOrCreateLog(logPath)
	if err != nil {
		df.Close()
		kf.Close()
		return nil, fmt.Errorf("nudb: open log file: %w", err)
	}

	closeAll := func() {
		df.Close()
		kf.Close()
		lf.Close()
	}

	logSize, err := lf.Size()
	if err != nil {
		closeAll()
		return nil, err
	}
	if logSize > 0 {
		closeAll()
		return nil, ErrLogFileExists
	}

	dataHeaderBuf := make([]byte, wire.DataHeaderSize)
	if err := readFull(df, dataHeaderBuf, 0); err != nil {
		closeAll()
		return nil, fmt.Errorf("nudb: read data header: %w", err)
	}
	dh, err := wire.DecodeDataHeader(dataHeaderBuf)
	if err != nil {
		closeAll()
		return nil, err
	}

	keyHeaderBuf := make([]byte, wire.KeyHeaderSize)
	if err := readFull(kf, keyHeaderBuf, 0); err != nil {
		closeAll()
		return nil, fmt.Errorf("nudb: read key header: %w", err)
	}
	kh, err := wire.DecodeKeyHeader(keyHeaderBuf)
	if err != nil {
		closeAll()
		return nil, err
	}

	if err := wire.CheckHeaders(dh, kh); err != nil {
		closeAll()
		return nil, err
	}

	hasher, ok := hash.ByID(kh.HasherID)
	if !ok {
		closeAll()
		return nil, fmt.Errorf("nudb: unknown hasher id %d: %w", kh.HasherID, ErrHasherMismatch)
	}
	if hash.Pepper(hasher, kh.Salt) != kh.Pepper {
		closeAll()
		return nil, fmt.Errorf("nudb: stored pepper does not match salt: %w", ErrPepperMismatch)
	}

	dataSize, err := df.Size()
	if err != nil {
		closeAll()
		return nil, err
	}
	keySize, err := kf.Size()
	if err != nil {
		closeAll()
		return nil, err
	}

	s := &Store{
		dataFile: df, keyFile: kf, logFile: lf,
		dataPath: dataPath, keyPath: keyPath, logPath: logPath,
		hasher:  hasher,
		salt:    kh.Salt,
		keySize: kh.KeySize,

		blockSize:  kh.BlockSize,
		loadFactor: loadFactorFloat(kh.LoadFactor),
		appnum:     dh.Appnum,
		uid:        dh.UID,

		buckets:      kh.Buckets,
		modulus:      kh.Modulus,
		dataFileSize: uint64(dataSize),
		keyFileSize:  uint64(keySize),

		p1: cache.New(kh.BlockSize, kh.KeySize),
		p0: cache.New(kh.BlockSize, kh.KeySize),
		pendingData: &dataWriter{baseSize: uint64(dataSize)},

		syncInterval:    cfg.syncInterval,
		commitThreshold: cfg.commitThreshold,

		closing:  make(chan struct{}),
		closed:   make(chan struct{}),
		flushNow: make(chan struct{}, 1),
	}

	itemCount, err := s.countItems()
	if err != nil {
		closeAll()
		return nil, err
	}
	s.itemCount = itemCount

	s.start()
	return s, nil
}

// countItems walks every on-disk bucket and its overflow chain, summing
// live entry counts. Run once at Open, since the header does not persist
// an item count (spec.md §6 lists no such field).
func (s *Store) countItems() (uint64, error) {
	var total uint64
	for i := uint64(0); i < s.buckets; i++ {
		buf := make([]byte, s.blockSize)
		if err := readFull(s.keyFile, buf, keyFileBucketOffset(i, s.blockSize)); err != nil {
			return 0, fmt.Errorf("nudb: reading bucket %d: %w", i, err)
		}
		b, err := bucket.Read(buf, s.keySize, s.dataFileSize)
		if err != nil {
			return 0, err
		}
		total += uint64(b.Size())
		spill := b.Spill()
		for spill != 0 {
			spillBuf := make([]byte, s.blockSize)
			if err := readFull(s.dataFile, spillBuf, int64(spill)+6); err != nil {
				return 0, fmt.Errorf("nudb: reading spill at %d: %w", spill, err)
			}
			sb, err := bucket.Read(spillBuf, s.keySize, s.dataFileSize)
			if err != nil {
				return 0, err
			}
			total += uint64(sb.Size())
			spill = sb.Spill()
		}
	}
	return total, nil
}

func keyFileBucketOffset(i uint64, blockSize uint32) int64 {
	return int64(wire.KeyHeaderSize) + int64(i)*int64(blockSize)
}

// start launches the background commit worker, mirroring the teacher's
// Store.run goroutine in store/store.go.
func (s *Store) start() {
	s.running = true
	go s.run()
}

func (s *Store) run() {
	defer close(s.closed)
	t := time.NewTicker(s.syncInterval)
	defer t.Stop()
	lastTick := time.Now()
	for {
		select {
		case <-s.flushNow:
			if err := s.Commit(); err != nil {
				s.setErr(err)
			}
		case now := <-t.C:
			// Adaptive arena sizing, at most once per second, under s.mu.
			if elapsed := now.Sub(lastTick).Seconds(); elapsed >= 1 {
				s.mu.Lock()
				s.p1.Arena().PeriodicActivity(elapsed)
				s.p0.Arena().PeriodicActivity(elapsed)
				s.mu.Unlock()
				lastTick = now
			}
			if err := s.Commit(); err != nil {
				s.setErr(err)
			}
		case <-s.closing:
			return
		}
	}
}

func (s *Store) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		log.Errorw("background commit failed, store is now failed", "err", err)
	}
	s.mu.Unlock()
}

// Err returns the sticky async error, if the background commit worker has
// ever failed (spec.md §5, §7).
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store) signalCommit() {
	select {
	case s.flushNow <- struct{}{}:
	default:
	}
}

// Close flushes any pending work through a final synchronous commit,
// stops the background worker, and truncates the log file to zero,
// leaving the database in the clean-close state spec.md §3 requires.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closedFlag {
		s.mu.Unlock()
		return nil
	}
	s.closedFlag = true
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		close(s.closing)
		<-s.closed
	}

	err := s.Commit()
	if cerr := s.logFile.Truncate(0); cerr != nil && err == nil {
		err = cerr
	} else if cerr == nil {
		if serr := s.logFile.Sync(); serr != nil && err == nil {
			err = serr
		}
	}

	if cerr := s.dataFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.keyFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.logFile.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
