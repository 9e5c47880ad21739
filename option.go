package nudb

import (
	"time"

	"github.com/nudb-go/nudb/hash"
)

// config holds the tunables applied through functional Options, in the
// shape of the teacher's gsfa/store/option.go (a private config struct,
// defaults applied before options run, one Option func per knob).
type config struct {
	syncInterval    time.Duration
	commitThreshold uint64
	hasher          hash.Hasher
}

const (
	defaultSyncInterval    = time.Second
	defaultCommitThreshold = 4 * 1024 * 1024
)

func defaultConfig() config {
	return config{
		syncInterval:    defaultSyncInterval,
		commitThreshold: defaultCommitThreshold,
		hasher:          hash.XXHash64{},
	}
}

// Option configures a Store at Create or Open time.
type Option func(*config)

func (c *config) apply(opts []Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithSyncInterval sets how often the background commit worker fires on
// its own, independent of the commit threshold being crossed.
func WithSyncInterval(d time.Duration) Option {
	return func(c *config) { c.syncInterval = d }
}

// WithCommitThreshold sets the combined size, in bytes, of dirty cache
// buckets plus buffered data writes that causes an insert to signal the
// background commit worker instead of waiting for the next timer tick.
func WithCommitThreshold(bytes uint64) Option {
	return func(c *config) { c.commitThreshold = bytes }
}

// WithHasher overrides the default xxhash-based Hasher. Only meaningful at
// Create time: Open always resolves the hasher recorded in the key header,
// so that an open database is never misread by a different algorithm.
func WithHasher(h hash.Hasher) Option {
	return func(c *config) { c.hasher = h }
}
