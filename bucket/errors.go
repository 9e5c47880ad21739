package bucket

type errKind string

func (e errKind) Error() string { return string(e) }

const (
	// ErrBucketFull is returned by Insert when the bucket has no free
	// entry slots; the caller must spill the bucket first.
	ErrBucketFull = errKind("bucket: full")
	// ErrBadBucket indicates a bucket's decoded entry count exceeds its
	// capacity, a sign of a corrupt or truncated on-disk bucket.
	ErrBadBucket = errKind("bucket: invalid entry count")
	// ErrBadSpill indicates a bucket's spill offset points outside the
	// data file's committed size.
	ErrBadSpill = errKind("bucket: invalid spill offset")
)
