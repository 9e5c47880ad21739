package nudb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketIndexBelowBucketsUsesModulus(t *testing.T) {
	// buckets=4, modulus=4: every slot has already been split this epoch.
	require.Equal(t, uint64(0), bucketIndex(8, 4, 4))
	require.Equal(t, uint64(3), bucketIndex(7, 4, 4))
}

func TestBucketIndexAboveBucketsFallsBackToHalfModulus(t *testing.T) {
	// buckets=3, modulus=4: slot 3 (h%4==3) hasn't been split yet, so hashes
	// landing there fall back to h%2.
	h := uint64(7) // 7%4 == 3 (>= buckets), 7%2 == 1
	require.Equal(t, uint64(1), bucketIndex(h, 3, 4))
}

func TestBucketIndexWithinBucketsIsDirect(t *testing.T) {
	h := uint64(2) // 2%4 == 2, which is < buckets=3
	require.Equal(t, uint64(2), bucketIndex(h, 3, 4))
}
