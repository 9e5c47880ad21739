package arena_test

import (
	"testing"

	"github.com/nudb-go/nudb/arena"
	"github.com/stretchr/testify/require"
)

func TestNextAllocSizeDoublesOnHighRate(t *testing.T) {
	next, changed := arena.NextAllocSize(4096, 1024)
	require.True(t, changed)
	require.Equal(t, uint64(2048), next)
}

func TestNextAllocSizeDoublesRatherThanJumpingToRate(t *testing.T) {
	next, changed := arena.NextAllocSize(3000, 1024)
	require.True(t, changed)
	require.Equal(t, uint64(2048), next)
}

func TestNextAllocSizeHalvesOnLowRate(t *testing.T) {
	next, changed := arena.NextAllocSize(100, 1024)
	require.True(t, changed)
	require.Equal(t, uint64(512), next)
}

func TestNextAllocSizeKeepsMiddleBand(t *testing.T) {
	next, changed := arena.NextAllocSize(1024, 1024)
	require.False(t, changed)
	require.Equal(t, uint64(1024), next)
}

func TestNextAllocSizeZeroCurrentIsNoop(t *testing.T) {
	next, changed := arena.NextAllocSize(5000, 0)
	require.False(t, changed)
	require.Equal(t, uint64(0), next)
}

func TestNextAllocSizeNeverHalvesToZero(t *testing.T) {
	next, changed := arena.NextAllocSize(0, 1)
	require.False(t, changed)
	require.Equal(t, uint64(1), next)
}
