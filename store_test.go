package nudb_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nudb-go/nudb"
	"github.com/nudb-go/nudb/testutil"
	"github.com/stretchr/testify/require"
)

func paths(t *testing.T) (data, key, log string) {
	dir := t.TempDir()
	return filepath.Join(dir, "db.dat"), filepath.Join(dir, "db.key"), filepath.Join(dir, "db.log")
}

func TestCreateRejectsExistingFiles(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 8, 4096, 0.5))
	require.ErrorIs(t, nudb.Create(dataPath, keyPath, logPath, 1, 8, 4096, 0.5), nudb.ErrFileExists)
}

func TestCreateRejectsInvalidParams(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.ErrorIs(t, nudb.Create(dataPath, keyPath, logPath, 1, 0, 4096, 0.5), nudb.ErrKeySizeInvalid)
	require.ErrorIs(t, nudb.Create(dataPath, keyPath, logPath, 1, 8, 100, 0.5), nudb.ErrBlockSizeInvalid)
	require.ErrorIs(t, nudb.Create(dataPath, keyPath, logPath, 1, 8, 4096, 1.5), nudb.ErrLoadFactorInvalid)
}

func TestInsertFetchRoundTrip(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))

	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(1))
	entries := testutil.GenerateEntries(r, 50, 16, 64)
	for _, e := range entries {
		require.NoError(t, s.Insert(e.Key, e.Value))
	}
	require.NoError(t, s.Commit())

	for _, e := range entries {
		var got []byte
		found, err := s.Fetch(e.Key, func(v []byte) error {
			got = append([]byte(nil), v...)
			return nil
		})
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, e.Value, got)
	}

	require.NoError(t, s.Close())
}

func TestFetchMissingKeyReturnsFalse(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s.Close()

	found, err := s.Fetch(make([]byte, 16), func(v []byte) error { return nil })
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertDuplicateReturnsErrDuplicate(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s.Close()

	key := testutil.RandomKey(rand.New(rand.NewSource(2)), 16)
	require.NoError(t, s.Insert(key, []byte("v1")))

	err = s.Insert(key, []byte("v2"))
	require.Error(t, err)
	require.ErrorIs(t, err, nudb.ErrKeyExists)

	var dup *nudb.ErrDuplicate
	require.ErrorAs(t, err, &dup)
	require.Equal(t, []byte("v1"), dup.StoredValue)
}

func TestFetchBeforeCommitSeesUncommittedInsert(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s.Close()

	key := testutil.RandomKey(rand.New(rand.NewSource(3)), 16)
	require.NoError(t, s.Insert(key, []byte("uncommitted")))

	var got []byte
	found, err := s.Fetch(key, func(v []byte) error {
		got = append([]byte(nil), v...)
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("uncommitted"), got)
}

func TestReopenAfterCleanCloseFetchesCommittedData(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))

	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(4))
	entries := testutil.GenerateEntries(r, 10, 16, 32)
	for _, e := range entries {
		require.NoError(t, s.Insert(e.Key, e.Value))
	}
	require.NoError(t, s.Close())

	s2, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s2.Close()

	for _, e := range entries {
		var got []byte
		found, err := s2.Fetch(e.Key, func(v []byte) error {
			got = append([]byte(nil), v...)
			return nil
		})
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, e.Value, got)
	}
}

func TestOpenRejectsNonEmptyLog(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))

	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	require.NoError(t, s.Insert(testutil.RandomKey(rand.New(rand.NewSource(5)), 16), []byte("v")))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	// A clean close truncates the log; simulate a crash mid-commit by
	// leaving some bytes in it.
	require.NoError(t, os.WriteFile(logPath, []byte("not a clean close"), 0o644))

	_, err = nudb.Open(dataPath, keyPath, logPath)
	require.ErrorIs(t, err, nudb.ErrLogFileExists)
}

func TestSplitIncreasesBucketCount(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	// Small block size means few entries per bucket, so a modest insert
	// count is enough to force at least one split.
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 8, 96, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s.Close()

	r := rand.New(rand.NewSource(6))
	entries := testutil.GenerateEntries(r, 200, 8, 16)
	for _, e := range entries {
		require.NoError(t, s.Insert(e.Key, e.Value))
	}
	require.NoError(t, s.Commit())

	for _, e := range entries {
		found, err := s.Fetch(e.Key, func(v []byte) error { return nil })
		require.NoError(t, err)
		require.True(t, found)
	}
}

func TestCloseLeavesLogEmpty(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)

	require.NoError(t, s.Insert(testutil.RandomKey(rand.New(rand.NewSource(7)), 16), []byte("v")))
	require.NoError(t, s.Close())

	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestInsertRejectsWrongKeyLength(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 4096, 0.5))
	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)
	defer s.Close()

	err = s.Insert([]byte("short"), []byte("v"))
	require.Error(t, err)
}
