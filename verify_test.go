package nudb_test

import (
	"math/rand"
	"testing"

	"github.com/nudb-go/nudb"
	"github.com/nudb-go/nudb/testutil"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptsConsistentDatabase(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 96, 0.5))

	s, err := nudb.Open(dataPath, keyPath, logPath)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(31))
	entries := testutil.GenerateEntries(r, 200, 16, 16)
	for _, e := range entries {
		require.NoError(t, s.Insert(e.Key, e.Value))
	}
	require.NoError(t, s.Close())

	require.NoError(t, nudb.Verify(dataPath, keyPath, nil))
}

func TestVerifyRejectsHeaderMismatch(t *testing.T) {
	dataPath, keyPath, logPath := paths(t)
	require.NoError(t, nudb.Create(dataPath, keyPath, logPath, 1, 16, 96, 0.5))
	dataPath2, keyPath2, logPath2 := paths(t)
	require.NoError(t, nudb.Create(dataPath2, keyPath2, logPath2, 2, 16, 96, 0.5))

	// Mixing a data file from one database with a key file from another
	// must fail UID cross-validation.
	err := nudb.Verify(dataPath, keyPath2, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, nudb.ErrUIDMismatch)
}
