package hash_test

import (
	"testing"

	"github.com/nudb-go/nudb/hash"
	"github.com/stretchr/testify/require"
)

func TestXXHash64IsDeterministic(t *testing.T) {
	h := hash.XXHash64{}
	key := []byte("a-test-key")
	require.Equal(t, h.Hash(42, key), h.Hash(42, key))
}

func TestXXHash64VariesWithSalt(t *testing.T) {
	h := hash.XXHash64{}
	key := []byte("a-test-key")
	require.NotEqual(t, h.Hash(1, key), h.Hash(2, key))
}

func TestXXHash64VariesWithKey(t *testing.T) {
	h := hash.XXHash64{}
	require.NotEqual(t, h.Hash(1, []byte("a")), h.Hash(1, []byte("b")))
}

func TestPepperIsDeterministic(t *testing.T) {
	h := hash.XXHash64{}
	require.Equal(t, hash.Pepper(h, 7), hash.Pepper(h, 7))
	require.NotEqual(t, hash.Pepper(h, 7), hash.Pepper(h, 8))
}

func TestByID(t *testing.T) {
	h, ok := hash.ByID(hash.XXHash64ID)
	require.True(t, ok)
	require.Equal(t, hash.XXHash64ID, h.ID())

	_, ok = hash.ByID(9999)
	require.False(t, ok)
}
