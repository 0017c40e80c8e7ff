package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFileReturnsNil(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "worker_identity.yaml"))

	id, err := s.Load()
	require.NoError(t, err)
	require.Nil(t, id)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "identity", "worker_identity.yaml"))

	err := s.Save("worker-1", "api-key-abc", "super-secret")
	require.NoError(t, err)

	id, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, id)
	require.Equal(t, "worker-1", id.WorkerID)
	require.Equal(t, "api-key-abc", id.APIKey)
	require.NotEqual(t, "super-secret", id.SecretKeyHash)
}

func TestVerifySecretKey(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "worker_identity.yaml"))
	require.NoError(t, s.Save("worker-1", "api-key-abc", "super-secret"))

	id, err := s.Load()
	require.NoError(t, err)

	require.True(t, VerifySecretKey(id, "super-secret"))
	require.False(t, VerifySecretKey(id, "wrong-secret"))
}
