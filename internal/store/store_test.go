package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisdark/ztnode/internal/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), true, true)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectIdentityPublic, 0, []byte("pubkey"))
	data, ok := s.Get(engine.StateObjectIdentityPublic, 0)
	require.True(t, ok)
	assert.Equal(t, []byte("pubkey"), data)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get(engine.StateObjectPlanet, 0)
	assert.False(t, ok)
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectPlanet, 0, []byte("world"))
	require.EqualValues(t, 1, s.Writes())

	// Identical content must not hit the filesystem again.
	s.Put(engine.StateObjectPlanet, 0, []byte("world"))
	assert.EqualValues(t, 1, s.Writes())

	s.Put(engine.StateObjectPlanet, 0, []byte("world2"))
	assert.EqualValues(t, 2, s.Writes())
}

func TestPutNilDeletes(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectPlanet, 0, []byte("world"))
	s.Put(engine.StateObjectPlanet, 0, nil)

	_, ok := s.Get(engine.StateObjectPlanet, 0)
	assert.False(t, ok)

	// Deleting a missing object is a no-op.
	s.Put(engine.StateObjectPlanet, 0, nil)
}

func TestSecretIdentityPermissions(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectIdentitySecret, 0, []byte("secret"))

	info, err := os.Stat(filepath.Join(s.Home(), "identity.secret"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNetworkConfigCachingDisabled(t *testing.T) {
	s, err := New(t.TempDir(), false, true)
	require.NoError(t, err)

	s.Put(engine.StateObjectNetworkConfig, 0xa09acf0233e4b5c9, []byte("conf"))
	_, ok := s.Get(engine.StateObjectNetworkConfig, 0xa09acf0233e4b5c9)
	assert.False(t, ok)
	assert.Empty(t, s.CachedNetworks())
}

func TestCachedNetworks(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectNetworkConfig, 0xa09acf0233e4b5c9, []byte("a"))
	s.Put(engine.StateObjectNetworkConfig, 0x1, []byte("b"))

	// Unrelated files in networks.d are ignored.
	require.NoError(t, os.WriteFile(
		filepath.Join(s.Home(), "networks.d", "junk.conf"), []byte("x"), 0o644))

	ids := s.CachedNetworks()
	assert.ElementsMatch(t, []uint64{0xa09acf0233e4b5c9, 0x1}, ids)
}

func TestRemoveNetworkLocalConfig(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(s.Home(), "networks.d", "a09acf0233e4b5c9.local.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("allow_global: true"), 0o600))

	s.RemoveNetworkLocalConfig(0xa09acf0233e4b5c9)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanPeers(t *testing.T) {
	s := newTestStore(t)

	s.Put(engine.StateObjectPeer, 0xdeadbeef01, []byte("old"))
	s.Put(engine.StateObjectPeer, 0xdeadbeef02, []byte("new"))

	old := filepath.Join(s.Home(), "peers.d", "deadbeef01.peer")
	past := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	removed := s.CleanPeers(time.Now().Add(-30 * 24 * time.Hour))
	assert.Equal(t, 1, removed)

	_, ok := s.Get(engine.StateObjectPeer, 0xdeadbeef01)
	assert.False(t, ok)
	_, ok = s.Get(engine.StateObjectPeer, 0xdeadbeef02)
	assert.True(t, ok)
}
