package peerbook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBook(t *testing.T) (*Book, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peers")
	book, err := Open(path)
	require.NoError(t, err)
	return book, path
}

func testInfo(t *testing.T, id string, addr string) peer.AddrInfo {
	t.Helper()
	pid, err := peer.Decode(id)
	require.NoError(t, err)
	return peer.AddrInfo{ID: pid, Addrs: []multiaddr.Multiaddr{multiaddr.StringCast(addr)}}
}

func TestPutGetSurvivesReopen(t *testing.T) {
	book, path := openTestBook(t)
	info := testInfo(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", "/ip4/104.131.131.82/tcp/4001")
	now := time.Now()
	require.NoError(t, book.Put(info, now))
	require.NoError(t, book.Close())

	book, err := Open(path)
	require.NoError(t, err)
	defer book.Close()

	rec, ok, err := book.Get(info.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.ID, rec.Info.ID)
	require.Len(t, rec.Info.Addrs, 1)
	assert.True(t, info.Addrs[0].Equal(rec.Info.Addrs[0]))
	assert.WithinDuration(t, now, rec.LastSeen, time.Second)
}

func TestPutIgnoresAddresslessPeers(t *testing.T) {
	book, _ := openTestBook(t)
	defer book.Close()

	info := testInfo(t, "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN", "/ip4/127.0.0.1/tcp/1")
	info.Addrs = nil
	require.NoError(t, book.Put(info, time.Now()))

	all, err := book.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPruneAndDelete(t *testing.T) {
	book, _ := openTestBook(t)
	defer book.Close()

	old := testInfo(t, "QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ", "/ip4/10.0.0.1/tcp/1")
	fresh := testInfo(t, "QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN", "/ip4/10.0.0.2/tcp/1")
	require.NoError(t, book.Put(old, time.Now().Add(-48*time.Hour)))
	require.NoError(t, book.Put(fresh, time.Now()))

	removed, err := book.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := book.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh.ID, all[0].Info.ID)

	require.NoError(t, book.Delete(fresh.ID))
	_, ok, err := book.Get(fresh.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
