package peer_test

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostlink/internal/peer"
)

func TestBookRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	book, err := peer.OpenBook(path)
	require.NoError(t, err)

	seen := time.Unix(1700000000, 0)
	in := []peer.Peer{
		{Addr: netip.MustParseAddr("10.0.0.2"), Username: "bob", PublicKey: []byte{1, 2, 3}, LastSeen: seen},
		{Addr: netip.MustParseAddr("10.0.0.3"), Username: "carol", LastSeen: seen},
		{Username: "no address"},
	}
	require.NoError(t, book.Save(in))
	require.NoError(t, book.Close())

	book, err = peer.OpenBook(path)
	require.NoError(t, err)
	defer book.Close()
	out, err := book.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)

	reg := peer.NewRegistry()
	for _, p := range out {
		require.NoError(t, reg.Restore(p))
	}
	p, ok := reg.Get(netip.MustParseAddr("10.0.0.2"))
	require.True(t, ok)
	require.Equal(t, "bob", p.Username)
	require.Equal(t, []byte{1, 2, 3}, p.PublicKey)
	require.True(t, seen.Equal(p.LastSeen))
	p, _ = reg.Get(netip.MustParseAddr("10.0.0.3"))
	require.Nil(t, p.PublicKey)
}

func TestRestoreKeepsLiveEntry(t *testing.T) {
	reg := peer.NewRegistry()
	addr := netip.MustParseAddr("10.0.0.2")
	require.NoError(t, reg.Upsert(addr, "live", nil))
	require.NoError(t, reg.Restore(peer.Peer{Addr: addr, Username: "stale"}))
	p, _ := reg.Get(addr)
	require.Equal(t, "live", p.Username)
	require.ErrorIs(t, reg.Restore(peer.Peer{}), peer.ErrInvalidAddr)
}
