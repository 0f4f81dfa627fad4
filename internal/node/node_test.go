package node

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostlink/internal/channel"
	"ghostlink/internal/config"
	"ghostlink/internal/metrics"
	"ghostlink/internal/testutil"
)

func freePorts(t *testing.T, host string) (tcpPort, udpPort int) {
	t.Helper()
	tl, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	require.NoError(t, err)
	ul, err := net.ListenPacket("udp4", net.JoinHostPort(host, "0"))
	require.NoError(t, err)
	tcpPort = tl.Addr().(*net.TCPAddr).Port
	udpPort = ul.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, tl.Close())
	require.NoError(t, ul.Close())
	return tcpPort, udpPort
}

func testConfig(user, host, broadcast string, chatPort, discPort int) *config.Config {
	cfg := config.Default()
	cfg.Username = user
	cfg.Chat.ListenAddr = host
	cfg.Chat.Port = chatPort
	cfg.Discovery.ListenAddr = host
	cfg.Discovery.Port = discPort
	cfg.Discovery.BroadcastAddr = broadcast
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, m *metrics.Metrics) *Node {
	t.Helper()
	local := netip.MustParseAddr(cfg.Discovery.ListenAddr)
	n, err := New(cfg, Options{Metrics: m, LocalAddrs: []netip.Addr{local}})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Shutdown)
	return n
}

func startLoopbackNode(t *testing.T, user string, m *metrics.Metrics) *Node {
	t.Helper()
	chatPort, discPort := freePorts(t, "127.0.0.1")
	return startNode(t, testConfig(user, "127.0.0.1", "127.0.0.1", chatPort, discPort), m)
}

// waitFor skips events until one of type T arrives.
func waitFor[T Event](t *testing.T, n *Node) T {
	t.Helper()
	deadline := time.After(testutil.DefaultEventTimeout)
	for {
		select {
		case ev, ok := <-n.Events():
			require.True(t, ok, "events closed")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T event", zero)
		}
	}
}

func dial(t *testing.T, from, to *Node) *channel.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := from.Connect(ctx, to.ListenAddr().String())
	require.NoError(t, err)
	return ch
}

func TestConnectSendClose(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	bob := startLoopbackNode(t, "bob", nil)

	ch := dial(t, alice, bob)
	require.Equal(t, channel.Ready, ch.State())
	require.Equal(t, ch, waitFor[ChannelOpened](t, alice).Channel)
	inbound := waitFor[ChannelOpened](t, bob).Channel
	require.Equal(t, channel.Responder, inbound.Role())

	require.NoError(t, alice.Send(ch, "hello"))
	msg := waitFor[MessageReceived](t, bob)
	require.Equal(t, inbound, msg.Channel)
	require.Equal(t, "hello", msg.Text)

	require.NoError(t, bob.Send(inbound, "hi alice"))
	require.Equal(t, "hi alice", waitFor[MessageReceived](t, alice).Text)

	require.NoError(t, alice.Close(ch))
	closed := waitFor[ChannelClosed](t, bob)
	require.Equal(t, inbound, closed.Channel)
	require.Equal(t, channel.ClosedText, closed.Text)
	require.NoError(t, closed.Err)
	require.Equal(t, ch, waitFor[ChannelClosed](t, alice).Channel)

	require.Eventually(t, func() bool {
		return len(alice.Channels()) == 0 && len(bob.Channels()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, alice.Send(ch, "late"), ErrUnknownChannel)
}

func TestRegistryLearnsKeys(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	bob := startLoopbackNode(t, "bob", nil)

	ch := dial(t, alice, bob)
	inbound := waitFor[ChannelOpened](t, bob).Channel

	peers := bob.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), peers[0].Addr)
	require.Equal(t, inbound.PeerKey(), peers[0].PublicKey)
	require.NotEmpty(t, peers[0].Fingerprint())
	require.NotEqual(t, ch.PeerKey(), inbound.PeerKey())
}

func TestDiscoverThenConnectByAddress(t *testing.T) {
	chatPort, discPort := freePorts(t, "127.0.0.1")
	alice := startNode(t, testConfig("alice", "127.0.0.1", "127.0.0.2", chatPort, discPort), nil)

	bobCfg := testConfig("bob", "127.0.0.2", "127.0.0.1", chatPort, discPort)
	bob, err := New(bobCfg, Options{LocalAddrs: []netip.Addr{netip.MustParseAddr("127.0.0.2")}})
	require.NoError(t, err)
	if err := bob.Start(context.Background()); err != nil {
		t.Skipf("second loopback address unavailable: %v", err)
	}
	t.Cleanup(bob.Shutdown)

	require.NoError(t, alice.BroadcastDiscovery())
	found := waitFor[PeerDiscovered](t, alice)
	require.Equal(t, "bob", found.Username)
	require.Equal(t, netip.MustParseAddr("127.0.0.2"), found.Addr)
	require.Equal(t, []string{"bob (127.0.0.2)"}, alice.Discovered())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ch, err := alice.Connect(ctx, found.Addr.String())
	require.NoError(t, err)
	require.NoError(t, alice.Send(ch, "hello bob"))
	require.Equal(t, "hello bob", waitFor[MessageReceived](t, bob).Text)

	peers := alice.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "bob", peers[0].Username)
	require.Equal(t, ch.PeerKey(), peers[0].PublicKey)
}

func TestPerAddressLimit(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	chatPort, discPort := freePorts(t, "127.0.0.1")
	cfg := testConfig("bob", "127.0.0.1", "127.0.0.1", chatPort, discPort)
	cfg.Chat.MaxConnsPerIP = 1
	m := metrics.New()
	bob := startNode(t, cfg, m)

	dial(t, alice, bob)
	waitFor[ChannelOpened](t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := alice.Connect(ctx, bob.ListenAddr().String())
	require.ErrorIs(t, err, channel.ErrNetwork)
	require.Eventually(t, func() bool {
		return m.Snapshot().Channel.Rejected == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, bob.Channels(), 1)
	require.Equal(t, 1, bob.limiter.Count(netip.MustParseAddr("127.0.0.1")))
}

func TestLocalChannelCap(t *testing.T) {
	chatPort, discPort := freePorts(t, "127.0.0.1")
	cfg := testConfig("alice", "127.0.0.1", "127.0.0.1", chatPort, discPort)
	cfg.Chat.MaxChannels = 1
	alice := startNode(t, cfg, nil)
	bob := startLoopbackNode(t, "bob", nil)

	dial(t, alice, bob)
	_, err := alice.Connect(context.Background(), bob.ListenAddr().String())
	require.ErrorIs(t, err, ErrTooManyChannels)
}

func TestConnectFailureReportsStatus(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	port, _ := freePorts(t, "127.0.0.1")
	_, err := alice.Connect(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.ErrorIs(t, err, channel.ErrNetwork)
	for {
		st := waitFor[Status](t, alice)
		if strings.HasPrefix(st.Text, "Connection to") {
			break
		}
	}
	require.Empty(t, alice.Channels())
}

func TestShutdown(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	bob := startLoopbackNode(t, "bob", nil)
	ch := dial(t, alice, bob)
	waitFor[ChannelOpened](t, bob)

	alice.Shutdown()
	testutil.WithTimeout(t, 5*time.Second, func() {
		for range alice.Events() {
		}
	})
	require.Equal(t, channel.Closed, ch.State())
	waitFor[ChannelClosed](t, bob)

	require.ErrorIs(t, alice.Start(context.Background()), ErrStopped)
	_, err := alice.Connect(context.Background(), bob.ListenAddr().String())
	require.ErrorIs(t, err, ErrStopped)
	require.ErrorIs(t, alice.BroadcastDiscovery(), ErrStopped)
	alice.Shutdown()
}

func TestStartTwice(t *testing.T) {
	alice := startLoopbackNode(t, "alice", nil)
	require.ErrorIs(t, alice.Start(context.Background()), ErrAlreadyStarted)
}

func TestUnknownChannel(t *testing.T) {
	n, err := New(nil, Options{})
	require.NoError(t, err)
	defer n.Shutdown()
	stray := channel.New(channel.Options{})
	require.ErrorIs(t, n.Send(stray, "x"), ErrUnknownChannel)
	require.ErrorIs(t, n.Close(stray), ErrUnknownChannel)
	require.ErrorIs(t, n.Send(nil, "x"), ErrUnknownChannel)
}

func TestWithChatPort(t *testing.T) {
	n, err := New(nil, Options{})
	require.NoError(t, err)
	defer n.Shutdown()
	cases := map[string]string{
		"192.168.1.5":      "192.168.1.5:5005",
		"192.168.1.5:7000": "192.168.1.5:7000",
		"fe80::1":          "[fe80::1]:5005",
		"[fe80::1]:7000":   "[fe80::1]:7000",
		"bob.local":        "bob.local:5005",
		"bücher.lan:7000":  "xn--bcher-kva.lan:7000",
	}
	for in, want := range cases {
		got, err := n.withChatPort(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err = n.withChatPort("bad host")
	require.ErrorIs(t, err, ErrBadAddress)
	_, err = n.Connect(context.Background(), "bad host")
	require.ErrorIs(t, err, ErrBadAddress)
}

func TestSessionStore(t *testing.T) {
	s := NewSessionStore(2)
	a, b, c := channel.New(channel.Options{}), channel.New(channel.Options{}), channel.New(channel.Options{})
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))
	require.ErrorIs(t, s.Add(c), ErrTooManyChannels)
	require.True(t, s.Has(a))
	s.Remove(a)
	require.False(t, s.Has(a))
	require.NoError(t, s.Add(c))
	require.Equal(t, 2, s.Len())
	require.Len(t, s.List(), 2)
}

func TestPeerBookSurvivesRestart(t *testing.T) {
	book := filepath.Join(t.TempDir(), "peers.db")
	bob := startLoopbackNode(t, "bob", nil)

	chatPort, discPort := freePorts(t, "127.0.0.1")
	cfg := testConfig("alice", "127.0.0.1", "127.0.0.1", chatPort, discPort)
	cfg.Peers.File = book
	alice := startNode(t, cfg, nil)
	ch := dial(t, alice, bob)
	key := ch.PeerKey()
	alice.Shutdown()

	chatPort, discPort = freePorts(t, "127.0.0.1")
	cfg = testConfig("alice", "127.0.0.1", "127.0.0.1", chatPort, discPort)
	cfg.Peers.File = book
	again := startNode(t, cfg, nil)
	peers := again.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, key, peers[0].PublicKey)
}
