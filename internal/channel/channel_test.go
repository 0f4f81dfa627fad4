package channel

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostlink/internal/crypto"
	"ghostlink/internal/metrics"
	"ghostlink/internal/network"
	"ghostlink/internal/peer"
	"ghostlink/internal/proto"
	"ghostlink/internal/testutil"
)

const quiet = 150 * time.Millisecond

// pair connects an initiator to a responder over tr on loopback.
func pair(t *testing.T, tr network.Transport, initOpts, respOpts Options) (*Channel, *Channel) {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	initOpts.Transport = tr
	respOpts.Transport = tr
	initiator := New(initOpts)
	responder := New(respOpts)
	t.Cleanup(func() {
		_ = initiator.Close()
		_ = responder.Close()
	})

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		accepted <- responder.Accept(context.Background(), conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, initiator.Connect(ctx, ln.Addr().String()))
	require.NoError(t, testutil.Recv(t, accepted, 0))
	return initiator, responder
}

func recvEvent(t *testing.T, c *Channel) Event {
	t.Helper()
	return testutil.Recv(t, c.Events(), 0)
}

// expectClosed waits for the terminal event and checks nothing follows it.
func expectClosed(t *testing.T, c *Channel) Event {
	t.Helper()
	ev := recvEvent(t, c)
	require.Equal(t, EventClosed, ev.Kind)
	require.Equal(t, ClosedText, ev.Text)
	testutil.Closed(t, c.Done(), 0)
	_, ok := <-c.Events()
	require.False(t, ok)
	require.Equal(t, Closed, c.State())
	return ev
}

func TestRoundTripBothSuites(t *testing.T) {
	for _, suite := range []crypto.Suite{crypto.SuiteAESCBC, crypto.SuiteXChaCha} {
		t.Run(string(suite), func(t *testing.T) {
			opts := Options{Suite: suite}
			a, b := pair(t, network.TCP{}, opts, opts)
			require.Equal(t, Ready, a.State())
			require.Equal(t, Ready, b.State())
			require.Equal(t, Initiator, a.Role())
			require.Equal(t, Responder, b.Role())

			require.NoError(t, a.Send("hello"))
			ev := recvEvent(t, b)
			require.Equal(t, EventMessage, ev.Kind)
			require.Equal(t, "hello", ev.Text)
			testutil.NoRecv(t, b.Events(), quiet)

			require.NoError(t, b.Send("hi back"))
			require.NoError(t, b.Send(""))
			require.Equal(t, "hi back", recvEvent(t, a).Text)
			require.Equal(t, "", recvEvent(t, a).Text)
		})
	}
}

func TestMessagesKeepOrder(t *testing.T) {
	a, b := pair(t, network.TCP{}, Options{}, Options{})
	want := []string{"one", "two", "three", "four"}
	for _, m := range want {
		require.NoError(t, a.Send(m))
	}
	for _, m := range want {
		require.Equal(t, m, recvEvent(t, b).Text)
	}
}

func TestConcurrentSendersFramesStayIntact(t *testing.T) {
	a, b := pair(t, network.TCP{}, Options{Suite: crypto.SuiteXChaCha}, Options{Suite: crypto.SuiteXChaCha})
	const n = 50
	errs := make(chan error, 2*n)
	for i := 0; i < 2; i++ {
		go func() {
			for j := 0; j < n; j++ {
				errs <- a.Send("payload")
			}
		}()
	}
	for i := 0; i < 2*n; i++ {
		require.NoError(t, testutil.Recv(t, errs, 0))
	}
	for i := 0; i < 2*n; i++ {
		ev := recvEvent(t, b)
		require.Equal(t, EventMessage, ev.Kind)
		require.Equal(t, "payload", ev.Text)
	}
}

func TestPeerCloseEmitsOneTerminalEvent(t *testing.T) {
	a, b := pair(t, network.TCP{}, Options{}, Options{})
	require.NoError(t, a.Close())

	ev := expectClosed(t, b)
	require.NoError(t, ev.Err)
	require.ErrorIs(t, b.Send("late"), ErrNotReady)

	ev = expectClosed(t, a)
	require.NoError(t, ev.Err)
}

func TestCloseIsIdempotent(t *testing.T) {
	m := metrics.New()
	a, _ := pair(t, network.TCP{}, Options{Metrics: m}, Options{})
	require.Equal(t, int64(1), m.Snapshot().Channel.Open)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	expectClosed(t, a)
	require.NoError(t, a.Close())

	snap := m.Snapshot().Channel
	assert.Equal(t, uint64(1), snap.Opened)
	assert.Equal(t, uint64(1), snap.Closed)
	assert.Equal(t, int64(0), snap.Open)
	assert.Equal(t, uint64(0), snap.HandshakeFail)
}

func TestSendBeforeReady(t *testing.T) {
	c := New(Options{})
	require.Equal(t, Disconnected, c.State())
	require.ErrorIs(t, c.Send("x"), ErrNotReady)

	// Responder waiting for a key that never arrives stays in KeyExchange.
	server, client := net.Pipe()
	defer client.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- c.Accept(context.Background(), server) }()
	require.Eventually(t, func() bool { return c.State() == KeyExchange }, time.Second, time.Millisecond)
	require.ErrorIs(t, c.Send("x"), ErrNotReady)

	require.NoError(t, c.Close())
	require.Error(t, testutil.Recv(t, accepted, 0))
	expectClosed(t, c)
	require.ErrorIs(t, c.Send("x"), ErrNotReady)
}

func TestCloseBeforeStart(t *testing.T) {
	m := metrics.New()
	c := New(Options{Metrics: m})
	require.NoError(t, c.Close())
	ev := expectClosed(t, c)
	require.NoError(t, ev.Err)
	require.ErrorIs(t, c.Connect(context.Background(), "127.0.0.1:1"), ErrClosed)
	assert.Equal(t, uint64(0), m.Snapshot().Channel.HandshakeFail)
}

func TestChannelIsSingleUse(t *testing.T) {
	a, _ := pair(t, network.TCP{}, Options{}, Options{})
	require.ErrorIs(t, a.Connect(context.Background(), "127.0.0.1:1"), ErrInvalidState)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := metrics.New()
	c := New(Options{Metrics: m})
	err = c.Connect(context.Background(), addr)
	require.ErrorIs(t, err, ErrNetwork)
	ev := expectClosed(t, c)
	require.ErrorIs(t, ev.Err, ErrNetwork)
	assert.Equal(t, uint64(1), m.Snapshot().Channel.HandshakeFail)
}

func TestGarbagePublicKey(t *testing.T) {
	c := New(Options{})
	server, client := net.Pipe()
	defer client.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- c.Accept(context.Background(), server) }()

	require.NoError(t, proto.WriteFrame(client, []byte("definitely not a key")))
	require.ErrorIs(t, testutil.Recv(t, accepted, 0), ErrHandshake)
	ev := expectClosed(t, c)
	require.ErrorIs(t, ev.Err, ErrHandshake)
}

func TestGarbageBundle(t *testing.T) {
	c := New(Options{})
	server, client := net.Pipe()
	defer client.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- c.Accept(context.Background(), server) }()

	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(client, kp.Public()))
	_, err = proto.ReadFrame(client)
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(client, make([]byte, 256)))

	require.ErrorIs(t, testutil.Recv(t, accepted, 0), ErrHandshake)
	expectClosed(t, c)
}

func TestWrongBundleLength(t *testing.T) {
	c := New(Options{})
	server, client := net.Pipe()
	defer client.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- c.Accept(context.Background(), server) }()

	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(client, kp.Public()))
	peerKey, err := proto.ReadFrame(client)
	require.NoError(t, err)
	wrapped, err := crypto.Wrap(peerKey, make([]byte, crypto.BundleSize-1))
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(client, wrapped))

	require.ErrorIs(t, testutil.Recv(t, accepted, 0), ErrHandshake)
	expectClosed(t, c)
}

func TestHandshakeTimeout(t *testing.T) {
	c := New(Options{HandshakeTimeout: 100 * time.Millisecond})
	server, client := net.Pipe()
	defer client.Close()
	err := c.Accept(context.Background(), server)
	require.ErrorIs(t, err, ErrNetwork)
	expectClosed(t, c)
}

// manualInitiator performs the initiator side by hand and returns the
// established connection and bundle.
func manualInitiator(t *testing.T, conn net.Conn) crypto.Bundle {
	t.Helper()
	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(conn, kp.Public()))
	peerKey, err := proto.ReadFrame(conn)
	require.NoError(t, err)
	b, err := crypto.NewBundle()
	require.NoError(t, err)
	wrapped, err := crypto.Wrap(peerKey, b.Bytes())
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(conn, wrapped))
	return b
}

func TestDecryptFailureEndsChannel(t *testing.T) {
	m := metrics.New()
	c := New(Options{Metrics: m})
	server, client := net.Pipe()
	defer client.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- c.Accept(context.Background(), server) }()

	b := manualInitiator(t, client)
	require.NoError(t, testutil.Recv(t, accepted, 0))

	sc, err := crypto.NewSessionCipher(crypto.SuiteAESCBC, b)
	require.NoError(t, err)
	ct, err := sc.Seal([]byte("good"))
	require.NoError(t, err)
	require.NoError(t, proto.WriteFrame(client, ct))
	require.Equal(t, "good", recvEvent(t, c).Text)

	require.NoError(t, proto.WriteFrame(client, make([]byte, 15)))
	ev := expectClosed(t, c)
	require.ErrorIs(t, ev.Err, ErrDecrypt)
	assert.Equal(t, uint64(1), m.Snapshot().Channel.DecryptFail)
	assert.Equal(t, uint64(1), m.Snapshot().Channel.MessagesReceived)
}

func TestSuiteMismatchFailsOnFirstMessage(t *testing.T) {
	a, b := pair(t, network.TCP{}, Options{Suite: crypto.SuiteAESCBC}, Options{Suite: crypto.SuiteXChaCha})
	require.NoError(t, a.Send("hello"))
	ev := expectClosed(t, b)
	require.ErrorIs(t, ev.Err, ErrDecrypt)
}

func TestRegistryRecordsPeerKey(t *testing.T) {
	reg := peer.NewRegistry()
	require.NoError(t, reg.Upsert(netip.MustParseAddr("127.0.0.1"), "alice", nil))

	a, b := pair(t, network.TCP{}, Options{}, Options{Registry: reg})
	p, ok := reg.Get(netip.MustParseAddr("127.0.0.1"))
	require.True(t, ok)
	require.Equal(t, "alice", p.Username)
	require.Equal(t, b.PeerKey(), p.PublicKey)
	require.NotEqual(t, a.PeerKey(), b.PeerKey())
	require.Equal(t, netip.MustParseAddr("127.0.0.1"), a.PeerAddr())
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	a, b := pair(t, network.TCP{}, Options{}, Options{EventBuffer: 2})
	for i := 0; i < 2; i++ {
		require.NoError(t, a.Send("fill"))
	}
	require.Eventually(t, func() bool { return len(b.Events()) == 2 }, 5*time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	testutil.Closed(t, b.Done(), 0)
	var last Event
	closedCount := 0
	for ev := range b.Events() {
		if ev.Kind == EventClosed {
			closedCount++
		}
		last = ev
	}
	require.Equal(t, 1, closedCount)
	require.Equal(t, EventClosed, last.Kind)
}

func TestQUICTransport(t *testing.T) {
	tr := network.NewQUIC()
	opts := Options{Suite: crypto.SuiteXChaCha}
	a, b := pair(t, tr, opts, opts)
	require.NoError(t, a.Send("over quic"))
	require.Equal(t, "over quic", recvEvent(t, b).Text)
	require.NoError(t, b.Send("ack"))
	require.Equal(t, "ack", recvEvent(t, a).Text)
	require.NoError(t, a.Close())
	expectClosed(t, b)
}
