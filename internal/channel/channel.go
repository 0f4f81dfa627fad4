// Package channel implements the point-to-point secure chat channel.
//
// The handshake is unauthenticated: each side accepts whatever public key
// the other presents. It protects against passive eavesdropping only.
package channel

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"ghostlink/internal/crypto"
	"ghostlink/internal/debuglog"
	"ghostlink/internal/metrics"
	"ghostlink/internal/network"
	"ghostlink/internal/peer"
	"ghostlink/internal/proto"
)

const (
	// ClosedText is the text of the terminal event.
	ClosedText = "[Connection closed]"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultEventBuffer      = 64
)

type Options struct {
	// Suite selects the data frame cipher. Both peers must agree.
	Suite crypto.Suite

	// Transport dials outgoing connections. Defaults to TCP.
	Transport network.Transport

	// Registry, when set, records the public key each peer presents.
	Registry *peer.Registry

	Log     *logging.Logger
	Metrics *metrics.Metrics

	HandshakeTimeout time.Duration
	EventBuffer      int
}

// Channel is one encrypted conversation with exactly one peer. A Channel
// is single use: it is either connected or accepted once, then closed.
type Channel struct {
	opts  Options
	log   *logging.Logger
	state atomic.Int32

	mu       sync.Mutex
	role     Role
	conn     network.Conn
	addr     string
	peerAddr netip.Addr
	peerKey  []byte
	cipher   crypto.SessionCipher

	writeMu sync.Mutex

	events    chan Event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	started   atomic.Bool
	ready     atomic.Bool
}

func New(opts Options) *Channel {
	if opts.Suite == "" {
		opts.Suite = crypto.SuiteAESCBC
	}
	if opts.Transport == nil {
		opts.Transport = network.TCP{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	log := opts.Log
	if log == nil {
		log = debuglog.Discard().GetLogger("channel")
	}
	return &Channel{
		opts:    opts,
		log:     log,
		events:  make(chan Event, opts.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Events yields inbound messages followed by one EventClosed, then is
// closed.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed once the channel has fully terminated.
func (c *Channel) Done() <-chan struct{} { return c.done }

// RemoteAddr is the dialed or accepted address.
func (c *Channel) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// PeerAddr is the peer IP, valid once a connection exists.
func (c *Channel) PeerAddr() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAddr
}

// PeerKey is the public key the peer presented during the handshake.
func (c *Channel) PeerKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.peerKey))
	copy(out, c.peerKey)
	return out
}

// Connect dials addr and runs the initiator handshake. On success the
// channel is Ready and its receive loop is running.
func (c *Channel) Connect(ctx context.Context, addr string) error {
	if err := c.start(Initiator, addr); err != nil {
		return err
	}

	ctx, cancel := c.closeContext(ctx)
	defer cancel()
	conn, err := c.opts.Transport.Dial(ctx, addr)
	if err != nil {
		err = networkErr("dial", err)
		c.end(err)
		return err
	}
	return c.run(ctx, conn)
}

// Accept runs the responder handshake on an inbound connection. The
// channel takes ownership of conn.
func (c *Channel) Accept(ctx context.Context, conn network.Conn) error {
	if err := c.start(Responder, conn.RemoteAddr().String()); err != nil {
		return err
	}

	ctx, cancel := c.closeContext(ctx)
	defer cancel()
	return c.run(ctx, conn)
}

func (c *Channel) start(role Role, addr string) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(KeyExchange)) {
		if c.State() == Closed {
			return ErrClosed
		}
		return ErrInvalidState
	}
	c.started.Store(true)
	c.mu.Lock()
	c.role = role
	c.addr = addr
	c.mu.Unlock()
	return nil
}

func (c *Channel) run(ctx context.Context, conn network.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.peerAddr = network.AddrOf(conn.RemoteAddr())
	c.mu.Unlock()
	select {
	case <-c.closing:
		c.end(nil)
		return ErrClosed
	default:
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	var (
		sc      crypto.SessionCipher
		peerKey []byte
		err     error
	)
	role := c.Role()
	if role == Initiator {
		sc, peerKey, err = c.initiatorHandshake(conn)
	} else {
		sc, peerKey, err = c.responderHandshake(conn)
	}
	if !stop() {
		err = errors.Join(err, ctx.Err(), ErrClosed)
	}
	if err == nil {
		err = conn.SetDeadline(time.Time{})
		if err != nil {
			err = networkErr("clear deadline", err)
		}
	}
	if err != nil {
		c.log.Warningf("%s handshake with %s failed: %v", role, c.RemoteAddr(), err)
		c.end(err)
		return err
	}

	c.mu.Lock()
	c.cipher = sc
	c.peerKey = peerKey
	c.mu.Unlock()
	if c.opts.Registry != nil && c.PeerAddr().IsValid() {
		_ = c.opts.Registry.ObserveKey(c.PeerAddr(), peerKey)
	}
	if !c.state.CompareAndSwap(int32(KeyExchange), int32(Ready)) {
		c.end(nil)
		return ErrClosed
	}
	c.ready.Store(true)
	c.opts.Metrics.ChannelOpened()
	c.log.Noticef("channel ready: %s %s key=%.16s", role, c.RemoteAddr(), crypto.Fingerprint(peerKey))
	go c.receiveLoop(conn, sc)
	return nil
}

// closeContext derives a context that is also cancelled by Close.
func (c *Channel) closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Send encrypts text as one frame. Callers may share a channel; writes
// are serialized.
func (c *Channel) Send(text string) error {
	if c.State() != Ready {
		return ErrNotReady
	}
	c.mu.Lock()
	conn, sc := c.conn, c.cipher
	c.mu.Unlock()
	ct, err := sc.Seal([]byte(text))
	if err != nil {
		return err
	}
	if len(ct) > proto.MaxFrameSize {
		return ErrTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != Ready {
		return ErrNotReady
	}
	if err := proto.WriteFrame(conn, ct); err != nil {
		_ = c.Close()
		return networkErr("write", err)
	}
	c.opts.Metrics.IncMessagesSent()
	return nil
}

// Close releases the connection. It is idempotent; the receive loop
// observes the closure and emits the terminal event.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	prev := State(c.state.Swap(int32(Closed)))
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if prev == Disconnected {
		c.end(nil)
	}
	return nil
}

func (c *Channel) receiveLoop(conn network.Conn, sc crypto.SessionCipher) {
	var cause error
	for {
		frame, err := proto.ReadFrame(conn)
		if err != nil {
			select {
			case <-c.closing:
			default:
				if !errors.Is(err, io.EOF) {
					cause = networkErr("read", err)
				}
			}
			break
		}
		plain, err := sc.Open(frame)
		if err != nil {
			c.opts.Metrics.IncDecryptFail()
			cause = ErrDecrypt
			break
		}
		c.opts.Metrics.IncMessagesReceived()
		select {
		case c.events <- Event{Kind: EventMessage, Text: string(plain)}:
		case <-c.closing:
		}
	}
	c.end(cause)
}

// end moves the channel to Closed and delivers the terminal event. If the
// subscriber left the buffer full, the oldest undelivered events are
// dropped to make room.
func (c *Channel) end(cause error) {
	c.endOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if c.ready.Load() {
			c.opts.Metrics.ChannelClosed()
		} else if c.started.Load() {
			c.opts.Metrics.IncHandshakeFail()
		}
		if cause != nil {
			c.log.Infof("channel %s closed: %v", c.RemoteAddr(), cause)
		} else {
			c.log.Infof("channel %s closed", c.RemoteAddr())
		}
		term := Event{Kind: EventClosed, Text: ClosedText, Err: cause}
		for delivered := false; !delivered; {
			select {
			case c.events <- term:
				delivered = true
			default:
				select {
				case <-c.events:
					c.opts.Metrics.IncEventDrops()
				default:
				}
			}
		}
		close(c.events)
		close(c.done)
	})
}
