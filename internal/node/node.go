// Package node wires discovery, the chat listener and channels into one
// peer, and exposes the command surface used by the shell.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"golang.org/x/net/idna"
	"gopkg.in/op/go-logging.v1"

	"ghostlink/internal/channel"
	"ghostlink/internal/config"
	"ghostlink/internal/crypto"
	"ghostlink/internal/debuglog"
	"ghostlink/internal/discovery"
	"ghostlink/internal/metrics"
	"ghostlink/internal/network"
	"ghostlink/internal/peer"
)

const defaultEventBuffer = 256

var (
	ErrStopped        = errors.New("node: stopped")
	ErrAlreadyStarted = errors.New("node: already started")
	ErrUnknownChannel = errors.New("node: unknown channel")
	ErrBadAddress     = errors.New("node: bad address")
)

type Options struct {
	Log     *debuglog.Backend
	Metrics *metrics.Metrics

	// LocalAddrs overrides the discovery self-filter addresses.
	LocalAddrs []netip.Addr
}

type Node struct {
	cfg       *config.Config
	logB      *debuglog.Backend
	log       *logging.Logger
	metrics   *metrics.Metrics
	suite     crypto.Suite
	transport network.Transport
	registry  *peer.Registry
	book      *peer.Book
	disc      *discovery.Service
	sessions  *SessionStore
	limiter   *network.IPLimiter

	mu       sync.Mutex
	started  bool
	shutting bool
	ln       network.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	evMu         sync.RWMutex
	evClosed     bool
	events       chan Event
	stopping     chan struct{}
	shutdownOnce sync.Once
}

// New builds a node from a validated configuration.
func New(cfg *config.Config, opts Options) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	logB := opts.Log
	if logB == nil {
		logB = debuglog.Discard()
	}
	kind, err := network.ParseKind(cfg.Chat.Transport)
	if err != nil {
		return nil, err
	}
	transport, err := network.New(kind)
	if err != nil {
		return nil, err
	}
	suite, err := crypto.ParseSuite(cfg.Chat.Cipher)
	if err != nil {
		return nil, err
	}

	reg := peer.NewRegistry()
	disc, err := discovery.New(discovery.Config{
		Port:          cfg.Discovery.Port,
		BindAddr:      cfg.Discovery.BindAddr(),
		BroadcastAddr: cfg.Discovery.BroadcastAddr,
		Cooldown:      cfg.Discovery.Cooldown(),
		Username:      cfg.Username,
		Markers:       cfg.Discovery.Markers(),
		LocalAddrs:    opts.LocalAddrs,
		Metrics:       opts.Metrics,
	}, reg, logB.GetLogger("discovery"))
	if err != nil {
		return nil, err
	}

	return &Node{
		cfg:       cfg,
		logB:      logB,
		log:       logB.GetLogger("node"),
		metrics:   opts.Metrics,
		suite:     suite,
		transport: transport,
		registry:  reg,
		disc:      disc,
		sessions:  NewSessionStore(cfg.Chat.MaxChannels),
		limiter:   network.NewIPLimiter(cfg.Chat.MaxConnsPerIP),
		events:    make(chan Event, defaultEventBuffer),
		stopping:  make(chan struct{}),
	}, nil
}

// Events merges discovery, channel and status events. It is closed by
// Shutdown.
func (n *Node) Events() <-chan Event { return n.events }

// Start binds the discovery socket and the chat listener and starts
// serving both. Cancelling ctx stops the background loops; Shutdown must
// still be called.
func (n *Node) Start(ctx context.Context) error {
	ln, err := n.start(ctx)
	if err != nil {
		return err
	}
	n.log.Noticef("node %q: chat on %s/%s, discovery on %s", n.cfg.Username,
		ln.Addr(), n.transport.Kind(), n.disc.LocalAddr())
	n.emit(Status{Text: fmt.Sprintf("Listening on %s", ln.Addr())})
	return nil
}

func (n *Node) start(ctx context.Context) (network.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutting {
		return nil, ErrStopped
	}
	if n.started {
		return nil, ErrAlreadyStarted
	}
	if err := n.openBook(); err != nil {
		return nil, err
	}
	if err := n.disc.Bind(); err != nil {
		n.closeBook()
		return nil, err
	}
	ln, err := n.transport.Listen(n.cfg.Chat.BindAddr())
	if err != nil {
		_ = n.disc.Close()
		n.closeBook()
		return nil, fmt.Errorf("node: chat listener: %w", err)
	}
	n.ln = ln
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.started = true

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		if err := n.disc.Serve(n.ctx); err != nil {
			n.log.Errorf("discovery: %v", err)
		}
	}()
	go n.forwardDiscovery()
	go n.acceptLoop(n.ctx, ln)
	return ln, nil
}

// spawn runs f as a tracked goroutine unless the node is shutting down.
func (n *Node) spawn(f func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutting {
		return false
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
	return true
}

// ListenAddr is the bound chat listener address, nil before Start.
func (n *Node) ListenAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

// Shutdown stops every loop, closes every channel and waits for all
// goroutines. The events channel is closed afterwards.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.stopping)
		n.mu.Lock()
		n.shutting = true
		ln, cancel := n.ln, n.cancel
		n.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		_ = n.disc.Close()
		if ln != nil {
			_ = ln.Close()
		}
		for _, ch := range n.sessions.List() {
			_ = ch.Close()
		}
		n.wg.Wait()
		n.mu.Lock()
		n.closeBook()
		n.mu.Unlock()
		n.evMu.Lock()
		n.evClosed = true
		close(n.events)
		n.evMu.Unlock()
		n.log.Notice("node stopped")
	})
}

// openBook restores the registry from the peer book. Caller holds n.mu.
func (n *Node) openBook() error {
	if n.cfg.Peers.File == "" {
		return nil
	}
	book, err := peer.OpenBook(n.cfg.Peers.File)
	if err != nil {
		return fmt.Errorf("node: peer book: %w", err)
	}
	peers, err := book.Load()
	if err != nil {
		_ = book.Close()
		return fmt.Errorf("node: peer book: %w", err)
	}
	for _, p := range peers {
		_ = n.registry.Restore(p)
	}
	n.book = book
	n.log.Infof("restored %d peers from %s", len(peers), n.cfg.Peers.File)
	return nil
}

// closeBook saves the registry and closes the book. Caller holds n.mu.
func (n *Node) closeBook() {
	if n.book == nil {
		return
	}
	if err := n.book.Save(n.registry.List()); err != nil {
		n.log.Warningf("saving peer book: %v", err)
	}
	if err := n.book.Close(); err != nil {
		n.log.Warningf("closing peer book: %v", err)
	}
	n.book = nil
}

// BroadcastDiscovery announces this node on the LAN.
func (n *Node) BroadcastDiscovery() error {
	select {
	case <-n.stopping:
		return ErrStopped
	default:
	}
	return n.disc.Broadcast(n.cfg.Username)
}

// Connect opens an initiator channel to addr. A missing port defaults to
// the chat port.
func (n *Node) Connect(ctx context.Context, addr string) (*channel.Channel, error) {
	select {
	case <-n.stopping:
		return nil, ErrStopped
	default:
	}
	target, err := n.withChatPort(addr)
	if err != nil {
		return nil, err
	}
	ch := n.newChannel()
	if err := n.sessions.Add(ch); err != nil {
		n.metrics.IncRejected()
		return nil, err
	}
	if err := ch.Connect(ctx, target); err != nil {
		n.sessions.Remove(ch)
		n.emit(Status{Text: fmt.Sprintf("Connection to %s failed: %v", target, err)})
		return nil, err
	}
	n.opened(ch, func() {})
	return ch, nil
}

// Send writes text to ch.
func (n *Node) Send(ch *channel.Channel, text string) error {
	if ch == nil || !n.sessions.Has(ch) {
		return ErrUnknownChannel
	}
	return ch.Send(text)
}

// Close closes ch. The ChannelClosed event follows.
func (n *Node) Close(ch *channel.Channel) error {
	if ch == nil || !n.sessions.Has(ch) {
		return ErrUnknownChannel
	}
	return ch.Close()
}

// Channels returns the live channels.
func (n *Node) Channels() []*channel.Channel {
	return n.sessions.List()
}

// Peers returns the registry contents.
func (n *Node) Peers() []peer.Peer {
	return n.registry.List()
}

// Discovered returns the display keys of discovered peers.
func (n *Node) Discovered() []string {
	return n.disc.Discovered()
}

func (n *Node) newChannel() *channel.Channel {
	return channel.New(channel.Options{
		Suite:            n.suite,
		Transport:        n.transport,
		Registry:         n.registry,
		Log:              n.logB.GetLogger("channel"),
		Metrics:          n.metrics,
		HandshakeTimeout: n.cfg.Chat.HandshakeTimeout(),
	})
}

// withChatPort normalizes a /connect target. A missing port becomes the
// chat port and host names are converted to their ASCII form.
func (n *Node) withChatPort(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, strconv.Itoa(n.cfg.Chat.Port)
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return net.JoinHostPort(a.String(), port), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, addr)
	}
	return net.JoinHostPort(ascii, port), nil
}

// opened announces a Ready channel and forwards its events until it
// closes. release runs once the channel is gone.
func (n *Node) opened(ch *channel.Channel, release func()) {
	ok := n.spawn(func() {
		defer release()
		defer n.sessions.Remove(ch)
		n.emit(ChannelOpened{Channel: ch})
		for ev := range ch.Events() {
			switch ev.Kind {
			case channel.EventMessage:
				n.emit(MessageReceived{Channel: ch, Text: ev.Text})
			case channel.EventClosed:
				n.sessions.Remove(ch)
				n.emit(ChannelClosed{Channel: ch, Text: ev.Text, Err: ev.Err})
			}
		}
	})
	if !ok {
		_ = ch.Close()
		n.sessions.Remove(ch)
		release()
	}
}

func (n *Node) forwardDiscovery() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopping:
			return
		case ev := <-n.disc.Events():
			switch ev := ev.(type) {
			case discovery.PeerDiscovered:
				n.emit(PeerDiscovered{Username: ev.Username, Addr: ev.Addr})
			case discovery.Status:
				n.emit(Status{Text: ev.Text})
			}
		}
	}
}

// emit blocks until the event is consumed or the node stops.
func (n *Node) emit(ev Event) {
	n.evMu.RLock()
	defer n.evMu.RUnlock()
	if n.evClosed {
		return
	}
	select {
	case n.events <- ev:
	case <-n.stopping:
	}
}
