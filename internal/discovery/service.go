// Package discovery implements LAN peer discovery over UDP broadcast.
//
// Discovery is unauthenticated. Any host on the segment can claim any
// username, so discovered peers are display hints only.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"ghostlink/internal/debuglog"
	"ghostlink/internal/metrics"
	"ghostlink/internal/peer"
	"ghostlink/internal/proto"
)

const (
	DefaultPort          = 5051
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultCooldown      = 60 * time.Second
	DefaultEventBuffer   = 64
)

var (
	ErrNetwork = errors.New("discovery: network error")
	ErrClosed  = errors.New("discovery: closed")
	ErrBound   = errors.New("discovery: already bound")
)

type Config struct {
	// Port is both the bind port and the destination of requests and
	// replies. Zero binds an ephemeral port, which is then used as the
	// reply port.
	Port int

	// BindAddr restricts the listening socket to one address. The zero
	// value binds all interfaces.
	BindAddr netip.Addr

	BroadcastAddr string
	Cooldown      time.Duration
	Username      string
	Markers       proto.Markers

	// LocalAddrs overrides interface enumeration for the self-filter.
	LocalAddrs []netip.Addr

	Metrics     *metrics.Metrics
	EventBuffer int
	Now         func() time.Time
}

type Event interface {
	isEvent()
}

// PeerDiscovered is emitted once per (username, address) pair.
type PeerDiscovered struct {
	Username string
	Addr     netip.Addr
}

// Key is the display key, "username (addr)".
func (p PeerDiscovered) Key() string {
	return fmt.Sprintf("%s (%s)", p.Username, p.Addr)
}

type Status struct {
	Text string
}

func (PeerDiscovered) isEvent() {}
func (Status) isEvent()         {}

// sender is the write half of the discovery socket.
type sender interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

type Service struct {
	cfg     Config
	reg     *peer.Registry
	log     *logging.Logger
	metrics *metrics.Metrics
	window  *window
	local   map[netip.Addr]struct{}

	mu     sync.Mutex
	conn   *net.UDPConn
	sender sender
	port   int
	seen   map[string]struct{}

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, reg *peer.Registry, log *logging.Logger) (*Service, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", cfg.Port)
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = DefaultBroadcastAddr
	}
	if _, err := netip.ParseAddr(cfg.BroadcastAddr); err != nil {
		return nil, fmt.Errorf("discovery: broadcast addr: %w", err)
	}
	if cfg.Cooldown < 0 {
		return nil, errors.New("discovery: negative cooldown")
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Markers.Request == "" && cfg.Markers.Reply == "" {
		cfg.Markers = proto.DefaultMarkers()
	}
	if cfg.Markers.Request == "" || cfg.Markers.Reply == "" || cfg.Markers.Request == cfg.Markers.Reply {
		return nil, errors.New("discovery: invalid markers")
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if log == nil {
		log = debuglog.Discard().GetLogger("discovery")
	}
	if reg == nil {
		reg = peer.NewRegistry()
	}

	s := &Service{
		cfg:     cfg,
		reg:     reg,
		log:     log,
		metrics: cfg.Metrics,
		window:  newWindow(cfg.Cooldown, cfg.Now),
		local:   make(map[netip.Addr]struct{}),
		port:    cfg.Port,
		seen:    make(map[string]struct{}),
		events:  make(chan Event, cfg.EventBuffer),
		closed:  make(chan struct{}),
	}
	addrs := cfg.LocalAddrs
	if addrs == nil {
		var err error
		if addrs, err = localAddrs(); err != nil {
			log.Warningf("listing local addresses: %v", err)
		}
	}
	for _, a := range addrs {
		s.local[a.Unmap()] = struct{}{}
	}
	return s, nil
}

// Events yields discovery and status events. Events are dropped when the
// buffer is full.
func (s *Service) Events() <-chan Event { return s.events }

// Bind opens the discovery socket.
func (s *Service) Bind() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return ErrBound
	}
	laddr := &net.UDPAddr{Port: s.cfg.Port}
	if s.cfg.BindAddr.IsValid() {
		laddr.IP = s.cfg.BindAddr.AsSlice()
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("%w: bind: %w", ErrNetwork, err)
	}
	s.conn = conn
	s.sender = conn
	s.port = conn.LocalAddr().(*net.UDPAddr).Port
	s.log.Noticef("discovery listening on %s", conn.LocalAddr())
	return nil
}

// LocalAddr is the bound socket address, nil before Bind.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Listen binds the discovery port and serves until ctx is done or Close
// is called.
func (s *Service) Listen(ctx context.Context) error {
	if err := s.Bind(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the receive loop on a socket opened by Bind. It returns nil
// on shutdown.
func (s *Service) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("discovery: not bound")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	buf := make([]byte, proto.MaxDatagramSize+1)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			s.log.Errorf("discovery receive: %v", err)
			s.emit(Status{Text: fmt.Sprintf("Discovery stopped: %v", err)})
			_ = s.Close()
			return fmt.Errorf("%w: receive: %w", ErrNetwork, err)
		}
		s.HandleDatagram(from, buf[:n])
	}
}

// Broadcast sends a discovery request to the broadcast address. The bound
// socket is used when listening so replies reach the discovery port.
func (s *Service) Broadcast(username string) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	msg, err := s.cfg.Markers.EncodeRequest(username)
	if err != nil {
		return err
	}
	dst, err := netip.ParseAddrPort(net.JoinHostPort(s.cfg.BroadcastAddr, strconv.Itoa(s.replyPort())))
	if err != nil {
		return fmt.Errorf("%w: broadcast addr: %w", ErrNetwork, err)
	}

	s.mu.Lock()
	out := s.sender
	s.mu.Unlock()
	if out == nil {
		// Go enables SO_BROADCAST on UDP sockets.
		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return fmt.Errorf("%w: broadcast socket: %w", ErrNetwork, err)
		}
		defer conn.Close()
		out = conn
	}
	if _, err := out.WriteToUDPAddrPort(msg, dst); err != nil {
		return fmt.Errorf("%w: broadcast: %w", ErrNetwork, err)
	}
	s.metrics.IncRequestsSent()
	s.log.Debugf("discovery request sent to %s", dst)
	return nil
}

// HandleDatagram processes one received datagram.
func (s *Service) HandleDatagram(from netip.AddrPort, payload []byte) {
	addr := from.Addr().Unmap()
	if s.isLocal(addr) {
		s.metrics.IncDropSelf()
		return
	}
	d := s.cfg.Markers.Parse(payload)
	switch d.Kind {
	case proto.KindRequest:
		s.handleRequest(addr)
	case proto.KindReply:
		s.handleReply(addr, d.Username)
	default:
		s.metrics.IncDropUnknown()
	}
}

func (s *Service) handleRequest(addr netip.Addr) {
	s.mu.Lock()
	out := s.sender
	s.mu.Unlock()
	if out == nil {
		return
	}
	if !s.window.Allow(addr) {
		s.metrics.IncDropCooldown()
		return
	}
	msg, err := s.cfg.Markers.EncodeReply(s.cfg.Username)
	if err != nil {
		s.log.Warningf("encoding reply: %v", err)
		return
	}
	dst := netip.AddrPortFrom(addr, uint16(s.replyPort()))
	if _, err := out.WriteToUDPAddrPort(msg, dst); err != nil {
		s.log.Warningf("discovery reply to %s: %v", dst, err)
		return
	}
	s.metrics.IncRepliesSent()
	s.log.Debugf("discovery reply sent to %s", dst)
}

func (s *Service) handleReply(addr netip.Addr, username string) {
	ev := PeerDiscovered{Username: username, Addr: addr}
	key := ev.Key()
	s.mu.Lock()
	if _, ok := s.seen[key]; ok {
		s.mu.Unlock()
		s.metrics.IncDuplicateReplies()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	if err := s.reg.ObserveName(addr, username); err != nil {
		s.log.Warningf("registering %s: %v", key, err)
	}
	s.metrics.IncPeersDiscovered()
	s.log.Infof("discovered %s", key)
	s.emit(ev)
}

// Discovered returns the display keys of every peer seen so far.
func (s *Service) Discovered() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.seen))
	for k := range s.seen {
		out = append(out, k)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close stops Serve and releases the socket. It is idempotent. Events is
// left open.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.sender = nil
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (s *Service) isLocal(addr netip.Addr) bool {
	_, ok := s.local[addr]
	return ok
}

func (s *Service) replyPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.metrics.IncEventDrops()
	}
}
