package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

// Kind names a stream transport.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTCP, "":
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	default:
		return "", fmt.Errorf("unknown transport: %q", s)
	}
}

// Conn is one bidirectional byte stream to a single peer.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

type Transport interface {
	Kind() Kind
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(addr string) (Listener, error)
}

func New(kind Kind) (Transport, error) {
	switch kind {
	case KindTCP, "":
		return TCP{}, nil
	case KindQUIC:
		return NewQUIC(), nil
	default:
		return nil, fmt.Errorf("unknown transport: %q", kind)
	}
}

// AddrOf extracts the IP of a transport address.
func AddrOf(a net.Addr) netip.Addr {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.AddrPort().Addr().Unmap()
	case *net.UDPAddr:
		return v.AddrPort().Addr().Unmap()
	case nil:
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}
