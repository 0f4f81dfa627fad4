package network

import (
	"context"
	"net"
)

// TCP is the default chat transport.
type TCP struct{}

func (TCP) Kind() Kind { return KindTCP }

func (TCP) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

func (TCP) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tcpListener{ln}, nil
}

type tcpListener struct {
	net.Listener
}

func (l tcpListener) Accept() (Conn, error) {
	return l.Listener.Accept()
}
