package node

import (
	"context"
	"fmt"

	"ghostlink/internal/network"
)

// acceptLoop hands each inbound connection to a responder channel. It
// exits when the listener fails or is closed, reporting a failure once.
func (n *Node) acceptLoop(ctx context.Context, ln network.Listener) {
	defer n.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-n.stopping:
			case <-ctx.Done():
			default:
				n.log.Errorf("chat listener: %v", err)
				n.emit(Status{Text: fmt.Sprintf("Listener stopped: %v", err)})
			}
			return
		}
		n.admit(ctx, conn)
	}
}

func (n *Node) admit(ctx context.Context, conn network.Conn) {
	ip := network.AddrOf(conn.RemoteAddr())
	if !n.limiter.Acquire(ip) {
		n.metrics.IncRejected()
		n.log.Warningf("rejecting %s: per-address limit", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	ch := n.newChannel()
	if err := n.sessions.Add(ch); err != nil {
		n.limiter.Release(ip)
		n.metrics.IncRejected()
		n.log.Warningf("rejecting %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	release := func() { n.limiter.Release(ip) }
	ok := n.spawn(func() {
		if err := ch.Accept(ctx, conn); err != nil {
			n.sessions.Remove(ch)
			release()
			n.log.Infof("inbound handshake from %s: %v", conn.RemoteAddr(), err)
			return
		}
		n.opened(ch, release)
	})
	if !ok {
		_ = conn.Close()
		_ = ch.Close()
		n.sessions.Remove(ch)
		release()
	}
}
