package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"ghostlink/internal/channel"
	"ghostlink/internal/crypto"
	"ghostlink/internal/node"
	"ghostlink/internal/peer"
)

// chatNode is the part of node.Node the shell drives.
type chatNode interface {
	BroadcastDiscovery() error
	Connect(ctx context.Context, addr string) (*channel.Channel, error)
	Send(ch *channel.Channel, text string) error
	Close(ch *channel.Channel) error
	Peers() []peer.Peer
	Discovered() []string
}

// shell is a line mode front end. Text lines go to the active
// conversation, which is the most recently opened channel.
type shell struct {
	n   chatNode
	out io.Writer

	mu     sync.Mutex
	active *channel.Channel
}

func newShell(n chatNode, out io.Writer) *shell {
	return &shell{n: n, out: out}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *shell) activeChannel() *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *shell) setActive(ch *channel.Channel) {
	s.mu.Lock()
	s.active = ch
	s.mu.Unlock()
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  /discover            broadcast a discovery request")
	fmt.Fprintln(w, "  /discovered          list peers answering discovery")
	fmt.Fprintln(w, "  /peers               list known peers")
	fmt.Fprintln(w, "  /connect host[:port] open a secure channel")
	fmt.Fprintln(w, "  /close               close the active channel")
	fmt.Fprintln(w, "  /quit                exit")
	fmt.Fprintln(w, "  anything else is sent to the active channel")
}

// dispatch runs one input line and reports whether the shell should exit.
func (s *shell) dispatch(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		s.say(line)
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		s.mu.Lock()
		printHelp(s.out)
		s.mu.Unlock()
	case "/discover":
		if err := s.n.BroadcastDiscovery(); err != nil {
			s.printf("discovery failed: %v", err)
			return false
		}
		s.printf("Discovery request sent")
	case "/discovered":
		found := s.n.Discovered()
		if len(found) == 0 {
			s.printf("nothing discovered yet")
		}
		for _, k := range found {
			s.printf("%s", k)
		}
	case "/peers":
		s.listPeers()
	case "/connect":
		if len(fields) != 2 {
			s.printf("usage: /connect host[:port]")
			return false
		}
		ch, err := s.n.Connect(ctx, fields[1])
		if err != nil {
			s.printf("connect %s: %v", fields[1], err)
			return false
		}
		s.setActive(ch)
	case "/close":
		ch := s.activeChannel()
		if ch == nil {
			s.printf("no active channel")
			return false
		}
		if err := s.n.Close(ch); err != nil {
			s.printf("close: %v", err)
		}
	default:
		s.printf("unknown command %s, try /help", fields[0])
	}
	return false
}

func (s *shell) say(text string) {
	ch := s.activeChannel()
	if ch == nil {
		s.printf("no active channel, use /connect")
		return
	}
	if err := s.n.Send(ch, text); err != nil {
		s.printf("send failed: %v", err)
	}
}

func (s *shell) listPeers() {
	peers := s.n.Peers()
	if len(peers) == 0 {
		s.printf("no peers")
		return
	}
	for _, p := range peers {
		fp := p.Fingerprint()
		if len(fp) > 16 {
			fp = fp[:16]
		}
		if fp == "" {
			fp = "-"
		}
		s.printf("%s key=%s", p, fp)
	}
}

// handleEvent renders one node event.
func (s *shell) handleEvent(ev node.Event) {
	switch ev := ev.(type) {
	case node.PeerDiscovered:
		s.printf("Peer discovered: %s (%s)", ev.Username, ev.Addr)
	case node.ChannelOpened:
		s.setActive(ev.Channel)
		s.printf("Secure channel with %s established (key %.16s)", ev.Channel.RemoteAddr(),
			crypto.Fingerprint(ev.Channel.PeerKey()))
	case node.MessageReceived:
		s.printf("%s: %s", ev.Channel.RemoteAddr(), ev.Text)
	case node.ChannelClosed:
		s.mu.Lock()
		if s.active == ev.Channel {
			s.active = nil
		}
		s.mu.Unlock()
		if ev.Err != nil {
			s.printf("%s %s: %v", ev.Channel.RemoteAddr(), ev.Text, ev.Err)
		} else {
			s.printf("%s %s", ev.Channel.RemoteAddr(), ev.Text)
		}
	case node.Status:
		s.printf("%s", ev.Text)
	}
}

// readLoop dispatches stdin lines until EOF, /quit or ctx is done.
func (s *shell) readLoop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if s.dispatch(ctx, line) {
				return nil
			}
		}
	}
}
