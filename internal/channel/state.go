package channel

import "fmt"

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State only moves forward: Disconnected, KeyExchange, Ready, Closed.
type State int32

const (
	Disconnected State = iota
	KeyExchange
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case KeyExchange:
		return "key-exchange"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventKind int

const (
	EventMessage EventKind = iota
	EventClosed
)

// Event is delivered on Channel.Events. Exactly one EventClosed is
// delivered per channel and it is always the last event.
type Event struct {
	Kind EventKind
	Text string
	// Err is the cause of an EventClosed. It is nil when the channel was
	// closed locally or the peer hung up cleanly.
	Err error
}
