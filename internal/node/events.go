package node

import (
	"net/netip"

	"ghostlink/internal/channel"
)

// Event is delivered on Node.Events.
type Event interface {
	isEvent()
}

type PeerDiscovered struct {
	Username string
	Addr     netip.Addr
}

type MessageReceived struct {
	Channel *channel.Channel
	Text    string
}

type ChannelOpened struct {
	Channel *channel.Channel
}

// ChannelClosed follows ChannelOpened for the same channel. Err is nil
// for a local close or a clean hangup.
type ChannelClosed struct {
	Channel *channel.Channel
	Text    string
	Err     error
}

type Status struct {
	Text string
}

func (PeerDiscovered) isEvent()  {}
func (MessageReceived) isEvent() {}
func (ChannelOpened) isEvent()   {}
func (ChannelClosed) isEvent()   {}
func (Status) isEvent()          {}
