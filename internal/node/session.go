package node

import (
	"errors"
	"sort"
	"sync"

	"ghostlink/internal/channel"
)

var ErrTooManyChannels = errors.New("node: too many channels")

// SessionStore is the set of live channels. A slot is reserved before
// the handshake starts so capacity covers channels still keying.
type SessionStore struct {
	mu       sync.Mutex
	max      int
	sessions map[*channel.Channel]struct{}
}

func NewSessionStore(max int) *SessionStore {
	return &SessionStore{
		max:      max,
		sessions: make(map[*channel.Channel]struct{}),
	}
}

// Add tracks ch, failing when the store is full.
func (s *SessionStore) Add(ch *channel.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.max > 0 && len(s.sessions) >= s.max {
		return ErrTooManyChannels
	}
	s.sessions[ch] = struct{}{}
	return nil
}

func (s *SessionStore) Remove(ch *channel.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, ch)
}

func (s *SessionStore) Has(ch *channel.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[ch]
	return ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// List returns the live channels ordered by remote address.
func (s *SessionStore) List() []*channel.Channel {
	s.mu.Lock()
	out := make([]*channel.Channel, 0, len(s.sessions))
	for ch := range s.sessions {
		out = append(out, ch)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].RemoteAddr() < out[j].RemoteAddr()
	})
	return out
}
