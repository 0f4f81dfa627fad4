package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"ghostlink/internal/crypto"
)

var ErrInvalidAddr = errors.New("invalid peer addr")

// Peer is the last known metadata for one network address.
type Peer struct {
	Addr      netip.Addr
	Username  string
	PublicKey []byte
	LastSeen  time.Time
}

func (p Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.Username, p.Addr)
}

func (p Peer) Fingerprint() string {
	return crypto.Fingerprint(p.PublicKey)
}

// Registry maps address to peer. Entries never expire.
type Registry struct {
	mu    sync.Mutex
	peers map[netip.Addr]Peer
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[netip.Addr]Peer),
		now:   time.Now,
	}
}

// Upsert replaces any entry for addr.
func (r *Registry) Upsert(addr netip.Addr, username string, publicKey []byte) error {
	if !addr.IsValid() {
		return ErrInvalidAddr
	}
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[addr] = Peer{
		Addr:      addr,
		Username:  username,
		PublicKey: cloneBytes(publicKey),
		LastSeen:  r.now(),
	}
	return nil
}

// ObserveName records the username addr announced in a discovery reply,
// keeping a public key learned earlier from a handshake.
func (r *Registry) ObserveName(addr netip.Addr, username string) error {
	if !addr.IsValid() {
		return ErrInvalidAddr
	}
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[addr]
	p.Addr = addr
	p.Username = username
	p.LastSeen = r.now()
	r.peers[addr] = p
	return nil
}

// ObserveKey records the public key presented by addr during a handshake,
// keeping a username learned earlier from discovery.
func (r *Registry) ObserveKey(addr netip.Addr, publicKey []byte) error {
	if !addr.IsValid() {
		return ErrInvalidAddr
	}
	addr = addr.Unmap()
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.peers[addr]
	p.Addr = addr
	p.PublicKey = cloneBytes(publicKey)
	p.LastSeen = r.now()
	r.peers[addr] = p
	return nil
}

// Restore inserts p as is, keeping its LastSeen. Existing entries win.
func (r *Registry) Restore(p Peer) error {
	if !p.Addr.IsValid() {
		return ErrInvalidAddr
	}
	p.Addr = p.Addr.Unmap()
	p.PublicKey = cloneBytes(p.PublicKey)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.Addr]; !ok {
		r.peers[p.Addr] = p
	}
	return nil
}

func (r *Registry) Get(addr netip.Addr) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr.Unmap()]
	if !ok {
		return Peer{}, false
	}
	p.PublicKey = cloneBytes(p.PublicKey)
	return p, true
}

// List returns a snapshot ordered by address.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		p.PublicKey = cloneBytes(p.PublicKey)
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
