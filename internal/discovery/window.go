package discovery

import (
	"net/netip"
	"sync"
	"time"
)

// window remembers when each requester address was last answered.
// Entries are never evicted.
type window struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[netip.Addr]time.Time
	now      func() time.Time
}

func newWindow(cooldown time.Duration, now func() time.Time) *window {
	if now == nil {
		now = time.Now
	}
	return &window{
		cooldown: cooldown,
		last:     make(map[netip.Addr]time.Time),
		now:      now,
	}
}

// Allow reports whether addr may be answered now and, if so, records the
// reply time.
func (w *window) Allow(addr netip.Addr) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.last[addr]; ok && now.Sub(t) < w.cooldown {
		return false
	}
	w.last[addr] = now
	return true
}

func (w *window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.last)
}
