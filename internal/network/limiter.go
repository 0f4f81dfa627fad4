package network

import (
	"net/netip"
	"sync"
)

// IPLimiter caps concurrent inbound channels per remote IP.
type IPLimiter struct {
	mu         sync.Mutex
	maxConns   int
	connCounts map[netip.Addr]int
}

func NewIPLimiter(maxConns int) *IPLimiter {
	return &IPLimiter{
		maxConns:   maxConns,
		connCounts: make(map[netip.Addr]int),
	}
}

func (l *IPLimiter) Acquire(ip netip.Addr) bool {
	if l == nil || l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *IPLimiter) Release(ip netip.Addr) {
	if l == nil || l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

func (l *IPLimiter) Count(ip netip.Addr) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connCounts[ip]
}
