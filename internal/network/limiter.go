package network

import "sync"

// hostLimiter caps hub connections and concurrent inbound streams per remote
// host. Zero disables a cap.
type hostLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newHostLimiter(maxConns, maxStreams int) *hostLimiter {
	return &hostLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func (l *hostLimiter) acquire(m map[string]int, max int, host string) bool {
	if max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m[host] >= max {
		return false
	}
	m[host]++
	return true
}

func (l *hostLimiter) release(m map[string]int, max int, host string) {
	if max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m[host] <= 1 {
		delete(m, host)
		return
	}
	m[host]--
}

func (l *hostLimiter) acquireConn(host string) bool { return l.acquire(l.conns, l.maxConns, host) }
func (l *hostLimiter) releaseConn(host string) { l.release(l.conns, l.maxConns, host) }

func (l *hostLimiter) acquireStream(host string) bool {
	return l.acquire(l.streams, l.maxStreams, host)
}

func (l *hostLimiter) releaseStream(host string) { l.release(l.streams, l.maxStreams, host) }
