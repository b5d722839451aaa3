// Package portpool tracks which SOCKS5 listen ports are available for
// reverse proxy tokens. A pool is seeded with a fixed set of candidate
// ports; Get hands one out and Put returns it.
package portpool

import "sync"

// Pool allocates ports from a configured set. Safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	free map[int]struct{}
	used map[int]struct{}
}

// New creates a pool from an explicit set of ports.
func New(ports []int) *Pool {
	p := &Pool{
		free: make(map[int]struct{}, len(ports)),
		used: make(map[int]struct{}),
	}
	for _, port := range ports {
		p.free[port] = struct{}{}
	}
	return p
}

// NewRange creates a pool covering [lo, hi).
func NewRange(lo, hi int) *Pool {
	p := &Pool{
		free: make(map[int]struct{}, hi-lo),
		used: make(map[int]struct{}),
	}
	for port := lo; port < hi; port++ {
		p.free[port] = struct{}{}
	}
	return p
}

// Get allocates a port. With preferred > 0 it succeeds only if that exact
// port is currently free; with preferred == 0 it returns any free port.
// The second return is false when nothing could be allocated.
func (p *Pool) Get(preferred int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred > 0 {
		if _, ok := p.free[preferred]; !ok {
			return 0, false
		}
		delete(p.free, preferred)
		p.used[preferred] = struct{}{}
		return preferred, true
	}

	for port := range p.free {
		delete(p.free, port)
		p.used[port] = struct{}{}
		return port, true
	}
	return 0, false
}

// Put returns a port to the pool. Ports that were never allocated from this
// pool are ignored, which makes double-put idempotent.
func (p *Pool) Put(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.used[port]; !ok {
		return
	}
	delete(p.used, port)
	p.free[port] = struct{}{}
}
