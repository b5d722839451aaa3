// Package sockets manages SOCKS5 listen sockets with reuse across client
// churn. A listener is reference-counted; when the last reference is
// released it stays open for a grace period so that a quickly reconnecting
// client gets the same socket back, avoiding the TIME_WAIT re-bind race and
// keeping already-queued TCP clients alive.
package sockets

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// DefaultGrace is how long a released listener is kept open for reuse.
const DefaultGrace = 30 * time.Second

type entry struct {
	ln         *net.TCPListener
	refs       int
	graceStart time.Time // zero while the entry is active
	cleanup    *time.Timer
}

// Manager owns all listen sockets, keyed by port. All methods are
// serialized by a single mutex.
type Manager struct {
	host   string
	grace  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int]*entry
}

// NewManager creates a Manager binding on host. grace <= 0 selects
// DefaultGrace.
func NewManager(host string, grace time.Duration, logger *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		host:    host,
		grace:   grace,
		logger:  logger,
		entries: make(map[int]*entry),
	}
}

// Acquire returns the listener bound to host:port, creating it if needed.
// Reusing an existing listener increments its reference count; acquiring
// one that is in its grace window revives it and voids the pending cleanup.
func (m *Manager) Acquire(port int) (*net.TCPListener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[port]; ok {
		if e.cleanup != nil {
			e.cleanup.Stop()
			e.cleanup = nil
		}
		e.graceStart = time.Time{}
		e.refs++
		m.logger.Debug("reusing existing socket", "port", port, "refs", e.refs)
		return e.ln, nil
	}

	addr := net.JoinHostPort(m.host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: not a TCP listener", addr)
	}

	m.entries[port] = &entry{ln: tcpLn, refs: 1}
	m.logger.Debug("new socket allocated", "addr", addr)
	return tcpLn, nil
}

// Release decrements the reference count for port. When it reaches zero the
// listener enters its grace window and a deferred cleanup is scheduled; a
// subsequent Acquire within the window cancels the cleanup.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if !ok {
		m.logger.Warn("release of unknown socket", "port", port)
		return
	}

	e.refs--
	if e.refs > 0 {
		m.logger.Debug("released socket", "port", port, "refs", e.refs)
		return
	}

	e.refs = 0
	e.graceStart = time.Now()
	e.cleanup = time.AfterFunc(m.grace, func() { m.cleanupPort(port) })
	m.logger.Debug("starting grace period for socket", "port", port)
}

// cleanupPort closes the listener after the grace period, unless it was
// re-acquired in the meantime.
func (m *Manager) cleanupPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[port]
	if !ok {
		return
	}
	// Only close if still in the grace state with no new references.
	if e.refs == 0 && !e.graceStart.IsZero() {
		m.logger.Debug("cleaning up unused socket after grace period", "port", port)
		_ = e.ln.Close()
		delete(m.entries, port)
	}
}

// Close cancels all pending cleanups and closes every listener.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug("closing all managed sockets")
	for port, e := range m.entries {
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
		_ = e.ln.Close()
		delete(m.entries, port)
	}
}

// Refs reports the current reference count for port. Intended for tests.
func (m *Manager) Refs(port int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port]
	if !ok {
		return 0
	}
	return e.refs
}
