package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Registry errors returned by the admin API.
var (
	ErrNoPortAvailable = errors.New("no port available")
	ErrTokenKindClash  = errors.New("token already registered with the other kind")
)

// reverseToken holds the per-token state for a reverse proxy endpoint.
// mu is the sole writer gate for clients, cursor, and the supervisor-start
// check.
type reverseToken struct {
	token    string
	port     int
	username string
	password string

	mu        sync.Mutex
	clients   []clientRef
	cursor    int
	supCancel context.CancelFunc // non-nil while the supervisor runs
}

type clientRef struct {
	id uuid.UUID
	ws *websocket.Conn
}

// hasClients reports whether any WebSocket client is attached.
func (rt *reverseToken) hasClients() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.clients) > 0
}

// nextWebSocket advances the round-robin cursor and returns the selected
// client's WebSocket, or nil if none are attached. Selection and cursor
// update are atomic under the token lock.
func (rt *reverseToken) nextWebSocket() *websocket.Conn {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.clients) == 0 {
		return nil
	}
	rt.cursor = (rt.cursor + 1) % len(rt.clients)
	return rt.clients[rt.cursor].ws
}

// credentials returns the optional SOCKS5 username/password pair.
func (rt *reverseToken) credentials() (username, password string) {
	return rt.username, rt.password
}

// addClient registers an authenticated WebSocket under the token lock.
func (rt *reverseToken) addClient(id uuid.UUID, ws *websocket.Conn) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.clients = append(rt.clients, clientRef{id: id, ws: ws})
}

// removeClient evicts a client, resetting the cursor when the list empties.
func (rt *reverseToken) removeClient(id uuid.UUID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	kept := rt.clients[:0]
	for _, c := range rt.clients {
		if c.id != id {
			kept = append(kept, c)
		}
	}
	rt.clients = kept
	if len(rt.clients) == 0 {
		rt.cursor = 0
	} else if rt.cursor >= len(rt.clients) {
		rt.cursor = 0
	}
}

// ReverseTokenOptions configures AddReverseToken. The zero value
// auto-generates a token and allocates any free port with no SOCKS5 auth.
type ReverseTokenOptions struct {
	Token    string // auto-generated when empty
	Port     int    // specific port; 0 allocates any free one
	Username string
	Password string
}

// AddReverseToken registers a reverse proxy token and reserves a SOCKS5
// port for it. Idempotent by token: re-adding an existing reverse token
// returns its assigned port without a second allocation. Credentials are
// only recorded when both username and password are supplied; supplying one
// of the two means no auth.
func (s *Server) AddReverseToken(opts ReverseTokenOptions) (token string, port int, err error) {
	token = opts.Token
	if token == "" {
		token = generateToken()
	}

	s.mu.Lock()
	if rt, ok := s.reverse[token]; ok {
		s.mu.Unlock()
		return token, rt.port, nil
	}
	if _, ok := s.forward[token]; ok {
		s.mu.Unlock()
		return "", 0, fmt.Errorf("add reverse token: %w", ErrTokenKindClash)
	}

	port, ok := s.pool.Get(opts.Port)
	if !ok {
		s.mu.Unlock()
		if opts.Port > 0 {
			return "", 0, fmt.Errorf("port %d: %w", opts.Port, ErrNoPortAvailable)
		}
		return "", 0, ErrNoPortAvailable
	}

	rt := &reverseToken{token: token, port: port}
	if opts.Username != "" && opts.Password != "" {
		rt.username = opts.Username
		rt.password = opts.Password
	}
	s.reverse[token] = rt

	serving := s.serveCtx != nil
	if !s.cfg.WaitClient && !serving {
		s.pending = append(s.pending, token)
	}
	s.mu.Unlock()

	if !s.cfg.WaitClient && serving {
		s.ensureSupervisor(token)
	}

	s.logger.Info("new reverse proxy token added", "port", port)
	return token, port, nil
}

// AddForwardToken registers a forward proxy token. Idempotent.
func (s *Server) AddForwardToken(token string) (string, error) {
	if token == "" {
		token = generateToken()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reverse[token]; ok {
		return "", fmt.Errorf("add forward token: %w", ErrTokenKindClash)
	}
	s.forward[token] = struct{}{}
	s.logger.Info("new forward proxy token added")
	return token, nil
}

// RemoveToken removes a token and disconnects its clients. For reverse
// tokens the supervisor is cancelled and the port returned to the pool.
// Returns false if the token is unknown.
func (s *Server) RemoveToken(token string) bool {
	s.mu.Lock()

	if rt, ok := s.reverse[token]; ok {
		delete(s.reverse, token)
		for i, p := range s.pending {
			if p == token {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}

		rt.mu.Lock()
		evicted := rt.clients
		rt.clients = nil
		rt.cursor = 0
		cancel := rt.supCancel
		rt.supCancel = nil
		rt.mu.Unlock()

		for _, c := range evicted {
			delete(s.clients, c.id)
		}
		s.pool.Put(rt.port)
		s.mu.Unlock()

		for _, c := range evicted {
			go c.ws.Close(websocket.StatusNormalClosure, "Token removed") //nolint:errcheck // peer may already be gone
		}
		if cancel != nil {
			cancel()
		}

		s.logger.Info("reverse token removed", "port", rt.port)
		return true
	}

	if _, ok := s.forward[token]; ok {
		delete(s.forward, token)
		// Forward clients are not keyed by token, so removal disconnects
		// every forward peer.
		evicted := make([]*websocket.Conn, 0, len(s.forwardClients))
		for id, ws := range s.forwardClients {
			evicted = append(evicted, ws)
			delete(s.forwardClients, id)
		}
		s.mu.Unlock()

		for _, ws := range evicted {
			go ws.Close(websocket.StatusNormalClosure, "Token removed") //nolint:errcheck // peer may already be gone
		}

		s.logger.Info("forward token removed")
		return true
	}

	s.mu.Unlock()
	return false
}

// lookupReverse returns the live record for a reverse token, if any.
func (s *Server) lookupReverse(token string) (*reverseToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.reverse[token]
	return rt, ok
}

const tokenChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateToken returns a 16-char alphanumeric token.
func generateToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf) // crypto/rand.Read never fails on supported platforms
	for i, b := range buf {
		buf[i] = tokenChars[int(b)%len(tokenChars)]
	}
	return string(buf)
}
