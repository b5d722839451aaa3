// Package server implements the SOCKS5-over-WebSocket relay server: the
// WebSocket session lifecycle, the token/client registry with round-robin
// selection, the per-token SOCKS5 listener supervisors, and the HTTP
// frontend that upgrades /socket.
//
// In reverse proxy mode the server exposes local SOCKS5 listeners and
// forwards each request over a WebSocket held open by a remote client; in
// forward proxy mode the server dials outbound TCP on behalf of WebSocket
// clients that carry their own SOCKS5 traffic.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/wssocks/wssocks/internal/bus"
	"github.com/wssocks/wssocks/internal/metrics"
	"github.com/wssocks/wssocks/internal/portpool"
	"github.com/wssocks/wssocks/internal/sockets"
)

// Version is stamped by the build; the HTTP banner reports it.
var Version = "dev"

// Config holds server configuration. Zero values select the documented
// defaults.
type Config struct {
	WSHost    string // WebSocket listen address (default 0.0.0.0)
	WSPort    int    // WebSocket listen port (default 8765)
	SocksHost string // SOCKS5 listen address for reverse proxy (default 127.0.0.1)

	// PortPool supplies SOCKS5 ports for reverse tokens
	// (default: range 1024–10240).
	PortPool *portpool.Pool

	// WaitClient starts a token's SOCKS5 listener only when its first
	// WebSocket client authenticates. Eager start (false) binds the
	// listener as soon as the token is added.
	WaitClient bool

	// Grace keeps a released listen socket open for reuse (default 30s).
	Grace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// Timeout knobs, mainly for tests. Defaults per field:
	// heartbeat 30s, idle probe after 60s of silence, ping 10s,
	// auth read 30s, wait-for-client 10s at 100ms poll,
	// connect handshake 10s.
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	PingTimeout       time.Duration
	AuthTimeout       time.Duration
	ClientWaitTimeout time.Duration
	ClientWaitPoll    time.Duration
	ConnectTimeout    time.Duration
	TCPKeepAlive      time.Duration
}

func (c *Config) applyDefaults() {
	if c.WSHost == "" {
		c.WSHost = "0.0.0.0"
	}
	if c.WSPort == 0 {
		c.WSPort = 8765
	}
	if c.SocksHost == "" {
		c.SocksHost = "127.0.0.1"
	}
	if c.PortPool == nil {
		c.PortPool = portpool.NewRange(1024, 10240)
	}
	if c.Grace <= 0 {
		c.Grace = sockets.DefaultGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
	if c.ClientWaitTimeout <= 0 {
		c.ClientWaitTimeout = 10 * time.Second
	}
	if c.ClientWaitPoll <= 0 {
		c.ClientWaitPoll = 100 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.TCPKeepAlive <= 0 {
		c.TCPKeepAlive = 30 * time.Second
	}
}

// Server is a SOCKS5-over-WebSocket relay server. Create with New, add
// tokens, then call Serve or WaitReady.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	sockets *sockets.Manager
	pool    *portpool.Pool

	ready     chan struct{}
	readyOnce sync.Once

	mu             sync.Mutex
	reverse        map[string]*reverseToken
	forward        map[string]struct{}
	clients        map[uuid.UUID]*websocket.Conn
	forwardClients map[uuid.UUID]*websocket.Conn
	pending        []string
	serveCtx       context.Context
	boundAddr      net.Addr

	supervisors sync.WaitGroup
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:            cfg,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		bus:            bus.New(cfg.Logger),
		sockets:        sockets.NewManager(cfg.SocksHost, cfg.Grace, cfg.Logger),
		pool:           cfg.PortPool,
		ready:          make(chan struct{}),
		reverse:        make(map[string]*reverseToken),
		forward:        make(map[string]struct{}),
		clients:        make(map[uuid.UUID]*websocket.Conn),
		forwardClients: make(map[uuid.UUID]*websocket.Conn),
	}
}

// Serve binds the WebSocket listener, drains pending eager tokens, signals
// readiness, and blocks until ctx is cancelled. On shutdown all supervisors
// are cancelled and every managed socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.serveCtx = ctx
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, token := range pending {
		s.ensureSupervisor(token)
	}

	addr := net.JoinHostPort(s.cfg.WSHost, strconv.Itoa(s.cfg.WSPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.boundAddr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.frontend(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	defer func() {
		s.supervisors.Wait()
		s.sockets.Close()
	}()

	s.logger.Info("wssocks server started", "addr", "ws://"+ln.Addr().String())
	s.logger.Info("waiting for clients to connect")
	s.readyOnce.Do(func() { close(s.ready) })

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// WaitReady starts Serve in a new goroutine and blocks until the WebSocket
// listener is bound. timeout <= 0 waits indefinitely (until ctx is done).
// The returned channel yields Serve's result when it eventually exits.
func (s *Server) WaitReady(ctx context.Context, timeout time.Duration) (<-chan error, error) {
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-s.ready:
		return errc, nil
	case err := <-errc:
		return nil, fmt.Errorf("server exited before ready: %w", err)
	case <-timeoutC:
		return nil, errors.New("timeout waiting for server to become ready")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound WebSocket listener address, or nil before Serve
// has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// frontend routes HTTP requests ahead of the WebSocket handshake: /socket
// upgrades, / serves a banner, anything else is a 404.
func (s *Server) frontend() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/socket":
			s.handleUpgrade(w, r)
		case "/":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintf(w, "wssocks %s is running but API is not enabled. Please check the documentation.\n", Version)
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.CloseNow() //nolint:errcheck // best-effort cleanup

	s.mu.Lock()
	ctx := s.serveCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = r.Context()
	}

	s.handleSession(ctx, ws)
}
