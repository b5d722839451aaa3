package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/wssocks/wssocks/internal/metrics"
	"github.com/wssocks/wssocks/internal/protocol"
	"github.com/wssocks/wssocks/internal/relay"
	"github.com/wssocks/wssocks/internal/socks5"
)

// ensureSupervisor starts the SOCKS5 listener supervisor for a reverse
// token if it is not already running. The started-check happens under the
// token lock; a no-op before Serve (pending tokens are drained there).
func (s *Server) ensureSupervisor(token string) {
	rt, ok := s.lookupReverse(token)
	if !ok {
		return
	}
	s.mu.Lock()
	ctx := s.serveCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.supCancel != nil {
		return
	}
	supCtx, cancel := context.WithCancel(ctx)
	rt.supCancel = cancel
	s.supervisors.Add(1)
	go s.runSupervisor(supCtx, rt, nil)
}

// runSupervisor owns one reverse token's SOCKS5 accept loop. It acquires
// the listen socket from the manager, accepts TCP clients, and spawns an
// independent handler per connection. On cancellation it drains the
// handlers and releases the socket into its grace window.
func (s *Server) runSupervisor(ctx context.Context, rt *reverseToken, ready chan<- struct{}) {
	defer s.supervisors.Done()
	defer func() {
		rt.mu.Lock()
		rt.supCancel = nil
		rt.mu.Unlock()
	}()

	ln, err := s.sockets.Acquire(rt.port)
	if err != nil {
		s.logger.Error("SOCKS server error", "port", rt.port, "error", err)
		return
	}
	defer func() {
		s.sockets.Release(rt.port)
		s.logger.Info("SOCKS5 server released", "port", rt.port)
	}()

	s.metrics.SupervisorStarted()
	defer s.metrics.SupervisorStopped()

	s.logger.Info("SOCKS5 server socket allocated", "addr", ln.Addr())
	if ready != nil {
		close(ready)
	}

	var handlers sync.WaitGroup
	defer handlers.Wait()
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	for {
		if ctx.Err() != nil {
			return
		}
		// The listener is shared through the socket manager, so
		// cancellation must never close it; a short accept deadline lets
		// the loop observe ctx instead.
		_ = ln.SetDeadline(time.Now().Add(time.Second))
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("error accepting SOCKS connection", "port", rt.port, "error", err)
			// Brief backoff so a persistent error (e.g. EMFILE) cannot spin.
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.logger.Debug("accepted SOCKS5 connection", "remote", conn.RemoteAddr())
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			s.handleSocksConn(connCtx, conn, rt)
		}()
	}
}

// handleSocksConn serves one accepted SOCKS5 TCP client: wait for a
// WebSocket peer to be attached (bounded), pick one round-robin, and relay
// the request through it.
func (s *Server) handleSocksConn(ctx context.Context, conn net.Conn, rt *reverseToken) {
	relay.SetTCPKeepAlive(conn, s.cfg.TCPKeepAlive)

	if !rt.hasClients() && !s.waitForClient(ctx, rt) {
		s.logger.Debug("no client for token after waiting, refusing connection", "remote", conn.RemoteAddr())
		s.metrics.ConnectionError(metrics.KindReverse, metrics.ReasonNoClient)
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		_ = socks5.Refuse(conn, socks5.RepNetworkUnreachable)
		return
	}

	ws := rt.nextWebSocket()
	if ws == nil {
		s.logger.Warn("no available client for SOCKS5 port", "port", rt.port)
		s.metrics.ConnectionError(metrics.KindReverse, metrics.ReasonNoClient)
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		_ = socks5.Refuse(conn, socks5.RepNetworkUnreachable)
		return
	}

	username, password := rt.credentials()
	if err := s.relaySocksRequest(ctx, ws, conn, username, password); err != nil {
		s.logger.Debug("socks relay ended", "error", err)
	}
}

// waitForClient polls for a WebSocket peer until the configured wait
// budget runs out or ctx is cancelled.
func (s *Server) waitForClient(ctx context.Context, rt *reverseToken) bool {
	deadline := time.Now().Add(s.cfg.ClientWaitTimeout)
	for time.Now().Before(deadline) {
		if rt.hasClients() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.ClientWaitPoll):
		}
	}
	return rt.hasClients()
}

// relaySocksRequest is the reverse-proxy relay core: SOCKS5 handshake with
// the local client, connect handshake with the WebSocket peer, then data
// pumping between the two.
func (s *Server) relaySocksRequest(ctx context.Context, ws *websocket.Conn, conn net.Conn, username, password string) error {
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	host, port, err := socks5.Handshake(conn, username, password)
	if err != nil {
		s.metrics.ConnectionError(metrics.KindReverse, metrics.ReasonHandshakeFailed)
		return fmt.Errorf("socks5 handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	connectID := uuid.NewString()
	// The connect channel doubles as the data channel once the handshake
	// succeeds, so register before sending: the peer may push data frames
	// right behind its connect_response.
	s.bus.Register(connectID)
	defer s.bus.Unregister(connectID)

	if err := relay.SendMessage(ctx, ws, protocol.Connect(connectID, host, port)); err != nil {
		_ = socks5.SendReply(conn, socks5.RepGeneralFailure, nil)
		return fmt.Errorf("send connect: %w", err)
	}

	if _, err := relay.AwaitConnectResponse(ctx, s.bus, connectID, s.cfg.ConnectTimeout); err != nil {
		rep := byte(socks5.RepHostUnreachable)
		if errors.Is(err, relay.ErrConnectRejected) {
			rep = socks5.RepConnectionRefused
			s.metrics.ConnectionError(metrics.KindReverse, metrics.ReasonConnectFailed)
		} else {
			s.metrics.ConnectionError(metrics.KindReverse, metrics.ReasonConnectTimeout)
		}
		_ = socks5.SendReply(conn, rep, nil)
		return fmt.Errorf("connect %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}

	tcpAddr, _ := conn.LocalAddr().(*net.TCPAddr)
	if err := socks5.SendReply(conn, socks5.RepSuccess, tcpAddr); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	s.logger.Debug("socks5 connect", "target", net.JoinHostPort(host, strconv.Itoa(port)))
	_, err = s.metrics.TrackedPump(ctx, ws, conn, s.bus, connectID, metrics.KindReverse)
	return err
}
