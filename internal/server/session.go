package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/wssocks/wssocks/internal/metrics"
	"github.com/wssocks/wssocks/internal/protocol"
	"github.com/wssocks/wssocks/internal/relay"
)

// handleSession drives one WebSocket client from authentication to cleanup.
// The first frame must be an auth message; afterwards a heartbeat and the
// message dispatcher run concurrently, and the session ends when either
// does. Cleanup always runs and never stops the SOCKS supervisor: its
// socket rides out the grace window so queued TCP clients survive a
// reconnecting peer.
func (s *Server) handleSession(ctx context.Context, ws *websocket.Conn) {
	authCtx, authCancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	_, raw, err := ws.Read(authCtx)
	authCancel()
	if err != nil {
		s.logger.Info("client (unauthenticated) disconnected", "error", err)
		return
	}

	msg, err := protocol.Decode(raw)
	if err != nil || msg.Type != protocol.TypeAuth {
		_ = ws.Close(websocket.StatusPolicyViolation, "Invalid auth message")
		return
	}

	var (
		clientID uuid.UUID
		kind     string
	)

	if msg.Reverse {
		rt, ok := s.lookupReverse(msg.Token)
		if !ok {
			s.rejectAuth(ctx, ws, metrics.KindReverse)
			return
		}
		clientID = uuid.New()
		rt.addClient(clientID, ws)
		s.mu.Lock()
		s.clients[clientID] = ws
		s.mu.Unlock()
		s.ensureSupervisor(msg.Token)
		kind = metrics.KindReverse
	} else {
		s.mu.Lock()
		_, ok := s.forward[msg.Token]
		if ok {
			clientID = uuid.New()
			s.forwardClients[clientID] = ws
		}
		s.mu.Unlock()
		if !ok {
			s.rejectAuth(ctx, ws, metrics.KindForward)
			return
		}
		kind = metrics.KindForward
	}

	s.metrics.SessionAuthenticated(kind)
	defer s.cleanupClient(clientID, msg.Token, kind)

	if err := relay.SendMessage(ctx, ws, protocol.AuthResponse(true)); err != nil {
		s.logger.Warn("failed to send auth response", "client", clientID, "error", err)
		return
	}
	s.logger.Info(kind+" client authenticated", "client", clientID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.heartbeat(sessCtx, ws, clientID)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.dispatch(sessCtx, cancel, ws, clientID, kind == metrics.KindForward)
	}()
	wg.Wait()
}

func (s *Server) rejectAuth(ctx context.Context, ws *websocket.Conn, kind string) {
	s.metrics.SessionRejected(kind)
	_ = relay.SendMessage(ctx, ws, protocol.AuthResponse(false))
	_ = ws.Close(websocket.StatusPolicyViolation, "Invalid token")
}

// heartbeat pings the peer on a fixed interval and returns on the first
// failure. The dispatcher's Read loop consumes the pongs.
func (s *Server) heartbeat(ctx context.Context, ws *websocket.Conn, clientID uuid.UUID) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Info("heartbeat detected disconnection", "client", clientID)
				}
				return
			}
		}
	}
}

// dispatch is the per-session receiver: it reads frames in arrival order
// and routes them by type. Frames for channels nobody registered are
// dropped by the bus. connect frames are honored only on forward sessions;
// their handlers are tracked and drained before the dispatcher returns.
//
// Read never carries a deadline: expiring the Read context would tear down
// the whole connection. Idle detection lives in idleWatch instead, which
// probes a quiet peer with a ping and cancels the session only when the
// ping fails.
func (s *Server) dispatch(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, clientID uuid.UUID, forward bool) {
	var handlers sync.WaitGroup
	defer handlers.Wait()
	handlerCtx, handlerCancel := context.WithCancel(ctx)
	defer handlerCancel()

	var lastFrame atomic.Int64
	lastFrame.Store(time.Now().UnixNano())
	var watchdog sync.WaitGroup
	watchdog.Add(1)
	go func() {
		defer watchdog.Done()
		s.idleWatch(ctx, cancel, ws, clientID, &lastFrame)
	}()
	defer watchdog.Wait()
	defer cancel()

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				s.logger.Info("client connection closed", "client", clientID)
			} else {
				s.logger.Warn("websocket receive error", "client", clientID, "error", err)
			}
			return
		}
		lastFrame.Store(time.Now().UnixNano())

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "client", clientID, "error", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeData:
			s.bus.Deliver(msg.ChannelID, msg)
		case protocol.TypeConnectResponse:
			s.bus.Deliver(msg.ConnectID, msg)
		case protocol.TypeConnect:
			if !forward {
				s.logger.Debug("ignoring connect from reverse session", "client", clientID)
				continue
			}
			handlers.Add(1)
			go func(m protocol.Message) {
				defer handlers.Done()
				if err := s.handleConnect(handlerCtx, ws, m); err != nil {
					s.logger.Debug("connect handler ended", "client", clientID, "error", err)
				}
			}(msg)
		default:
			s.logger.Debug("ignoring unknown frame", "client", clientID, "type", msg.Type)
		}
	}
}

// idleWatch cancels the session when the peer goes quiet and stops
// answering pings. lastFrame is advanced by the dispatcher on every frame;
// once the wire has been silent for ReadTimeout the peer is pinged, and a
// passing ping restarts the idle clock. The dispatcher's Read consumes the
// pong.
func (s *Server) idleWatch(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, clientID uuid.UUID, lastFrame *atomic.Int64) {
	for {
		idle := time.Since(time.Unix(0, lastFrame.Load()))
		if wait := s.cfg.ReadTimeout - idle; wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		err := ws.Ping(pingCtx)
		pingCancel()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("connection timeout", "client", clientID)
				cancel()
			}
			return
		}
		lastFrame.Store(time.Now().UnixNano())
	}
}

// handleConnect serves a forward client's outbound dial request: open the
// TCP connection, answer the handshake, then pump data frames both ways.
func (s *Server) handleConnect(ctx context.Context, ws *websocket.Conn, msg protocol.Message) error {
	if msg.ConnectID == "" || msg.Address == "" {
		return errors.New("connect frame missing connect_id or address")
	}
	target := net.JoinHostPort(msg.Address, strconv.Itoa(msg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer dialCancel()

	dialStart := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	s.metrics.ObserveDialDuration(metrics.KindForward, time.Since(dialStart).Seconds())
	if err != nil {
		s.metrics.ConnectionError(metrics.KindForward, metrics.DialReason(err, metrics.ReasonDialFailed))
		_ = relay.SendMessage(ctx, ws, protocol.ConnectResponse(msg.ConnectID, false, "connection failed"))
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	relay.SetTCPKeepAlive(conn, s.cfg.TCPKeepAlive)

	// Register before answering: the peer may push data frames on this
	// channel immediately after it sees the connect_response.
	s.bus.Register(msg.ConnectID)
	defer s.bus.Unregister(msg.ConnectID)

	if err := relay.SendMessage(ctx, ws, protocol.ConnectResponse(msg.ConnectID, true, "")); err != nil {
		return fmt.Errorf("send connect response: %w", err)
	}

	s.logger.Debug("forward connect established", "target", target)
	_, err = s.metrics.TrackedPump(ctx, ws, conn, s.bus, msg.ConnectID, metrics.KindForward)
	return err
}

// cleanupClient evicts the client from its token's list and the global
// maps. The supervisor is left running on purpose.
func (s *Server) cleanupClient(clientID uuid.UUID, token, kind string) {
	if kind == metrics.KindReverse {
		if rt, ok := s.lookupReverse(token); ok {
			rt.removeClient(clientID)
		}
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		delete(s.forwardClients, clientID)
		s.mu.Unlock()
	}
	s.metrics.SessionClosed(kind)
	s.logger.Info("client disconnected", "client", clientID)
}
