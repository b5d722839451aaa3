// Package relay implements the data plane between a TCP socket and a
// WebSocket channel: the connect/connect_response handshake primitives and
// bidirectional pumping of data frames through the channel bus.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/wssocks/wssocks/internal/bus"
	"github.com/wssocks/wssocks/internal/protocol"
)

// DefaultConnectTimeout bounds the wait for a connect_response after a
// connect frame has been sent.
const DefaultConnectTimeout = 10 * time.Second

// ErrConnectRejected is returned when the peer answered the connect
// handshake with success=false.
var ErrConnectRejected = errors.New("connect rejected by peer")

// PumpStats holds byte counters for a completed pump.
type PumpStats struct {
	ToWS   int64 // bytes copied from the TCP side into data frames
	FromWS int64 // bytes copied from data frames to the TCP side
}

// SendMessage writes a protocol message as a single text frame.
func SendMessage(ctx context.Context, ws *websocket.Conn, msg protocol.Message) error {
	return ws.Write(ctx, websocket.MessageText, protocol.Encode(msg))
}

// AwaitConnectResponse takes the next message on the connect channel and
// checks it is a successful connect_response. The channel must already be
// registered on b; timeout <= 0 selects DefaultConnectTimeout.
func AwaitConnectResponse(ctx context.Context, b *bus.Bus, connectID string, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := b.Take(waitCtx, connectID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("await connect response: %w", err)
	}
	if msg.Type != protocol.TypeConnectResponse {
		return protocol.Message{}, fmt.Errorf("expected connect_response, got %q", msg.Type)
	}
	if !msg.Success {
		if msg.Error != "" {
			return msg, fmt.Errorf("%w: %s", ErrConnectRejected, msg.Error)
		}
		return msg, ErrConnectRejected
	}
	return msg, nil
}

// Pump copies data bidirectionally between a TCP connection and a WebSocket
// channel until one side closes or the context is cancelled. Frames from
// the WebSocket arrive through the bus queue for channelID (delivered there
// by the session dispatcher); writes to the WebSocket are data frames
// tagged with channelID. Returns byte-transfer statistics and the first
// error from either direction.
func Pump(ctx context.Context, ws *websocket.Conn, tcp net.Conn, b *bus.Bus, channelID string) (PumpStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var toWSBytes, fromWSBytes atomic.Int64
	errc := make(chan error, 2)

	// Bus → TCP
	go func() {
		errc <- busToTCP(ctx, b, channelID, tcp, &fromWSBytes)
	}()

	// TCP → WebSocket
	go func() {
		errc <- tcpToWS(ctx, ws, tcp, channelID, &toWSBytes)
	}()

	// Wait for the first direction to finish, then cancel the other.
	err := <-errc
	cancel()
	// Unblock tcp.Read in tcpToWS by closing the read side.
	_ = tcp.SetReadDeadline(time.Now())
	<-errc

	stats := PumpStats{
		ToWS:   toWSBytes.Load(),
		FromWS: fromWSBytes.Load(),
	}
	return stats, err
}

func busToTCP(ctx context.Context, b *bus.Bus, channelID string, tcp net.Conn, count *atomic.Int64) error {
	for {
		msg, err := b.Take(ctx, channelID)
		if err != nil {
			return err
		}
		if msg.Type != protocol.TypeData {
			continue
		}
		n, err := tcp.Write(msg.Data)
		count.Add(int64(n))
		if err != nil {
			return err
		}
	}
}

func tcpToWS(ctx context.Context, ws *websocket.Conn, tcp net.Conn, channelID string, count *atomic.Int64) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			frame := protocol.Encode(protocol.Data(channelID, buf[:n]))
			if wErr := ws.Write(ctx, websocket.MessageText, frame); wErr != nil {
				return ignoreNormalClose(wErr)
			}
			count.Add(int64(n))
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
}

func ignoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}
