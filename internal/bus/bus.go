// Package bus routes inbound WebSocket frames to the relay goroutine that
// is waiting for them. Each logical channel (a data stream or a pending
// connect handshake) registers a queue keyed by its id; the session
// dispatcher delivers frames into the queue and the relay takes them out.
//
// Queues exist only for the lifetime of the relay goroutine that registered
// them: frames for an unregistered id are dropped, not buffered.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wssocks/wssocks/internal/protocol"
)

// queueDepth bounds each per-channel queue. The relay drains its queue
// continuously, so depth only matters when the TCP side stalls; beyond it
// frames are dropped rather than blocking the session dispatcher.
const queueDepth = 256

// Bus is a set of per-channel message queues. Safe for concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan protocol.Message
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		queues: make(map[string]chan protocol.Message),
	}
}

// Register creates the queue for id. Registering an id twice replaces the
// previous queue.
func (b *Bus) Register(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[id] = make(chan protocol.Message, queueDepth)
}

// Unregister removes the queue for id. Pending messages are discarded.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, id)
}

// Deliver enqueues msg for id. Unknown ids are a no-op; a full queue drops
// the frame. Both are debug-logged, never fatal to the caller.
func (b *Bus) Deliver(id string, msg protocol.Message) {
	b.mu.Lock()
	q, ok := b.queues[id]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("message for unknown channel", "channel", id, "type", msg.Type)
		return
	}
	select {
	case q <- msg:
	default:
		b.logger.Debug("channel queue full, dropping frame", "channel", id, "type", msg.Type)
	}
}

// Take blocks until a message arrives for id or ctx is done. Taking from an
// id that was never registered blocks until ctx is done.
func (b *Bus) Take(ctx context.Context, id string) (protocol.Message, error) {
	b.mu.Lock()
	q, ok := b.queues[id]
	b.mu.Unlock()

	if !ok {
		<-ctx.Done()
		return protocol.Message{}, ctx.Err()
	}
	select {
	case msg := <-q:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}
