package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wssocks/wssocks/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliverTake(t *testing.T) {
	b := New(testLogger())
	b.Register("ch")
	defer b.Unregister("ch")

	want := protocol.Data("ch", []byte("payload"))
	b.Deliver("ch", want)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Take(ctx, "ch")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got.Type != protocol.TypeData || string(got.Data) != "payload" {
		t.Errorf("Take = %+v, want data frame with %q", got, "payload")
	}
}

func TestDeliverPreservesOrder(t *testing.T) {
	b := New(testLogger())
	b.Register("ch")
	defer b.Unregister("ch")

	for _, s := range []string{"one", "two", "three"} {
		b.Deliver("ch", protocol.Data("ch", []byte(s)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, want := range []string{"one", "two", "three"} {
		msg, err := b.Take(ctx, "ch")
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if string(msg.Data) != want {
			t.Errorf("Take = %q, want %q", msg.Data, want)
		}
	}
}

func TestDeliverUnknownChannel(t *testing.T) {
	b := New(testLogger())
	// Must not panic or block.
	b.Deliver("nobody", protocol.Data("nobody", []byte("x")))
}

func TestTakeContextCancel(t *testing.T) {
	b := New(testLogger())
	b.Register("ch")
	defer b.Unregister("ch")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Take(ctx, "ch")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take on empty channel = %v, want DeadlineExceeded", err)
	}
}

func TestTakeUnregistered(t *testing.T) {
	b := New(testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Take(ctx, "never")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Take on unregistered channel = %v, want DeadlineExceeded", err)
	}
}

func TestUnregisterDiscards(t *testing.T) {
	b := New(testLogger())
	b.Register("ch")
	b.Deliver("ch", protocol.Data("ch", []byte("x")))
	b.Unregister("ch")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Take(ctx, "ch"); err == nil {
		t.Error("Take succeeded on an unregistered channel")
	}
}

func TestDeliverFullQueueDrops(t *testing.T) {
	b := New(testLogger())
	b.Register("ch")
	defer b.Unregister("ch")

	// Overfill the queue; the excess frame is dropped, never blocking.
	for i := 0; i < queueDepth+10; i++ {
		b.Deliver("ch", protocol.Data("ch", []byte{byte(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < queueDepth; i++ {
		if _, err := b.Take(ctx, "ch"); err != nil {
			t.Fatalf("Take #%d: %v", i, err)
		}
	}
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if _, err := b.Take(shortCtx, "ch"); err == nil {
		t.Error("queue held more than its depth")
	}
}
