package audio

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_subscriber_receives_in_order(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	sub := bus.Subscribe(context.Background())

	bus.Publish([]byte("aa"))
	bus.Publish([]byte("bb"))
	bus.Publish([]byte("cc"))
	bus.CloseAll()

	var got bytes.Buffer
	for chunk := range sub.Chunks() {
		got.Write(chunk)
	}
	if got.String() != "aabbcc" {
		t.Errorf("received %q, want aabbcc", got.String())
	}
}

func TestBus_live_edge_only(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	bus.Publish([]byte("before"))

	sub := bus.Subscribe(context.Background())
	bus.Publish([]byte("after"))
	bus.CloseAll()

	var got bytes.Buffer
	for chunk := range sub.Chunks() {
		got.Write(chunk)
	}
	if got.String() != "after" {
		t.Errorf("new subscriber must only see post-subscribe chunks, got %q", got.String())
	}
}

func TestBus_drop_oldest_on_overflow(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	sub := bus.Subscribe(context.Background())

	// Fill past capacity without the reader running; the oldest chunks
	// must be the ones lost.
	total := DefaultSubscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish([]byte{byte(i)})
	}
	bus.CloseAll()

	var got []byte
	for chunk := range sub.Chunks() {
		got = append(got, chunk...)
	}
	if len(got) != DefaultSubscriberBuffer {
		t.Fatalf("expected %d retained chunks, got %d", DefaultSubscriberBuffer, len(got))
	}
	// The retained chunks are the newest, still in publish order.
	for i, v := range got {
		want := byte(total - DefaultSubscriberBuffer + i)
		if v != want {
			t.Fatalf("chunk %d = %d, want %d (drop-oldest violated)", i, v, want)
		}
	}
}

func TestBus_publisher_never_blocks(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	_ = bus.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Publish([]byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}
}

func TestBus_cancel_removes_subscriber(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx)

	if n := bus.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled subscriber was not removed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The buffer must be closed.
	select {
	case _, open := <-sub.Chunks():
		if open {
			// Drain any buffered chunk; channel must close eventually.
			for range sub.Chunks() {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed after cancel")
	}
}

func TestBus_close_is_idempotent(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	sub := bus.Subscribe(context.Background())
	sub.Close()
	sub.Close() // must not panic on double close
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestBus_bytes_monotonic(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	var last uint64
	for i := 0; i < 10; i++ {
		bus.Publish([]byte("abcd"))
		n := bus.BroadcastedBytes()
		if n < last {
			t.Fatalf("BroadcastedBytes went backwards: %d < %d", n, last)
		}
		last = n
	}
	if last != 40 {
		t.Errorf("expected 40 bytes, got %d", last)
	}
}

func TestBus_publish_after_close_does_not_panic(t *testing.T) {
	bus := NewBus(testLogger(), nil)
	sub := bus.Subscribe(context.Background())
	sub.Close()
	bus.Publish([]byte("x")) // subscriber already gone
}
