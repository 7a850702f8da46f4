package speech

import (
	"context"
	"testing"
	"time"

	"github.com/nupi-ai/voxgate/internal/protocol"
)

func TestQueueFIFOAndClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < 1000; i++ {
		if !q.Push(Output{Event: protocol.NewEvent(protocol.EventAudioOutput, map[string]any{"i": i})}) {
			t.Fatalf("push %d rejected", i)
		}
	}
	q.Close()
	if q.Push(Output{Failure: "late"}) {
		t.Fatal("push after close accepted")
	}

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		item, ok := q.Next(ctx)
		if !ok || item.Event.Body["i"] != i {
			t.Fatalf("item %d out of order: %+v", i, item)
		}
	}
	if _, ok := q.Next(ctx); ok {
		t.Fatal("drained closed queue should report !ok")
	}
}

func TestQueueNextWakesOnPush(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	got := make(chan Output, 1)
	go func() {
		item, _ := q.Next(context.Background())
		got <- item
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(Output{Failure: "boom"})

	select {
	case item := <-got:
		if item.Failure != "boom" {
			t.Fatalf("unexpected item %+v", item)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer not woken")
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Next(ctx); ok {
		t.Fatal("cancelled Next should report !ok")
	}
}
