package transport

import (
	"context"
	"testing"
)

func TestMemoryTransport_RoundTrip(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	var got []byte
	cancel, err := tr.Subscribe("events:org:o1", func(payload []byte) {
		got = payload
	})
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	if err := tr.Publish(context.Background(), "events:org:o1", []byte("hello")); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestMemoryTransport_ChannelIsolation(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	delivered := 0
	cancel, err := tr.Subscribe("events:org:o1", func([]byte) { delivered++ })
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	tr.Publish(context.Background(), "events:org:o2", []byte("x"))
	if delivered != 0 {
		t.Errorf("handler received %d messages from another channel", delivered)
	}
}

func TestMemoryTransport_CancelStopsDelivery(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	delivered := 0
	cancel, err := tr.Subscribe("events:org:o1", func([]byte) { delivered++ })
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()
	cancel() // idempotent

	tr.Publish(context.Background(), "events:org:o1", []byte("x"))
	if delivered != 0 {
		t.Errorf("handler received %d messages after cancel", delivered)
	}
}

func TestMemoryTransport_SubscriberCount(t *testing.T) {
	tr := NewMemory()
	defer tr.Close()

	ctx := context.Background()
	if n, _ := tr.SubscriberCount(ctx, "events:org:o1"); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}

	c1, _ := tr.Subscribe("events:org:o1", func([]byte) {})
	c2, _ := tr.Subscribe("events:org:o1", func([]byte) {})
	if n, _ := tr.SubscriberCount(ctx, "events:org:o1"); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	c1()
	if n, _ := tr.SubscriberCount(ctx, "events:org:o1"); n != 1 {
		t.Fatalf("count = %d after one cancel, want 1", n)
	}
	c2()
	if n, _ := tr.SubscriberCount(ctx, "events:org:o1"); n != 0 {
		t.Fatalf("count = %d after both cancels, want 0", n)
	}
}

func TestMemoryTransport_ClosedRejectsOperations(t *testing.T) {
	tr := NewMemory()
	tr.Close()

	if err := tr.Publish(context.Background(), "events:org:o1", []byte("x")); err == nil {
		t.Error("publish on closed transport should fail")
	}
	if _, err := tr.Subscribe("events:org:o1", func([]byte) {}); err == nil {
		t.Error("subscribe on closed transport should fail")
	}
}
