//go:build integration

package bus

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestNATSBus connects to NATS_URL or skips the test.
func newTestNATSBus(t *testing.T) *NATSBus {
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	b, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", cfg.URL, err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNATSBus_PubSubWithHeaders(t *testing.T) {
	b := newTestNATSBus(t)

	sub, err := b.Subscribe("taskboard.test.pubsub")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()
	b.Conn().Flush()

	b.PublishMsg(&Message{
		Subject: "taskboard.test.pubsub",
		Data:    []byte("hello"),
		Header:  map[string]string{HeaderTraceID: "trace-9"},
	})

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q", msg.Data)
		}
		if msg.TraceID() != "trace-9" {
			t.Errorf("TraceID = %q", msg.TraceID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestNATSBus_QueueGroupDeliversOnce(t *testing.T) {
	b := newTestNATSBus(t)

	q1, _ := b.QueueSubscribe("taskboard.test.queue", "taskboard")
	q2, _ := b.QueueSubscribe("taskboard.test.queue", "taskboard")
	defer q1.Unsubscribe()
	defer q2.Unsubscribe()
	b.Conn().Flush()

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish("taskboard.test.queue", []byte{byte(i)})
	}
	b.Conn().Flush()

	got := 0
	deadline := time.After(2 * time.Second)
	for got < n {
		select {
		case <-q1.Messages():
			got++
		case <-q2.Messages():
			got++
		case <-deadline:
			t.Fatalf("received %d of %d", got, n)
		}
	}
}

func TestNATSBus_Request(t *testing.T) {
	b := newTestNATSBus(t)

	sub, _ := b.QueueSubscribe("taskboard.test.request", "gateway")
	defer sub.Unsubscribe()
	go func() {
		for msg := range sub.Messages() {
			Respond(b, msg, []byte("pong"))
		}
	}()
	b.Conn().Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := b.Request(ctx, &Message{Subject: "taskboard.test.request", Data: []byte("ping")})
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q", reply.Data)
	}
}

func TestNATSBus_RequestNoResponders(t *testing.T) {
	b := newTestNATSBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := b.Request(ctx, &Message{Subject: "taskboard.test.nobody"})
	if err != ErrNoResponders && err != ErrTimeout {
		t.Errorf("expected ErrNoResponders or ErrTimeout, got %v", err)
	}
}
