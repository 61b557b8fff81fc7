package bus

import (
	"os"
	"testing"
	"time"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	// Skip if short mode or NATS not available
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()

	return url
}

func newTestNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = getNATSURL(t)
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSubWildcard(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, err := bus.Subscribe("taskmem.test.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()
	if err := bus.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	if err := bus.Publish("taskmem.test.agent-1.t1", []byte("hello nats")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello nats" {
			t.Errorf("data = %q, want %q", msg.Data, "hello nats")
		}
		if msg.Subject != "taskmem.test.agent-1.t1" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_PreservesOrder(t *testing.T) {
	bus := newTestNATSBus(t)

	sub, _ := bus.Subscribe("taskmem.order.>")
	defer sub.Unsubscribe()
	bus.Flush()

	for i := 0; i < 50; i++ {
		bus.Publish("taskmem.order.a.t", []byte{byte(i)})
	}
	for i := 0; i < 50; i++ {
		select {
		case msg := <-sub.Messages():
			if int(msg.Data[0]) != i {
				t.Fatalf("message %d out of order: got %d", i, msg.Data[0])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout at message %d", i)
		}
	}
}

func TestNATSBus_SharedConnNotClosed(t *testing.T) {
	url := getNATSURL(t)

	cfg := DefaultNATSConfig()
	cfg.URL = url
	conn, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer conn.Close()

	bus := NewNATSBusFromConn(conn, cfg)
	bus.Close()
	if conn.IsClosed() {
		t.Error("bus closed a connection it did not own")
	}
	if err := bus.Publish("taskmem.shared.a.t", []byte("x")); err != nil {
		t.Errorf("Publish on shared conn error: %v", err)
	}
}

func TestNATSBus_InvalidSubject(t *testing.T) {
	bus := newTestNATSBus(t)

	if err := bus.Publish("bad subject", nil); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	if _, err := bus.Subscribe("a.>.b"); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}
