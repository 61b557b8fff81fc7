package bus

import (
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"taskmem.events.agent-1.task-9", false},
		{"", true},
		{"foo..bar", true},
		{"foo.", true},
		{"foo bar", true},
		{"foo.*", true},
		{"foo.>", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"foo.*", false},
		{"foo.>", false},
		{"*.*.bar", false},
		{">", false},
		{"foo.>.bar", true},
		{"foo.ba*", true},
		{"", true},
	}

	for _, tt := range tests {
		err := ValidatePattern(tt.pattern)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePattern(%q) = %v, wantErr %v", tt.pattern, err, tt.wantErr)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"*.b.>", "x.b.y", true},
		{"a.b.c", "a.b", false},
	}

	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Publish without subscribers should not error
	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

func TestMemoryBus_PublishInvalidSubject(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
	if err := bus.Publish("events.>", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject for wildcard publish, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("events.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("events.agent-1.t1", []byte("hello"))
	bus.Publish("other.agent-1.t1", []byte("ignored"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "events.agent-1.t1" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected message on %s", msg.Subject)
	default:
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("*")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	// Both should receive
	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_PreservesOrder(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("events.>")
	defer sub.Unsubscribe()

	for i := 0; i < 100; i++ {
		bus.Publish("events.a.t", []byte{byte(i)})
	}
	for i := 0; i < 100; i++ {
		msg := <-sub.Messages()
		if int(msg.Data[0]) != i {
			t.Fatalf("message %d out of order: got %d", i, msg.Data[0])
		}
	}
}

func TestMemoryBus_PayloadCopied(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	defer sub.Unsubscribe()

	data := []byte("abc")
	bus.Publish("test", data)
	data[0] = 'x'

	msg := <-sub.Messages()
	if string(msg.Data) != "abc" {
		t.Errorf("payload aliased publisher buffer: %q", msg.Data)
	}
}

// --- Failure Tests ---

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed on Subscribe, got %v", err)
	}
}

func TestMemoryBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")

	bus.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// Unsubscribe after Close is harmless.
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close: %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	bus.Publish("test", []byte("after"))
	if _, ok := <-sub.Messages(); ok {
		t.Error("unsubscribed channel delivered a message")
	}
}

func TestMemoryBus_BufferFullDrops(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 2})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish("test", []byte("x"))
	}
	if got := bus.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
	if len(sub.Messages()) != 2 {
		t.Errorf("buffered = %d, want 2", len(sub.Messages()))
	}
}

// --- Concurrency Tests ---

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 8})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish("events.a.t", []byte("x"))
			}
		}()
	}
	for i := 0; i < 20; i++ {
		sub, err := bus.Subscribe("events.>")
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		sub.Unsubscribe()
	}
	wg.Wait()
}
