package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus in process.
// Useful for testing and single-process deployments.
type MemoryBus struct {
	config Config

	// mu is held for reading while delivering and for writing while
	// subscriptions are added or closed, so a send never races a close.
	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool

	dropped atomic.Uint64
}

type memorySub struct {
	pattern string
	ch      chan *Message
	closed  bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{config: cfg}
}

// Publish delivers data to every matching subscription. A subscription
// whose buffer is full misses the message; see Dropped.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed || !MatchSubject(sub.pattern, subject) {
			continue
		}
		msg := &Message{Subject: subject, Data: append([]byte(nil), data...)}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns the number of messages lost to full buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe creates a subscription to pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	return nil
}
