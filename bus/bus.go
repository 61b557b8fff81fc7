package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus carries executor events between processes.
type MessageBus interface {
	// Publish sends data to every subscription matching subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription. The pattern may use the "*"
	// (one token) and ">" (one or more trailing tokens) wildcards.
	Subscribe(pattern string) (Subscription, error)

	// Close shuts down the bus and ends every subscription.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages, in publish
	// order. It is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a concrete publish subject: non-empty
// dot-separated tokens with no whitespace or wildcards.
func ValidateSubject(subject string) error {
	return validate(subject, false)
}

// ValidatePattern checks a subscription pattern. "*" may replace any
// token and ">" may only be the last token.
func ValidatePattern(pattern string) error {
	return validate(pattern, true)
}

func validate(s string, wildcards bool) error {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == "*" || tok == ">":
			if !wildcards || (tok == ">" && i != len(tokens)-1) {
				return ErrInvalidSubject
			}
		case strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
