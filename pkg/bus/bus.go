// Package bus carries run events between processes. The in-memory bus serves
// single-process deployments and tests; the NATS bus lets several servers and
// remote watchers share run progress streams.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is the publish/subscribe transport for run events.
// Implementations must be safe for concurrent use and must deliver messages
// to one subscription in publish order.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "errand.run.*.progress" matches "errand.run.abc.progress".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Bus kinds.
const (
	KindMemory = "memory"
	KindNATS   = "nats"
)

// Config holds configuration for creating a MessageBus.
type Config struct {
	Kind string

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string

	Timeout time.Duration

	// PersistRuns retains run events in a JetStream stream for RetainFor.
	PersistRuns bool
	RetainFor   time.Duration
	Prefix      string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Kind:      KindMemory,
		URL:       "nats://localhost:4222",
		Name:      "errand",
		Timeout:   10 * time.Second,
		RetainFor: 24 * time.Hour,
		Prefix:    "errand",
	}
}

// New builds the bus named by cfg.Kind.
func New(ctx context.Context, cfg Config) (MessageBus, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewMemoryBus(), nil
	case KindNATS:
		b, err := NewNATSBus(cfg)
		if err != nil {
			return nil, err
		}
		if cfg.PersistRuns {
			if err := b.EnsureRunStream(ctx, cfg.Prefix, cfg.RetainFor); err != nil {
				b.Close()
				return nil, err
			}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

// RunSubject returns the subject carrying events of one run.
func RunSubject(prefix, runID, event string) string {
	return strings.Join([]string{prefixOr(prefix), "run", runID, event}, ".")
}

// AllRunsSubject matches every run event under prefix.
func AllRunsSubject(prefix string) string {
	return prefixOr(prefix) + ".run.>"
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return "errand"
	}
	return prefix
}

// matchSubject implements NATS-style subject matching: "*" is one token, ">" the rest.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	pi, si := 0, 0
	for pi < len(patternParts) && si < len(subjectParts) {
		switch patternParts[pi] {
		case "*":
			pi++
			si++
		case ">":
			return true
		default:
			if patternParts[pi] != subjectParts[si] {
				return false
			}
			pi++
			si++
		}
	}

	return pi == len(patternParts) && si == len(subjectParts)
}
