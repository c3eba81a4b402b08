// Package bus carries sync requests between devices and the sync server as
// subject-addressed request/reply. NATSBus talks to a NATS server; MemoryBus
// keeps everything in process for tests and single-binary setups.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/usercache/pkg/logging"
)

// Request failures callers can retry.
var (
	ErrTimeout      = errors.New("bus: no reply before timeout")
	ErrNoResponders = errors.New("bus: nobody is subscribed to the subject")
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("bus: closed")

// MessageBus is safe for concurrent use.
type MessageBus interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message on subject to handler. "*" matches
	// one token and a trailing ">" matches the rest.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe delivers each message to one member of queue.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	// Request publishes data and waits for the first reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	Close() error
}

// MessageHandler answers a message. A non-nil return is sent back when the
// sender asked for a reply.
type MessageHandler func(msg *Message) []byte

// Message is one delivery.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription is cancelled with Unsubscribe.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config configures NewNATSBus.
type Config struct {
	URL  string
	Name string

	// Timeout bounds the initial connect. Zero means 10s.
	Timeout time.Duration

	// Logger receives connection state changes. Nil discards them.
	Logger *logging.Logger
}

const defaultConnectTimeout = 10 * time.Second

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "nats://127.0.0.1:4222"
	}
	if c.Name == "" {
		c.Name = "usercache"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}
