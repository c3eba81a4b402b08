package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/logging"
)

// NATSBus is a MessageBus over a core NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	logger *logging.Logger
	closed atomic.Bool
}

var _ MessageBus = (*NATSBus)(nil)

// NewNATSBus dials cfg.URL. The connection reconnects forever; state
// changes are logged.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	cfg = cfg.withDefaults()
	log := &logging.Logger{Logger: cfg.Logger.Component("nats").With("url", cfg.URL)}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "server", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "connect to nats").
			WithContext("url", cfg.URL).
			WithRetryable(true)
	}
	log.Debug("nats connected", "server", conn.ConnectedUrl())
	return &NATSBus{conn: conn, logger: log}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	return b.QueueSubscribe(ctx, subject, "", handler)
}

// QueueSubscribe with an empty queue is a plain subscription.
func (b *NATSBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.conn.Subscribe(subject, b.dispatch(handler))
	} else {
		sub, err = b.conn.QueueSubscribe(subject, queue, b.dispatch(handler))
	}
	if err != nil {
		return nil, err
	}
	return natsSubscription{sub}, nil
}

func (b *NATSBus) dispatch(handler MessageHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		reply := handler(&Message{Subject: m.Subject, Data: m.Data, ReplyTo: m.Reply})
		if reply == nil || m.Reply == "" {
			return
		}
		if err := m.Respond(reply); err != nil {
			b.logger.Warn("nats reply failed", "subject", m.Subject, "err", err)
		}
	}
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return msg.Data, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	default:
		return nil, err
	}
}

// Close drains pending deliveries before closing the connection.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Unsubscribe() error { return s.sub.Unsubscribe() }
func (s natsSubscription) Subject() string    { return s.sub.Subject }
