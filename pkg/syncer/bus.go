package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/usercache/pkg/bus"
	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/usercache"
)

// BusTransport sends requests over a message bus as request/reply on
// {prefix}.put and {prefix}.get. With a NATSBus this is the NATS transport.
type BusTransport struct {
	bus     bus.MessageBus
	prefix  string
	timeout time.Duration
}

var _ Transport = (*BusTransport)(nil)

// NewBusTransport uses prefix as the subject root. A zero timeout means 30s.
func NewBusTransport(b bus.MessageBus, prefix string, timeout time.Duration) (*BusTransport, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if b == nil || prefix == "" {
		return nil, cacheerrors.New(cacheerrors.ErrCodeInvalidInput, "bus transport needs a bus and a subject prefix")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BusTransport{bus: b, prefix: prefix, timeout: timeout}, nil
}

func (t *BusTransport) Upload(ctx context.Context, req UploadRequest) error {
	_, err := t.request(ctx, PutSubject, req)
	return err
}

func (t *BusTransport) Download(ctx context.Context, req DownloadRequest) ([]usercache.Entry, error) {
	reply, err := t.request(ctx, GetSubject, req)
	if err != nil {
		return nil, err
	}
	if reply.Entries == nil {
		return []usercache.Entry{}, nil
	}
	return reply.Entries, nil
}

func (t *BusTransport) request(ctx context.Context, suffix string, body any) (Reply, error) {
	subject := t.prefix + "." + suffix

	payload, err := json.Marshal(body)
	if err != nil {
		return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeInternal, "encode request")
	}

	data, err := t.bus.Request(ctx, subject, payload, t.timeout)
	if err != nil {
		retryable := errors.Is(err, bus.ErrTimeout) || errors.Is(err, bus.ErrNoResponders)
		return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "request "+subject).
			WithRetryable(retryable)
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, cacheerrors.Wrap(err, cacheerrors.ErrCodeTransport, "decode reply").
			WithContext("subject", subject)
	}
	if reply.Error != "" {
		return Reply{}, cacheerrors.Newf(cacheerrors.ErrCodeTransport, "%s: %s", subject, reply.Error)
	}
	return reply, nil
}
