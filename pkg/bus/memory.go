package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	memoryInboxPrefix = "_INBOX."
	memoryBacklog     = 256
)

// MemoryBus is an in-process MessageBus. Each subscription has its own
// buffered backlog; deliveries to a full backlog are dropped the way a slow
// NATS consumer would lose them.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    []*memorySub
	inboxes map[string]chan []byte
	next    map[string]int // queue group -> round-robin offset
	closed  atomic.Bool
}

var _ MessageBus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		inboxes: make(map[string]chan []byte),
		next:    make(map[string]int),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.route(&Message{Subject: subject, Data: data})
	return nil
}

// route delivers msg and reports whether any subscriber or inbox took it.
func (b *MemoryBus) route(msg *Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if inbox, ok := b.inboxes[msg.Subject]; ok {
		select {
		case inbox <- msg.Data:
		default:
		}
		return true
	}

	groups := make(map[string][]*memorySub)
	delivered := false
	for _, s := range b.subs {
		if !matchSubject(s.subject, msg.Subject) {
			continue
		}
		if s.queue != "" {
			groups[s.queue] = append(groups[s.queue], s)
			continue
		}
		s.offer(msg)
		delivered = true
	}
	for queue, members := range groups {
		i := b.next[queue] % len(members)
		b.next[queue] = i + 1
		members[i].offer(msg)
		delivered = true
	}
	return delivered
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	return b.QueueSubscribe(ctx, subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	s := &memorySub{
		id:      ulid.Make().String(),
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: handler,
		backlog: make(chan *Message, memoryBacklog),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go s.loop(ctx)
	return s, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	inbox := memoryInboxPrefix + ulid.Make().String()
	replies := make(chan []byte, 1)
	b.mu.Lock()
	b.inboxes[inbox] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inboxes, inbox)
		b.mu.Unlock()
	}()

	if !b.route(&Message{Subject: subject, Data: data, ReplyTo: inbox}) {
		return nil, ErrNoResponders
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case reply := <-replies:
		return reply, nil
	case <-expired:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (b *MemoryBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

type memorySub struct {
	id      string
	bus     *MemoryBus
	subject string
	queue   string
	handler MessageHandler
	backlog chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) offer(msg *Message) {
	select {
	case s.backlog <- msg:
	default:
	}
}

func (s *memorySub) loop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.backlog:
			if reply := s.handler(msg); reply != nil && msg.ReplyTo != "" {
				s.bus.route(&Message{Subject: msg.ReplyTo, Data: reply})
			}
		}
	}
}

// stop reports whether this call ended the subscription.
func (s *memorySub) stop() bool {
	stopped := false
	s.once.Do(func() {
		close(s.done)
		stopped = true
	})
	return stopped
}

func (s *memorySub) Unsubscribe() error {
	if s.stop() {
		s.bus.remove(s.id)
	}
	return nil
}

func (s *memorySub) Subject() string { return s.subject }

// matchSubject reports whether subject matches pattern, where "*" is one
// token and ">" is every remaining token.
func matchSubject(pattern, subject string) bool {
	want := strings.Split(pattern, ".")
	got := strings.Split(subject, ".")
	for i, tok := range want {
		if tok == ">" {
			return i < len(got)
		}
		if i >= len(got) || (tok != "*" && tok != got[i]) {
			return false
		}
	}
	return len(want) == len(got)
}
