package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

// Net is an in-process router. Mailboxes are unbounded, so Send never
// blocks.
type Net struct {
	mu     sync.Mutex
	boxes  map[mailboxKey]*mailbox
	closed bool
}

// NewNet returns an empty in-process router.
func NewNet() *Net { return &Net{boxes: make(map[mailboxKey]*mailbox)} }

type mailboxKey struct {
	sid   string
	party dkls23.PartyIndex
}

type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	notify chan struct{}
}

func (n *Net) box(sid dkls23.SessionID, party dkls23.PartyIndex) (*mailbox, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	key := mailboxKey{sid: string(sid), party: party}
	b := n.boxes[key]
	if b == nil {
		b = &mailbox{notify: make(chan struct{}, 1)}
		n.boxes[key] = b
	}
	return b, nil
}

func (n *Net) deliver(msg Message) error {
	b, err := n.box(msg.SessionID, msg.To)
	if err != nil {
		return err
	}
	msg.SessionID = msg.SessionID.Clone()
	msg.Payload = append([]byte(nil), msg.Payload...)
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (n *Net) await(ctx context.Context, sid dkls23.SessionID, self dkls23.PartyIndex) (Message, error) {
	b, err := n.box(sid, self)
	if err != nil {
		return Message{}, err
	}
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue[0] = Message{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return msg, nil
		}
		b.mu.Unlock()
		select {
		case <-b.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close drops all queued messages. Further sends fail with ErrClosed.
func (n *Net) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.boxes = nil
	return nil
}

// Endpoint attaches party self of session sid.
func (n *Net) Endpoint(sid dkls23.SessionID, self dkls23.PartyIndex) Endpoint {
	return &memoryEndpoint{net: n, sid: sid.Clone(), self: self}
}

type memoryEndpoint struct {
	net  *Net
	sid  dkls23.SessionID
	self dkls23.PartyIndex
}

func (e *memoryEndpoint) Send(_ context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.From != e.self {
		return fmt.Errorf("router: party %d sending as %d", e.self, msg.From)
	}
	if !msg.SessionID.Equal(e.sid) {
		return fmt.Errorf("router: message for session %s on endpoint of %s", msg.SessionID.Short(), e.sid.Short())
	}
	return e.net.deliver(msg)
}

func (e *memoryEndpoint) Receive(ctx context.Context) (Message, error) {
	return e.net.await(ctx, e.sid, e.self)
}

var _ Endpoint = (*memoryEndpoint)(nil)
