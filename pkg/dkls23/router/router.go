// Package router moves phase fragments between parties.
//
// The protocol core only requires at-least-once, order-preserving delivery
// per sender. Duplicates are tolerated by the coordinator; Dedup drops them
// earlier when envelope ids are available.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

var (
	// ErrClosed is returned by endpoints whose router has been shut down.
	ErrClosed = errors.New("router: closed")
	// ErrMalformed is returned for a received message that cannot be
	// decoded. The message is consumed; receiving may continue.
	ErrMalformed = errors.New("router: malformed message")
)

// Message is one fragment in flight. Phase is the phase that produced the
// payload; the recipient consumes it in the next phase.
type Message struct {
	ID        string            `cbor:"1,keyasint"`
	SessionID dkls23.SessionID  `cbor:"2,keyasint"`
	Protocol  dkls23.Protocol   `cbor:"3,keyasint"`
	Phase     dkls23.Phase      `cbor:"4,keyasint"`
	From      dkls23.PartyIndex `cbor:"5,keyasint"`
	To        dkls23.PartyIndex `cbor:"6,keyasint"`
	Payload   []byte            `cbor:"7,keyasint"`
}

// NewMessage stamps a fresh envelope id.
func NewMessage(sid dkls23.SessionID, proto dkls23.Protocol, phase dkls23.Phase, from, to dkls23.PartyIndex, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		SessionID: sid,
		Protocol:  proto,
		Phase:     phase,
		From:      from,
		To:        to,
		Payload:   payload,
	}
}

// Validate checks the routing fields.
func (m Message) Validate() error {
	if m.SessionID.IsEmpty() {
		return errors.New("router: message without session id")
	}
	if m.From == 0 || m.To == 0 {
		return fmt.Errorf("router: message %d -> %d", m.From, m.To)
	}
	if m.From == m.To {
		return fmt.Errorf("router: message from party %d to itself", m.From)
	}
	return nil
}

func (m Message) encode() ([]byte, error) {
	return dkls23.Marshal(m)
}

func decodeMessage(b []byte) (Message, error) {
	var m Message
	if err := dkls23.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Endpoint is one party's attachment to a router for one session.
type Endpoint interface {
	// Send delivers msg to msg.To.
	Send(ctx context.Context, msg Message) error
	// Receive blocks until a message for this party arrives or ctx ends.
	Receive(ctx context.Context) (Message, error)
}
