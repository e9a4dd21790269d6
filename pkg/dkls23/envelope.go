package dkls23

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// envelopeBody is the authenticated part of a sealed fragment.
type envelopeBody struct {
	Version   uint8      `cbor:"1,keyasint"`
	SessionID []byte     `cbor:"2,keyasint"`
	Protocol  Protocol   `cbor:"3,keyasint"`
	Phase     Phase      `cbor:"4,keyasint"`
	From      PartyIndex `cbor:"5,keyasint"`
	To        PartyIndex `cbor:"6,keyasint"`
	Payload   []byte     `cbor:"7,keyasint"`

	Threshold  uint8 `cbor:"8,keyasint"`
	ShareCount uint8 `cbor:"9,keyasint"`
}

type envelope struct {
	Body   envelopeBody `cbor:"1,keyasint"`
	Digest []byte       `cbor:"2,keyasint"`
}

func (b *envelopeBody) digest() ([]byte, error) {
	raw, err := Marshal(b)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Seal wraps a phase payload addressed to a peer. The envelope binds the
// payload to the session and its parameters, the protocol, the producing
// phase, the sender and the recipient.
func Seal(sess Session, proto Protocol, phase Phase, to PartyIndex, payload []byte) ([]byte, error) {
	env := envelope{Body: envelopeBody{
		Version:   ProtocolVersion,
		SessionID: sess.SessionID,
		Protocol:  proto,
		Phase:     phase,
		From:      sess.PartyIndex,
		To:        to,
		Payload:   payload,

		Threshold:  sess.Parameters.Threshold,
		ShareCount: sess.Parameters.ShareCount,
	}}
	d, err := env.Body.digest()
	if err != nil {
		return nil, fmt.Errorf("seal fragment: %w", err)
	}
	env.Digest = d
	return Marshal(&env)
}

// Open verifies a sealed fragment received from peer and returns its payload.
// Every failure is a consistency error attributed to that peer.
func Open(sess Session, proto Protocol, phase Phase, from PartyIndex, sealed []byte) ([]byte, error) {
	op := proto.String() + "." + phase.String()
	var env envelope
	if err := Unmarshal(sealed, &env); err != nil {
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "decode envelope: %v", err)
	}
	want, err := env.Body.digest()
	if err != nil {
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "digest envelope: %v", err)
	}
	if subtle.ConstantTimeCompare(want, env.Digest) != 1 {
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "envelope digest mismatch")
	}
	b := env.Body
	switch {
	case b.Version != ProtocolVersion:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "protocol version %d", b.Version)
	case !bytes.Equal(b.SessionID, sess.SessionID):
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "fragment belongs to another session")
	case b.Threshold != sess.Parameters.Threshold || b.ShareCount != sess.Parameters.ShareCount:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "sender runs %d-of-%d", b.Threshold, b.ShareCount)
	case b.Protocol != proto:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "fragment for protocol %s", b.Protocol)
	case b.Phase != phase:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "fragment from %s", b.Phase)
	case b.From != from:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "fragment claims sender %d", b.From)
	case b.To != sess.PartyIndex:
		return nil, Errorf(KindConsistency, op, []PartyIndex{from}, "fragment addressed to %d", b.To)
	}
	return b.Payload, nil
}

// OpenAll opens the fragments produced by phase for every expected peer.
// Missing peers yield a MissingFragment error; fragments from parties outside
// expected and envelopes that fail to open yield a single consistency error
// naming every culprit.
func OpenAll(sess Session, proto Protocol, phase Phase, in Fragments, expected []PartyIndex) (map[PartyIndex][]byte, error) {
	op := proto.String() + "." + (phase + 1).String()

	want := make(map[PartyIndex]struct{}, len(expected))
	var missing []PartyIndex
	for _, p := range expected {
		want[p] = struct{}{}
		if _, ok := in[p]; !ok {
			missing = append(missing, p)
		}
	}

	var (
		culprits []PartyIndex
		merr     *multierror.Error
	)
	for from := range in {
		if _, ok := want[from]; !ok {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: unexpected sender", from))
		}
	}
	if len(culprits) > 0 {
		return nil, NewError(KindConsistency, op, culprits, merr.ErrorOrNil())
	}
	if len(missing) > 0 {
		return nil, Errorf(KindMissingFragment, op, missing, "%d of %d fragments missing", len(missing), len(expected))
	}

	out := make(map[PartyIndex][]byte, len(expected))
	for _, from := range expected {
		payload, err := Open(sess, proto, phase, from, in[from])
		if err != nil {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, err)
			continue
		}
		out[from] = payload
	}
	if len(culprits) > 0 {
		return nil, NewError(KindConsistency, op, culprits, merr.ErrorOrNil())
	}
	return out, nil
}
