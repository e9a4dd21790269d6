package dkls23

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// SessionIDSize is the length of identifiers produced by NewSessionID.
const SessionIDSize = 32

// MaxShareCount is the largest supported number of parties. Party indices
// travel as a single byte.
const MaxShareCount = 255

// PartyIndex identifies a party inside a key-share set. Valid indices are
// 1..ShareCount.
type PartyIndex uint8

func (p PartyIndex) String() string { return strconv.Itoa(int(p)) }

// Parameters fixes the threshold and the total number of shares.
type Parameters struct {
	Threshold  uint8 `json:"threshold" cbor:"1,keyasint"`
	ShareCount uint8 `json:"share_count" cbor:"2,keyasint"`
}

// Validate checks 2 <= threshold <= share_count.
func (p Parameters) Validate() error {
	if p.Threshold < 2 {
		return newError(KindInvalidInput, "parameters", nil, fmt.Errorf("threshold %d below 2", p.Threshold))
	}
	if p.ShareCount < p.Threshold {
		return newError(KindInvalidInput, "parameters", nil, fmt.Errorf("share_count %d below threshold %d", p.ShareCount, p.Threshold))
	}
	return nil
}

// Contains reports whether idx is a valid party index for these parameters.
func (p Parameters) Contains(idx PartyIndex) bool {
	return idx >= 1 && int(idx) <= int(p.ShareCount)
}

// Parties returns 1..ShareCount in ascending order.
func (p Parameters) Parties() []PartyIndex {
	out := make([]PartyIndex, 0, p.ShareCount)
	for i := 1; i <= int(p.ShareCount); i++ {
		out = append(out, PartyIndex(i))
	}
	return out
}

// SessionID uniquely identifies one protocol run. All parties of a run must
// use byte-identical identifiers.
type SessionID []byte

// NewSessionID returns a fresh random identifier.
func NewSessionID() (SessionID, error) {
	return NewSessionIDFrom(rand.Reader)
}

// NewSessionIDFrom reads SessionIDSize bytes from r.
func NewSessionIDFrom(r io.Reader) (SessionID, error) {
	buf := make([]byte, SessionIDSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read session id: %w", err)
	}
	return SessionID(buf), nil
}

// Clone returns a deep copy of the session identifier.
func (s SessionID) Clone() SessionID {
	if s == nil {
		return nil
	}
	out := make([]byte, len(s))
	copy(out, s)
	return SessionID(out)
}

// Equal reports whether both identifiers hold the same bytes.
func (s SessionID) Equal(o SessionID) bool { return bytes.Equal(s, o) }

// IsEmpty reports whether the identifier is empty.
func (s SessionID) IsEmpty() bool { return len(s) == 0 }

// Short returns an abbreviated hex form suitable for log attributes.
func (s SessionID) Short() string {
	if len(s) <= 4 {
		return hex.EncodeToString(s)
	}
	return hex.EncodeToString(s[:2]) + ".." + hex.EncodeToString(s[len(s)-2:])
}

// Session is the immutable descriptor of one party's view of a run.
type Session struct {
	Parameters Parameters `cbor:"1,keyasint"`
	SessionID  SessionID  `cbor:"2,keyasint"`
	PartyIndex PartyIndex `cbor:"3,keyasint"`
}

// Validate checks the descriptor fields.
func (s Session) Validate() error {
	if err := s.Parameters.Validate(); err != nil {
		return err
	}
	if s.SessionID.IsEmpty() {
		return newError(KindInvalidInput, "session", nil, fmt.Errorf("empty session id"))
	}
	if !s.Parameters.Contains(s.PartyIndex) {
		return newError(KindInvalidInput, "session", nil, fmt.Errorf("party index %d outside [1, %d]", s.PartyIndex, s.Parameters.ShareCount))
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (s Session) Clone() Session {
	s.SessionID = s.SessionID.Clone()
	return s
}

// Peers returns every party index except the session's own.
func (s Session) Peers() []PartyIndex {
	return Without(s.Parameters.Parties(), s.PartyIndex)
}

// Protocol names the protocol a session runs.
type Protocol uint8

const (
	ProtocolDKG Protocol = iota + 1
	ProtocolSign
	ProtocolReKey
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDKG:
		return "dkg"
	case ProtocolSign:
		return "sign"
	case ProtocolReKey:
		return "re_key"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p >= ProtocolDKG && p <= ProtocolReKey
}

// Phase is a step of a four-phase protocol. PhaseNone marks a run that has
// not started; PhaseDone and PhaseFailed are terminal.
type Phase uint8

const (
	PhaseNone Phase = iota
	Phase1
	Phase2
	Phase3
	Phase4
	PhaseDone
	PhaseFailed
)

// LastPhase is the terminal computation phase of every protocol.
const LastPhase = Phase4

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case Phase1, Phase2, Phase3, Phase4:
		return "phase" + strconv.Itoa(int(p))
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// IsTerminal reports whether no further phase can run.
func (p Phase) IsTerminal() bool { return p == PhaseDone || p == PhaseFailed }

// Fragments maps a peer index to an opaque fragment. On input the key is the
// sender; on output it is the recipient.
type Fragments map[PartyIndex][]byte

// Clone returns a deep copy.
func (f Fragments) Clone() Fragments {
	if f == nil {
		return nil
	}
	out := make(Fragments, len(f))
	for k, v := range f {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Indices returns the keys in ascending order.
func (f Fragments) Indices() []PartyIndex {
	out := make([]PartyIndex, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	SortIndices(out)
	return out
}

// Zeroize overwrites every fragment in place.
func (f Fragments) Zeroize() {
	for _, v := range f {
		ZeroizeBytes(v)
	}
}

// SortIndices sorts in place.
func SortIndices(idx []PartyIndex) {
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
}

// Without returns idx with every occurrence of self removed.
func Without(idx []PartyIndex, self PartyIndex) []PartyIndex {
	out := make([]PartyIndex, 0, len(idx))
	for _, i := range idx {
		if i != self {
			out = append(out, i)
		}
	}
	return out
}

// Route transposes the outputs of several parties, keyed by sender, into
// inputs keyed by recipient.
func Route(outputs map[PartyIndex]Fragments) map[PartyIndex]Fragments {
	in := make(map[PartyIndex]Fragments)
	for from, frags := range outputs {
		for to, f := range frags {
			if in[to] == nil {
				in[to] = make(Fragments)
			}
			in[to][from] = f
		}
	}
	return in
}
