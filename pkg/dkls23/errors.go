package dkls23

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies protocol failures.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindMissingFragment: an expected peer fragment has not arrived. The
	// caller may wait and resubmit.
	KindMissingFragment
	// KindConsistency: a peer fragment failed an integrity or proof check.
	// The run is aborted and the culprits are named.
	KindConsistency
	// KindPhaseOrder: a phase was submitted before its predecessor completed.
	KindPhaseOrder
	// KindPublicKeyMismatch: re-key produced a different public key.
	KindPublicKeyMismatch
	KindTimeout
	// KindAlreadyAdvanced is informational: a completed phase was resubmitted
	// and its cached output was returned.
	KindAlreadyAdvanced
	KindInvalidInput
	KindCancelled
)

var kindNames = map[ErrorKind]string{
	KindUnknown:           "Unknown",
	KindMissingFragment:   "MissingFragment",
	KindConsistency:       "ConsistencyError",
	KindPhaseOrder:        "PhaseOrderError",
	KindPublicKeyMismatch: "PublicKeyMismatch",
	KindTimeout:           "Timeout",
	KindAlreadyAdvanced:   "AlreadyAdvanced",
	KindInvalidInput:      "InvalidInput",
	KindCancelled:         "Cancelled",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) ErrorKind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Fatal reports whether an error of this kind terminates the run.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindMissingFragment, KindAlreadyAdvanced, KindPhaseOrder, KindInvalidInput:
		return false
	default:
		return true
	}
}

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrMissingFragment   = errors.New("dkls23: missing fragment")
	ErrConsistency       = errors.New("dkls23: consistency check failed")
	ErrPhaseOrder        = errors.New("dkls23: phase submitted out of order")
	ErrPublicKeyMismatch = errors.New("dkls23: public key mismatch")
	ErrTimeout           = errors.New("dkls23: timed out waiting for fragments")
	ErrAlreadyAdvanced   = errors.New("dkls23: phase already advanced")
	ErrInvalidInput      = errors.New("dkls23: invalid input")
	ErrCancelled         = errors.New("dkls23: run cancelled")
)

var sentinelKinds = map[error]ErrorKind{
	ErrMissingFragment:   KindMissingFragment,
	ErrConsistency:       KindConsistency,
	ErrPhaseOrder:        KindPhaseOrder,
	ErrPublicKeyMismatch: KindPublicKeyMismatch,
	ErrTimeout:           KindTimeout,
	ErrAlreadyAdvanced:   KindAlreadyAdvanced,
	ErrInvalidInput:      KindInvalidInput,
	ErrCancelled:         KindCancelled,
}

// Error carries the failure kind, the operation that failed and, where the
// failure is attributable, the offending peers.
type Error struct {
	Kind  ErrorKind
	Op    string
	Peers []PartyIndex
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dkls23.")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if len(e.Peers) > 0 {
		b.WriteString(" (peers ")
		for i, p := range e.Peers {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(p.String())
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	k, ok := sentinelKinds[target]
	return ok && k == e.Kind
}

// NewError builds an *Error. Peers are sorted and de-duplicated.
func NewError(kind ErrorKind, op string, peers []PartyIndex, err error) *Error {
	return newError(kind, op, peers, err)
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, op string, peers []PartyIndex, format string, args ...any) *Error {
	return newError(kind, op, peers, fmt.Errorf(format, args...))
}

func newError(kind ErrorKind, op string, peers []PartyIndex, err error) *Error {
	var uniq []PartyIndex
	if len(peers) > 0 {
		seen := make(map[PartyIndex]struct{}, len(peers))
		for _, p := range peers {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			uniq = append(uniq, p)
		}
		sort.Slice(uniq, func(i, j int) bool { return uniq[i] < uniq[j] })
	}
	return &Error{Kind: kind, Op: op, Peers: uniq, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation and deadline errors map to KindCancelled and KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for sentinel, k := range sentinelKinds {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindUnknown
}

// PeersOf returns the culprit peers carried by err, if any.
func PeersOf(err error) []PartyIndex {
	var e *Error
	if errors.As(err, &e) {
		return append([]PartyIndex(nil), e.Peers...)
	}
	return nil
}
