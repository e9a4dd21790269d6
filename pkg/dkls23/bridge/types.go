package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/derivation"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

// Operation names. Phase operations are named by PhaseOp.
const (
	OpVerify         = "dkls_verify_ecdsa_signature"
	OpDeriveFromPath = "dkls_derive_from_path"
	OpDeriveChild    = "dkls_derive_child"
	OpDerivePublic   = "dkls_derive_public"
	OpImportKey      = "dkls_import_key"
	OpSessionNew     = "dkls_session_new"
	OpSessionSubmit  = "dkls_session_submit"
	OpSessionStatus  = "dkls_session_status"
	OpSessionClose   = "dkls_session_close"
	OpVersion        = "dkls_version"
)

// PhaseOp returns the operation name of one protocol phase, for example
// dkls_sign_phase3.
func PhaseOp(proto dkls23.Protocol, phase dkls23.Phase) string {
	return fmt.Sprintf("dkls_%s_phase%d", proto, phase)
}

// ByteArray is a byte string carried as a JSON array of numbers, the form
// mobile callers use for session ids and digests.
type ByteArray []byte

// MarshalJSON implements json.Marshaler.
func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteArray) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("byte array: %w", err)
	}
	if ints == nil {
		*b = nil
		return nil
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array: element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Session is the wire form of dkls23.Session.
type Session struct {
	Parameters dkls23.Parameters `json:"parameters"`
	SessionID  ByteArray         `json:"session_id" validate:"required"`
	PartyIndex int               `json:"party_index" validate:"min=1,max=255"`
}

// SessionOf converts a session descriptor to its wire form.
func SessionOf(s dkls23.Session) Session {
	return Session{
		Parameters: s.Parameters,
		SessionID:  ByteArray(s.SessionID.Clone()),
		PartyIndex: int(s.PartyIndex),
	}
}

func (s Session) core() dkls23.Session {
	return dkls23.Session{
		Parameters: s.Parameters,
		SessionID:  dkls23.SessionID(s.SessionID),
		PartyIndex: dkls23.PartyIndex(s.PartyIndex),
	}
}

// PhaseRequest is the input of every dkls_<protocol>_phase<n> operation.
type PhaseRequest struct {
	Session Session `json:"session"`
	// State and Fragments are required from phase 2 on.
	State     []byte           `json:"state,omitempty"`
	Fragments dkls23.Fragments `json:"fragments,omitempty"`
	// KeyShare is the encoded share for sign and re-key phase 1.
	KeyShare      []byte    `json:"key_share,omitempty"`
	Signers       []int     `json:"signers,omitempty" validate:"omitempty,dive,min=1,max=255"`
	MessageDigest ByteArray `json:"message_digest,omitempty" validate:"omitempty,len=32"`
	// Normalize selects low-s output on sign phase 4. Absent means true.
	Normalize *bool `json:"normalize,omitempty"`
}

// PhaseResponse is the output of a phase operation. Non-terminal phases
// carry Fragments and State, terminal ones KeyShare or Signature.
type PhaseResponse struct {
	Fragments dkls23.Fragments `json:"fragments,omitempty"`
	State     []byte           `json:"state,omitempty"`
	KeyShare  []byte           `json:"key_share,omitempty"`
	// PublicKey and EthAddress describe KeyShare.
	PublicKey  string       `json:"public_key,omitempty"`
	EthAddress string       `json:"eth_address,omitempty"`
	Signature  *Signature   `json:"signature,omitempty"`
	Error      *ErrorObject `json:"error,omitempty"`
}

// Signature is the wire form of sign.Signature, with r and s in hex.
type Signature struct {
	R          string `json:"r" validate:"required,hexadecimal,len=64"`
	S          string `json:"s" validate:"required,hexadecimal,len=64"`
	RecoveryID uint8  `json:"recovery_id" validate:"max=3"`
}

// SignatureOf converts a signature to its wire form.
func SignatureOf(sig sign.Signature) *Signature {
	return &Signature{R: sig.RHex(), S: sig.SHex(), RecoveryID: sig.RecoveryID}
}

func (s Signature) core() (sign.Signature, error) {
	var out sign.Signature
	if err := decodeHexInto(out.R[:], s.R, "r"); err != nil {
		return out, err
	}
	if err := decodeHexInto(out.S[:], s.S, "s"); err != nil {
		return out, err
	}
	out.RecoveryID = s.RecoveryID
	return out, nil
}

// ErrorObject is the wire form of a failure.
type ErrorObject struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Peers   []int  `json:"peers,omitempty"`
}

// ErrorOf converts err to its wire form.
func ErrorOf(err error) *ErrorObject {
	obj := &ErrorObject{Kind: dkls23.KindOf(err).String(), Message: err.Error()}
	for _, p := range dkls23.PeersOf(err) {
		obj.Peers = append(obj.Peers, int(p))
	}
	return obj
}

// Err converts the object back to a *dkls23.Error.
func (o *ErrorObject) Err(op string) error {
	peers := make([]dkls23.PartyIndex, 0, len(o.Peers))
	for _, p := range o.Peers {
		peers = append(peers, dkls23.PartyIndex(p))
	}
	return dkls23.NewError(dkls23.ParseErrorKind(o.Kind), op, peers, remoteError(o.Message))
}

type remoteError string

func (e remoteError) Error() string { return string(e) }

// VerifyRequest is the input of dkls_verify_ecdsa_signature.
type VerifyRequest struct {
	Signature     Signature `json:"signature"`
	MessageDigest ByteArray `json:"message_digest" validate:"len=32"`
	// PublicKey is the SEC1 encoded key in hex.
	PublicKey string `json:"public_key" validate:"required,hexadecimal"`
}

// VerifyResponse is the output of dkls_verify_ecdsa_signature.
type VerifyResponse struct {
	Valid bool         `json:"valid"`
	Error *ErrorObject `json:"error,omitempty"`
}

// DeriveRequest is the input of dkls_derive_from_path (Path) and
// dkls_derive_child (ChildNumber).
type DeriveRequest struct {
	ParentShare []byte  `json:"parent_share" validate:"required"`
	Path        string  `json:"path,omitempty" validate:"omitempty,startswith=m"`
	ChildNumber *uint32 `json:"child_number,omitempty"`
}

// DeriveResponse carries the derived share.
type DeriveResponse struct {
	ChildShare []byte       `json:"child_share,omitempty"`
	PublicKey  string       `json:"public_key,omitempty"`
	EthAddress string       `json:"eth_address,omitempty"`
	Error      *ErrorObject `json:"error,omitempty"`
}

// PublicNode is the public part of a BIP-32 node, fields in hex.
type PublicNode struct {
	PublicKey         string `json:"public_key" validate:"required,hexadecimal,len=66"`
	ChainCode         string `json:"chain_code" validate:"required,hexadecimal,len=64"`
	Depth             uint8  `json:"depth"`
	ChildNumber       uint32 `json:"child_number"`
	ParentFingerprint string `json:"parent_fingerprint,omitempty" validate:"omitempty,hexadecimal,len=8"`
}

// NodeOf converts a derivation node to its wire form.
func NodeOf(n derivation.Node) *PublicNode {
	return &PublicNode{
		PublicKey:         hex.EncodeToString(n.PublicKey.Bytes()),
		ChainCode:         hex.EncodeToString(n.ChainCode[:]),
		Depth:             n.Depth,
		ChildNumber:       n.ChildNumber,
		ParentFingerprint: hex.EncodeToString(n.ParentFingerprint[:]),
	}
}

func (p PublicNode) core() (derivation.Node, error) {
	n := derivation.Node{Depth: p.Depth, ChildNumber: p.ChildNumber}
	raw, err := hex.DecodeString(p.PublicKey)
	if err != nil {
		return n, fmt.Errorf("public_key: %w", err)
	}
	if n.PublicKey, err = curve.PointFromBytes(raw); err != nil {
		return n, fmt.Errorf("public_key: %w", err)
	}
	if n.PublicKey.IsIdentity() {
		return n, fmt.Errorf("public_key: identity point")
	}
	if err := decodeHexInto(n.ChainCode[:], p.ChainCode, "chain_code"); err != nil {
		return n, err
	}
	if p.ParentFingerprint != "" {
		if err := decodeHexInto(n.ParentFingerprint[:], p.ParentFingerprint, "parent_fingerprint"); err != nil {
			return n, err
		}
	}
	return n, nil
}

// DerivePublicRequest is the input of dkls_derive_public.
type DerivePublicRequest struct {
	Node PublicNode `json:"node"`
	Path string     `json:"path" validate:"required,startswith=m"`
}

// DerivePublicResponse is the output of dkls_derive_public.
type DerivePublicResponse struct {
	Node  *PublicNode  `json:"node,omitempty"`
	Error *ErrorObject `json:"error,omitempty"`
}

// ImportRequest is the input of dkls_import_key.
type ImportRequest struct {
	Parameters dkls23.Parameters `json:"parameters"`
	SecretKey  string            `json:"secret_key" validate:"required,hexadecimal,len=64"`
	ChainCode  string            `json:"chain_code,omitempty" validate:"omitempty,hexadecimal,len=64"`
	SessionID  ByteArray         `json:"session_id,omitempty"`
}

// ImportResponse is the output of dkls_import_key, one share per party.
type ImportResponse struct {
	KeyShares  [][]byte     `json:"key_shares,omitempty"`
	PublicKey  string       `json:"public_key,omitempty"`
	EthAddress string       `json:"eth_address,omitempty"`
	Error      *ErrorObject `json:"error,omitempty"`
}

// SessionNewRequest is the input of dkls_session_new.
type SessionNewRequest struct {
	Protocol      string    `json:"protocol" validate:"required,oneof=dkg sign re_key"`
	Session       Session   `json:"session"`
	KeyShare      []byte    `json:"key_share,omitempty"`
	Signers       []int     `json:"signers,omitempty" validate:"omitempty,dive,min=1,max=255"`
	MessageDigest ByteArray `json:"message_digest,omitempty" validate:"omitempty,len=32"`
	Normalize     *bool     `json:"normalize,omitempty"`
}

// SessionNewResponse is the output of dkls_session_new.
type SessionNewResponse struct {
	Handle uint64       `json:"handle,omitempty"`
	Peers  []int        `json:"peers,omitempty"`
	Error  *ErrorObject `json:"error,omitempty"`
}

// SessionSubmitRequest is the input of dkls_session_submit.
type SessionSubmitRequest struct {
	Handle    uint64           `json:"handle" validate:"required"`
	Phase     int              `json:"phase" validate:"min=1,max=4"`
	Fragments dkls23.Fragments `json:"fragments,omitempty"`
}

// SessionSubmitResponse is the output of dkls_session_submit.
type SessionSubmitResponse struct {
	Phase      int              `json:"phase,omitempty"`
	Fragments  dkls23.Fragments `json:"fragments,omitempty"`
	KeyShare   []byte           `json:"key_share,omitempty"`
	PublicKey  string           `json:"public_key,omitempty"`
	EthAddress string           `json:"eth_address,omitempty"`
	Signature  *Signature       `json:"signature,omitempty"`
	// AlreadyAdvanced is set when the phase had completed before and the
	// cached output was returned.
	AlreadyAdvanced bool         `json:"already_advanced,omitempty"`
	Error           *ErrorObject `json:"error,omitempty"`
}

// SessionHandleRequest is the input of dkls_session_status and
// dkls_session_close.
type SessionHandleRequest struct {
	Handle uint64 `json:"handle" validate:"required"`
}

// SessionStatusResponse is the output of dkls_session_status.
type SessionStatusResponse struct {
	Phase string       `json:"phase,omitempty"`
	Peers []int        `json:"peers,omitempty"`
	Error *ErrorObject `json:"error,omitempty"`
}

// VersionResponse is the output of dkls_version.
type VersionResponse struct {
	Version string `json:"version"`
}

// errorResponse is written when the operation is unknown or the request
// cannot be decoded.
type errorResponse struct {
	Error *ErrorObject `json:"error"`
}

func decodeHexInto(dst []byte, s, field string) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%s: want %d bytes, got %d", field, len(dst), len(raw))
	}
	copy(dst, raw)
	return nil
}

func ints(idx []dkls23.PartyIndex) []int {
	out := make([]int, 0, len(idx))
	for _, p := range idx {
		out = append(out, int(p))
	}
	return out
}

func indices(v []int) []dkls23.PartyIndex {
	if v == nil {
		return nil
	}
	out := make([]dkls23.PartyIndex, 0, len(v))
	for _, p := range v {
		out = append(out, dkls23.PartyIndex(p))
	}
	return out
}
