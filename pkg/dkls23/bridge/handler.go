// Package bridge exposes the dkls23 engine as named JSON operations.
//
// Every operation takes one JSON request document and returns one JSON
// response document. Failures never escape as Go errors: they are reported
// in the response as {"error": {"kind", "message", "peers"}}. Opaque state,
// fragments and key shares travel as base64 strings; session ids and message
// digests as arrays of numbers.
//
// Handler serves the operations over an engine.Engine. RemoteEngine is the
// other side: an engine.Engine that forwards every phase to a Caller, so a
// coordinator can drive an engine living behind the C ABI or in another
// process.
package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/0xCarbon/libtss/internal/ffi"
	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/coordinator"
	"github.com/0xCarbon/libtss/pkg/dkls23/derivation"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
	"github.com/0xCarbon/libtss/pkg/dkls23/keystore"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

// Caller executes one named JSON operation.
type Caller interface {
	Call(ctx context.Context, op string, request []byte) []byte
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, op string, request []byte) []byte

// Call calls f.
func (f CallerFunc) Call(ctx context.Context, op string, request []byte) []byte {
	return f(ctx, op, request)
}

type opFunc func(ctx context.Context, raw []byte) (any, error)

// Handler serves the JSON operations. It is safe for concurrent use.
type Handler struct {
	eng       engine.Engine
	validate  *validator.Validate
	log       logging.Logger
	coordOpts []coordinator.Option
	store     *keystore.Store
	sessions  *ffi.Registry[*session]
	ops       map[string]opFunc
}

var _ Caller = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l logging.Logger) Option { return func(h *Handler) { h.log = l } }

// WithCoordinatorOptions sets options applied to every coordinator created
// by dkls_session_new.
func WithCoordinatorOptions(opts ...coordinator.Option) Option {
	return func(h *Handler) { h.coordOpts = append(h.coordOpts, opts...) }
}

// WithStore rejects sign and re-key phase 1 requests that carry a retired
// share and records every key share the handler hands out: DKG and import
// outputs are stored, re-key outputs rotate the key's epoch. Session handles
// get the same store.
func WithStore(s *keystore.Store) Option { return func(h *Handler) { h.store = s } }

// NewHandler returns a handler over eng. A nil engine selects
// engine.NewLocal.
func NewHandler(eng engine.Engine, opts ...Option) *Handler {
	if eng == nil {
		eng = engine.NewLocal()
	}
	h := &Handler{
		eng:      eng,
		validate: validator.New(),
		sessions: ffi.NewRegistry[*session](),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = logging.New(nil)
	}
	if len(h.coordOpts) == 0 {
		h.coordOpts = []coordinator.Option{coordinator.WithLogger(h.log)}
	}
	if h.store != nil {
		h.eng = h.store.Guard(h.eng)
		h.coordOpts = append(h.coordOpts, coordinator.WithStore(h.store))
	}

	h.ops = map[string]opFunc{
		OpVerify:         h.verify,
		OpDeriveFromPath: h.deriveFromPath,
		OpDeriveChild:    h.deriveChild,
		OpDerivePublic:   h.derivePublic,
		OpImportKey:      h.importKey,
		OpSessionNew:     h.sessionNew,
		OpSessionSubmit:  h.sessionSubmit,
		OpSessionStatus:  h.sessionStatus,
		OpSessionClose:   h.sessionClose,
		OpVersion:        h.version,
	}
	for _, proto := range []dkls23.Protocol{dkls23.ProtocolDKG, dkls23.ProtocolSign, dkls23.ProtocolReKey} {
		for phase := dkls23.Phase1; phase <= dkls23.LastPhase; phase++ {
			h.ops[PhaseOp(proto, phase)] = h.phase(proto, phase)
		}
	}
	return h
}

// Ops returns the supported operation names in sorted order.
func (h *Handler) Ops() []string {
	out := make([]string, 0, len(h.ops))
	for op := range h.ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Call runs op on request and returns the JSON response.
func (h *Handler) Call(ctx context.Context, op string, request []byte) []byte {
	var (
		resp any
		err  error
	)
	if fn, ok := h.ops[op]; ok {
		resp, err = fn(ctx, request)
	} else {
		err = dkls23.Errorf(dkls23.KindInvalidInput, "bridge", nil, "unknown operation %q", op)
	}
	if err != nil {
		h.log.Warn(ctx, "operation failed", append([]any{"op", op}, logging.ErrorAttrs(err)...)...)
		resp = errorResponse{Error: ErrorOf(err)}
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse{Error: ErrorOf(dkls23.NewError(dkls23.KindUnknown, op, nil, err))})
	}
	return out
}

// decode unmarshals and validates a request document.
func decode[T any](h *Handler, op string, raw []byte) (*T, error) {
	var req T
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, op, nil, err)
	}
	if err := h.validate.Struct(&req); err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, op, nil, err)
	}
	return &req, nil
}

func decodeShare(raw []byte) (*dkg.KeyShare, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return dkg.UnmarshalKeyShare(raw)
}

// encodeShare returns the encoded share with its public key and address.
func encodeShare(share *dkg.KeyShare) (raw []byte, pub, addr string, err error) {
	raw, err = share.Encode()
	if err != nil {
		return nil, "", "", err
	}
	return raw, share.PublicKeyHex(), share.EthAddress, nil
}

func (h *Handler) phase(proto dkls23.Protocol, phase dkls23.Phase) opFunc {
	op := PhaseOp(proto, phase)
	return func(ctx context.Context, raw []byte) (any, error) {
		req, err := decode[PhaseRequest](h, op, raw)
		if err != nil {
			return nil, err
		}
		share, err := decodeShare(req.KeyShare)
		if err != nil {
			return nil, err
		}
		defer share.Zeroize()

		res, err := h.eng.RunPhase(ctx, engine.Request{
			Protocol:    proto,
			Phase:       phase,
			Session:     req.Session.core(),
			State:       req.State,
			Inbound:     req.Fragments,
			KeyShare:    share,
			Signers:     indices(req.Signers),
			Digest:      req.MessageDigest,
			DisableLowS: req.Normalize != nil && !*req.Normalize,
		})
		if err != nil {
			return nil, err
		}
		out := &PhaseResponse{Fragments: res.Outbound, State: res.State}
		if res.KeyShare != nil {
			defer res.KeyShare.Zeroize()
			if err := h.persist(ctx, proto, res.KeyShare); err != nil {
				return nil, err
			}
			if out.KeyShare, out.PublicKey, out.EthAddress, err = encodeShare(res.KeyShare); err != nil {
				return nil, err
			}
		}
		if res.Signature != nil {
			out.Signature = SignatureOf(*res.Signature)
		}
		return out, nil
	}
}

// persist records a key share produced by proto when a store is configured.
func (h *Handler) persist(ctx context.Context, proto dkls23.Protocol, share *dkg.KeyShare) error {
	if h.store == nil {
		return nil
	}
	if proto == dkls23.ProtocolReKey {
		return h.store.Rotate(ctx, share)
	}
	return h.store.Put(ctx, share)
}

func (h *Handler) version(context.Context, []byte) (any, error) {
	return VersionResponse{Version: dkls23.LibraryVersion()}, nil
}

func (h *Handler) verify(_ context.Context, raw []byte) (any, error) {
	req, err := decode[VerifyRequest](h, OpVerify, raw)
	if err != nil {
		return nil, err
	}
	sig, err := req.Signature.core()
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, OpVerify, nil, err)
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, OpVerify, nil, err)
	}
	ok, err := sign.Verify(sig, req.MessageDigest, pub)
	if err != nil {
		return nil, err
	}
	return VerifyResponse{Valid: ok}, nil
}

func (h *Handler) deriveFromPath(_ context.Context, raw []byte) (any, error) {
	req, err := decode[DeriveRequest](h, OpDeriveFromPath, raw)
	if err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, OpDeriveFromPath, nil, "missing path")
	}
	return h.derive(req.ParentShare, func(parent *dkg.KeyShare) (*dkg.KeyShare, error) {
		return derivation.DeriveFromPath(parent, req.Path)
	})
}

func (h *Handler) deriveChild(_ context.Context, raw []byte) (any, error) {
	req, err := decode[DeriveRequest](h, OpDeriveChild, raw)
	if err != nil {
		return nil, err
	}
	if req.ChildNumber == nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, OpDeriveChild, nil, "missing child_number")
	}
	return h.derive(req.ParentShare, func(parent *dkg.KeyShare) (*dkg.KeyShare, error) {
		return derivation.DeriveChild(parent, *req.ChildNumber)
	})
}

func (h *Handler) derive(rawParent []byte, fn func(*dkg.KeyShare) (*dkg.KeyShare, error)) (any, error) {
	parent, err := dkg.UnmarshalKeyShare(rawParent)
	if err != nil {
		return nil, err
	}
	defer parent.Zeroize()
	child, err := fn(parent)
	if err != nil {
		return nil, err
	}
	defer child.Zeroize()
	out := &DeriveResponse{}
	if out.ChildShare, out.PublicKey, out.EthAddress, err = encodeShare(child); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Handler) derivePublic(_ context.Context, raw []byte) (any, error) {
	req, err := decode[DerivePublicRequest](h, OpDerivePublic, raw)
	if err != nil {
		return nil, err
	}
	node, err := req.Node.core()
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, OpDerivePublic, nil, err)
	}
	child, err := node.Path(req.Path)
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, OpDerivePublic, nil, err)
	}
	return DerivePublicResponse{Node: NodeOf(child)}, nil
}

func (h *Handler) importKey(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[ImportRequest](h, OpImportKey, raw)
	if err != nil {
		return nil, err
	}
	sk, err := hex.DecodeString(req.SecretKey)
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, OpImportKey, nil, err)
	}
	defer dkls23.ZeroizeBytes(sk)
	var cc []byte
	if req.ChainCode != "" {
		if cc, err = hex.DecodeString(req.ChainCode); err != nil {
			return nil, dkls23.NewError(dkls23.KindInvalidInput, OpImportKey, nil, err)
		}
	}
	shares, err := dkg.ImportKey(req.Parameters, sk, cc, dkls23.SessionID(req.SessionID), nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, s := range shares {
			s.Zeroize()
		}
	}()
	out := &ImportResponse{PublicKey: shares[0].PublicKeyHex(), EthAddress: shares[0].EthAddress}
	for _, s := range shares {
		if err := h.persist(ctx, dkls23.ProtocolDKG, s); err != nil {
			return nil, err
		}
		enc, err := s.Encode()
		if err != nil {
			return nil, err
		}
		out.KeyShares = append(out.KeyShares, enc)
	}
	return out, nil
}
