package bridge_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/bridge"
	"github.com/0xCarbon/libtss/pkg/dkls23/coordinator"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
	"github.com/0xCarbon/libtss/pkg/dkls23/keystore"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/router"
)

func newHandler() *bridge.Handler {
	return bridge.NewHandler(nil, bridge.WithLogger(logging.Discard()))
}

func call[T any](t *testing.T, c bridge.Caller, op string, req any) T {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(c.Call(context.Background(), op, raw), &out))
	return out
}

func wireSessions(params dkls23.Parameters, sid []byte, parties ...dkls23.PartyIndex) []bridge.Session {
	if len(parties) == 0 {
		parties = params.Parties()
	}
	var out []bridge.Session
	for _, p := range parties {
		out = append(out, bridge.Session{Parameters: params, SessionID: sid, PartyIndex: int(p)})
	}
	return out
}

// runPhases drives every session through the four phase operations of
// proto, routing fragments between them.
func runPhases(t *testing.T, c bridge.Caller, proto dkls23.Protocol, sessions []bridge.Session, phase1 func(*bridge.PhaseRequest)) []bridge.PhaseResponse {
	t.Helper()
	states := map[dkls23.PartyIndex][]byte{}
	out := map[dkls23.PartyIndex]dkls23.Fragments{}
	var final []bridge.PhaseResponse
	for phase := dkls23.Phase1; phase <= dkls23.LastPhase; phase++ {
		in := dkls23.Route(out)
		out = map[dkls23.PartyIndex]dkls23.Fragments{}
		for _, sess := range sessions {
			p := dkls23.PartyIndex(sess.PartyIndex)
			req := bridge.PhaseRequest{Session: sess, State: states[p], Fragments: in[p]}
			if phase == dkls23.Phase1 && phase1 != nil {
				phase1(&req)
			}
			resp := call[bridge.PhaseResponse](t, c, bridge.PhaseOp(proto, phase), req)
			require.Nil(t, resp.Error, "party %d %s: %+v", p, phase, resp.Error)
			if phase == dkls23.LastPhase {
				final = append(final, resp)
				continue
			}
			require.NotEmpty(t, resp.State)
			states[p] = resp.State
			out[p] = resp.Fragments
		}
	}
	return final
}

func TestTwoOfTwoOverJSON(t *testing.T) {
	h := newHandler()
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sid := []byte("Some session id")

	raw, err := json.Marshal(bridge.PhaseRequest{Session: wireSessions(params, sid)[0]})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"session_id":[83,111,109,101,`)

	keys := runPhases(t, h, dkls23.ProtocolDKG, wireSessions(params, sid), nil)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.NotEmpty(t, k.KeyShare)
		assert.Equal(t, keys[0].PublicKey, k.PublicKey)
		assert.Equal(t, keys[0].EthAddress, k.EthAddress)
	}

	digest := sha256.Sum256([]byte("Message to sign!"))
	signSID := []byte("Some sign session id")
	sigs := runPhases(t, h, dkls23.ProtocolSign, wireSessions(params, signSID), func(req *bridge.PhaseRequest) {
		req.KeyShare = keys[req.Session.PartyIndex-1].KeyShare
		req.Signers = []int{1, 2}
		req.MessageDigest = digest[:]
	})
	require.Len(t, sigs, 2)
	require.NotNil(t, sigs[0].Signature)
	assert.Equal(t, sigs[0].Signature, sigs[1].Signature)

	verify := call[bridge.VerifyResponse](t, h, bridge.OpVerify, bridge.VerifyRequest{
		Signature:     *sigs[0].Signature,
		MessageDigest: digest[:],
		PublicKey:     keys[0].PublicKey,
	})
	require.Nil(t, verify.Error)
	assert.True(t, verify.Valid)

	other := sha256.Sum256([]byte("another message"))
	verify = call[bridge.VerifyResponse](t, h, bridge.OpVerify, bridge.VerifyRequest{
		Signature:     *sigs[0].Signature,
		MessageDigest: other[:],
		PublicKey:     keys[0].PublicKey,
	})
	require.Nil(t, verify.Error)
	assert.False(t, verify.Valid)
}

func TestReKeyOverJSON(t *testing.T) {
	h := newHandler()
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	keys := runPhases(t, h, dkls23.ProtocolDKG, wireSessions(params, sid), nil)

	rekeySID, err := dkls23.NewSessionID()
	require.NoError(t, err)
	fresh := runPhases(t, h, dkls23.ProtocolReKey, wireSessions(params, rekeySID), func(req *bridge.PhaseRequest) {
		req.KeyShare = keys[req.Session.PartyIndex-1].KeyShare
	})
	for i, k := range fresh {
		assert.Equal(t, keys[0].PublicKey, k.PublicKey)
		assert.NotEqual(t, keys[i].KeyShare, k.KeyShare)
	}
}

func TestRetiredShareRejectedOverJSON(t *testing.T) {
	store, err := keystore.Open(keystore.Config{Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h := bridge.NewHandler(nil, bridge.WithLogger(logging.Discard()), bridge.WithStore(store))

	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	keys := runPhases(t, h, dkls23.ProtocolDKG, wireSessions(params, sid), nil)

	rekeySID, err := dkls23.NewSessionID()
	require.NoError(t, err)
	fresh := runPhases(t, h, dkls23.ProtocolReKey, wireSessions(params, rekeySID), func(req *bridge.PhaseRequest) {
		req.KeyShare = keys[req.Session.PartyIndex-1].KeyShare
	})

	signSID, err := dkls23.NewSessionID()
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("retired"))
	start := func(share []byte) bridge.PhaseResponse {
		return call[bridge.PhaseResponse](t, h, bridge.PhaseOp(dkls23.ProtocolSign, dkls23.Phase1), bridge.PhaseRequest{
			Session:       wireSessions(params, signSID, 1)[0],
			KeyShare:      share,
			Signers:       []int{1, 2},
			MessageDigest: digest[:],
		})
	}

	resp := start(keys[0].KeyShare)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidInput", resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "retired")

	resp = start(fresh[0].KeyShare)
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, resp.State)

	// A second refresh from the retired epoch is refused as well.
	resp = call[bridge.PhaseResponse](t, h, bridge.PhaseOp(dkls23.ProtocolReKey, dkls23.Phase1), bridge.PhaseRequest{
		Session:  wireSessions(params, signSID, 2)[0],
		KeyShare: keys[1].KeyShare,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidInput", resp.Error.Kind)
}

func TestErrorsOverJSON(t *testing.T) {
	h := newHandler()
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sess := wireSessions(params, []byte("errors"))

	resp := call[bridge.PhaseResponse](t, h, "dkls_nope", struct{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidInput", resp.Error.Kind)

	raw := h.Call(context.Background(), bridge.PhaseOp(dkls23.ProtocolDKG, dkls23.Phase1), []byte("{"))
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "InvalidInput", resp.Error.Kind)

	resp = call[bridge.PhaseResponse](t, h, bridge.PhaseOp(dkls23.ProtocolSign, dkls23.Phase1), bridge.PhaseRequest{
		Session:       sess[0],
		MessageDigest: make([]byte, 31),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidInput", resp.Error.Kind)

	first := call[bridge.PhaseResponse](t, h, bridge.PhaseOp(dkls23.ProtocolDKG, dkls23.Phase1), bridge.PhaseRequest{Session: sess[0]})
	require.Nil(t, first.Error)
	resp = call[bridge.PhaseResponse](t, h, bridge.PhaseOp(dkls23.ProtocolDKG, dkls23.Phase2), bridge.PhaseRequest{Session: sess[0], State: first.State})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "MissingFragment", resp.Error.Kind)
	assert.Equal(t, []int{2}, resp.Error.Peers)
}

func TestSessionHandles(t *testing.T) {
	h := newHandler()
	defer h.Close()
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)

	handles := map[dkls23.PartyIndex]uint64{}
	for _, sess := range wireSessions(params, sid) {
		resp := call[bridge.SessionNewResponse](t, h, bridge.OpSessionNew, bridge.SessionNewRequest{Protocol: "dkg", Session: sess})
		require.Nil(t, resp.Error)
		assert.Len(t, resp.Peers, 1)
		handles[dkls23.PartyIndex(sess.PartyIndex)] = resp.Handle
	}

	out := map[dkls23.PartyIndex]dkls23.Fragments{}
	inputs := map[dkls23.PartyIndex]dkls23.Fragments{}
	finals := map[dkls23.PartyIndex]bridge.SessionSubmitResponse{}
	for phase := 1; phase <= 4; phase++ {
		in := dkls23.Route(out)
		out = map[dkls23.PartyIndex]dkls23.Fragments{}
		for p, handle := range handles {
			resp := call[bridge.SessionSubmitResponse](t, h, bridge.OpSessionSubmit, bridge.SessionSubmitRequest{Handle: handle, Phase: phase, Fragments: in[p]})
			require.Nil(t, resp.Error, "party %d phase %d", p, phase)
			assert.Equal(t, phase, resp.Phase)
			assert.False(t, resp.AlreadyAdvanced)
			out[p] = resp.Fragments
			if phase == 4 {
				inputs[p] = in[p]
				finals[p] = resp
			}
		}
	}
	require.NotEmpty(t, finals[1].KeyShare)
	assert.Equal(t, finals[1].PublicKey, finals[2].PublicKey)

	again := call[bridge.SessionSubmitResponse](t, h, bridge.OpSessionSubmit, bridge.SessionSubmitRequest{Handle: handles[1], Phase: 4, Fragments: inputs[1]})
	require.Nil(t, again.Error)
	assert.True(t, again.AlreadyAdvanced)
	assert.Equal(t, finals[1].PublicKey, again.PublicKey)

	status := call[bridge.SessionStatusResponse](t, h, bridge.OpSessionStatus, bridge.SessionHandleRequest{Handle: handles[1]})
	require.Nil(t, status.Error)
	assert.Equal(t, dkls23.PhaseDone.String(), status.Phase)

	closed := call[bridge.SessionStatusResponse](t, h, bridge.OpSessionClose, bridge.SessionHandleRequest{Handle: handles[1]})
	require.Nil(t, closed.Error)
	status = call[bridge.SessionStatusResponse](t, h, bridge.OpSessionStatus, bridge.SessionHandleRequest{Handle: handles[1]})
	require.NotNil(t, status.Error)
	assert.Equal(t, "InvalidInput", status.Error.Kind)
}

func TestSessionOutOfOrder(t *testing.T) {
	h := newHandler()
	defer h.Close()
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	sess := wireSessions(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sid)[0]
	created := call[bridge.SessionNewResponse](t, h, bridge.OpSessionNew, bridge.SessionNewRequest{Protocol: "dkg", Session: sess})
	require.Nil(t, created.Error)

	resp := call[bridge.SessionSubmitResponse](t, h, bridge.OpSessionSubmit, bridge.SessionSubmitRequest{Handle: created.Handle, Phase: 3})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PhaseOrderError", resp.Error.Kind)

	resp = call[bridge.SessionSubmitResponse](t, h, bridge.OpSessionNew, bridge.SessionNewRequest{Protocol: "frost", Session: sess})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "InvalidInput", resp.Error.Kind)
}

func TestDerivationOverJSON(t *testing.T) {
	h := newHandler()
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	keys := runPhases(t, h, dkls23.ProtocolDKG, wireSessions(params, sid), nil)

	viaPath := call[bridge.DeriveResponse](t, h, bridge.OpDeriveFromPath, bridge.DeriveRequest{ParentShare: keys[0].KeyShare, Path: "m/3"})
	require.Nil(t, viaPath.Error)
	three := uint32(3)
	viaChild := call[bridge.DeriveResponse](t, h, bridge.OpDeriveChild, bridge.DeriveRequest{ParentShare: keys[1].KeyShare, ChildNumber: &three})
	require.Nil(t, viaChild.Error)
	assert.Equal(t, viaPath.PublicKey, viaChild.PublicKey)
	assert.NotEqual(t, keys[0].PublicKey, viaPath.PublicKey)

	parent, err := dkg.UnmarshalKeyShare(keys[0].KeyShare)
	require.NoError(t, err)
	pub := call[bridge.DerivePublicResponse](t, h, bridge.OpDerivePublic, bridge.DerivePublicRequest{
		Node: bridge.PublicNode{
			PublicKey: keys[0].PublicKey,
			ChainCode: hex.EncodeToString(parent.ChainCode[:]),
		},
		Path: "m/3",
	})
	require.Nil(t, pub.Error)
	assert.Equal(t, viaPath.PublicKey, pub.Node.PublicKey)
	assert.Equal(t, uint8(1), pub.Node.Depth)

	hardened := call[bridge.DeriveResponse](t, h, bridge.OpDeriveFromPath, bridge.DeriveRequest{ParentShare: keys[0].KeyShare, Path: "m/0'"})
	require.NotNil(t, hardened.Error)
	assert.Equal(t, "InvalidInput", hardened.Error.Kind)

	missing := call[bridge.DeriveResponse](t, h, bridge.OpDeriveChild, bridge.DeriveRequest{ParentShare: keys[0].KeyShare})
	require.NotNil(t, missing.Error)
}

func TestImportKeyOverJSON(t *testing.T) {
	h := newHandler()
	sk := sha256.Sum256([]byte("imported secret"))
	priv, _ := btcec.PrivKeyFromBytes(sk[:])

	resp := call[bridge.ImportResponse](t, h, bridge.OpImportKey, bridge.ImportRequest{
		Parameters: dkls23.Parameters{Threshold: 2, ShareCount: 3},
		SecretKey:  hex.EncodeToString(sk[:]),
	})
	require.Nil(t, resp.Error)
	require.Len(t, resp.KeyShares, 3)
	assert.Equal(t, hex.EncodeToString(priv.PubKey().SerializeCompressed()), resp.PublicKey)

	digest := sha256.Sum256([]byte("imported"))
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	sigs := runPhases(t, h, dkls23.ProtocolSign, wireSessions(dkls23.Parameters{Threshold: 2, ShareCount: 3}, sid, 2, 3), func(req *bridge.PhaseRequest) {
		req.KeyShare = resp.KeyShares[req.Session.PartyIndex-1]
		req.Signers = []int{2, 3}
		req.MessageDigest = digest[:]
	})
	verify := call[bridge.VerifyResponse](t, h, bridge.OpVerify, bridge.VerifyRequest{
		Signature:     *sigs[0].Signature,
		MessageDigest: digest[:],
		PublicKey:     resp.PublicKey,
	})
	assert.True(t, verify.Valid)

	bad := call[bridge.ImportResponse](t, h, bridge.OpImportKey, bridge.ImportRequest{
		Parameters: dkls23.Parameters{Threshold: 2, ShareCount: 3},
		SecretKey:  "00",
	})
	require.NotNil(t, bad.Error)
	assert.Equal(t, "InvalidInput", bad.Error.Kind)
}

// runCoordinators runs one coordinator per session concurrently over an
// in-memory router.
func runCoordinators(t *testing.T, eng *bridge.RemoteEngine, proto dkls23.Protocol, sessions []dkls23.Session, input func(dkls23.PartyIndex) coordinator.Input) []coordinator.Step {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	net := router.NewNet()
	defer net.Close()

	var mu sync.Mutex
	var steps []coordinator.Step
	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		g.Go(func() error {
			var in coordinator.Input
			if input != nil {
				in = input(sess.PartyIndex)
			}
			c, err := coordinator.New(eng, proto, sess, in, coordinator.WithLogger(logging.Discard()))
			if err != nil {
				return err
			}
			defer c.Close()
			step, err := c.Run(ctx, net.Endpoint(sess.SessionID, sess.PartyIndex))
			if err != nil {
				return err
			}
			mu.Lock()
			steps = append(steps, step)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	return steps
}

func coreSessions(t *testing.T, params dkls23.Parameters, parties ...dkls23.PartyIndex) []dkls23.Session {
	t.Helper()
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	if len(parties) == 0 {
		parties = params.Parties()
	}
	var out []dkls23.Session
	for _, p := range parties {
		out = append(out, dkls23.Session{Parameters: params, SessionID: sid, PartyIndex: p})
	}
	return out
}

func TestRemoteEngineDrivesCoordinators(t *testing.T) {
	h := newHandler()
	eng := bridge.NewRemoteEngine(h)
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}

	steps := runCoordinators(t, eng, dkls23.ProtocolDKG, coreSessions(t, params), nil)
	shares := map[dkls23.PartyIndex]*dkg.KeyShare{}
	for _, s := range steps {
		require.NotNil(t, s.KeyShare)
		shares[s.KeyShare.PartyIndex] = s.KeyShare
	}
	require.Len(t, shares, 3)

	digest := sha256.Sum256([]byte("remote"))
	steps = runCoordinators(t, eng, dkls23.ProtocolSign, coreSessions(t, params, 1, 3), func(p dkls23.PartyIndex) coordinator.Input {
		return coordinator.Input{KeyShare: shares[p], Signers: []dkls23.PartyIndex{1, 3}, Digest: digest[:]}
	})
	require.Len(t, steps, 2)
	require.NotNil(t, steps[0].Signature)
	assert.Equal(t, steps[0].Signature.Bytes(), steps[1].Signature.Bytes())

	verify := call[bridge.VerifyResponse](t, h, bridge.OpVerify, bridge.VerifyRequest{
		Signature:     *bridge.SignatureOf(*steps[0].Signature),
		MessageDigest: digest[:],
		PublicKey:     shares[1].PublicKeyHex(),
	})
	assert.True(t, verify.Valid)
}

func TestRemoteEngineErrors(t *testing.T) {
	sess := coreSessions(t, dkls23.Parameters{Threshold: 2, ShareCount: 3})[0]
	ctx := context.Background()
	req := engine.Request{Protocol: dkls23.ProtocolDKG, Phase: dkls23.Phase2, Session: sess, State: []byte{1}}

	var gotOp string
	failing := bridge.NewRemoteEngine(bridge.CallerFunc(func(_ context.Context, op string, _ []byte) []byte {
		gotOp = op
		return []byte(`{"error":{"kind":"ConsistencyError","message":"bad proof","peers":[2,3]}}`)
	}))
	_, err := failing.RunPhase(ctx, req)
	assert.Equal(t, "dkls_dkg_phase2", gotOp)
	require.ErrorIs(t, err, dkls23.ErrConsistency)
	assert.Equal(t, []dkls23.PartyIndex{2, 3}, dkls23.PeersOf(err))
	assert.True(t, dkls23.KindOf(err).Fatal())

	garbage := bridge.NewRemoteEngine(bridge.CallerFunc(func(context.Context, string, []byte) []byte {
		return []byte("not json")
	}))
	_, err = garbage.RunPhase(ctx, req)
	require.Error(t, err)
	assert.Equal(t, dkls23.KindUnknown, dkls23.KindOf(err))

	empty := bridge.NewRemoteEngine(bridge.CallerFunc(func(context.Context, string, []byte) []byte {
		return []byte("{}")
	}))
	_, err = empty.RunPhase(ctx, req)
	require.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = failing.RunPhase(cctx, req)
	assert.ErrorIs(t, err, dkls23.ErrCancelled)
}

func TestByteArray(t *testing.T) {
	raw, err := json.Marshal(bridge.ByteArray{0, 7, 255})
	require.NoError(t, err)
	assert.JSONEq(t, `[0,7,255]`, string(raw))

	var b bridge.ByteArray
	require.NoError(t, json.Unmarshal([]byte(`[1,2]`), &b))
	assert.Equal(t, bridge.ByteArray{1, 2}, b)
	assert.Error(t, json.Unmarshal([]byte(`[256]`), &b))
	assert.Error(t, json.Unmarshal([]byte(`"AQI="`), &b))
}

func TestOps(t *testing.T) {
	ops := newHandler().Ops()
	for _, op := range []string{"dkls_dkg_phase1", "dkls_sign_phase4", "dkls_re_key_phase3", bridge.OpVerify, bridge.OpDeriveFromPath, bridge.OpDeriveChild, bridge.OpImportKey} {
		assert.Contains(t, ops, op)
	}
}
