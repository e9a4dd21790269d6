package sign_test

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg/dkgtest"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign/signtest"
)

func sessionID(t *testing.T) dkls23.SessionID {
	t.Helper()
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	return sid
}

func digestOf(msg string) []byte {
	d := sha256.Sum256([]byte(msg))
	return d[:]
}

// verifyWithBtcec checks a signature independently of sign.Verify.
func verifyWithBtcec(t *testing.T, sig *sign.Signature, digest, pub []byte) bool {
	t.Helper()
	pk, err := btcec.ParsePubKey(pub)
	require.NoError(t, err)
	der, err := sig.DER()
	require.NoError(t, err)
	parsed, err := btcecdsa.ParseDERSignature(der)
	require.NoError(t, err)
	return parsed.Verify(digest, pk)
}

// TestTwoOfTwoScenario is the reference run: fixed session id, two parties,
// DKG then a joint signature.
func TestTwoOfTwoScenario(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	sid := dkls23.SessionID("Some session id")

	states := map[dkls23.PartyIndex]*dkg.State{}
	out := map[dkls23.PartyIndex]dkls23.Fragments{}
	for _, p := range params.Parties() {
		st, frags, err := dkg.Phase1(dkls23.Session{Parameters: params, SessionID: sid, PartyIndex: p}, nil)
		require.NoError(t, err)
		require.Len(t, frags, 1)
		states[p], out[p] = st, frags
	}
	for _, phase := range []func(*dkg.State, dkls23.Fragments) (dkls23.Fragments, error){dkg.Phase2, dkg.Phase3} {
		in := dkls23.Route(out)
		out = map[dkls23.PartyIndex]dkls23.Fragments{}
		for p, st := range states {
			require.Len(t, in[p], 1)
			frags, err := phase(st, in[p])
			require.NoError(t, err)
			out[p] = frags
		}
	}
	in := dkls23.Route(out)
	s1, err := dkg.Phase4(states[1], in[1])
	require.NoError(t, err)
	s2, err := dkg.Phase4(states[2], in[2])
	require.NoError(t, err)
	require.True(t, s1.PublicKey.Equal(s2.PublicKey))

	digest := digestOf("Message to sign!")
	sigs, err := signtest.Run([]*dkg.KeyShare{s1, s2}, sessionID(t), digest)
	require.NoError(t, err)

	ok, err := sign.Verify(*sigs[0], digest, s1.PublicKeyBytes())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, verifyWithBtcec(t, sigs[0], digest, s1.PublicKeyBytes()))
}

func TestSignSubsets(t *testing.T) {
	params := dkls23.Parameters{Threshold: 3, ShareCount: 5}
	shares, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)
	pub := shares[0].PublicKeyBytes()

	for _, subset := range [][]int{{0, 1, 2}, {2, 3, 4}, {0, 2, 4}, {4, 1, 3}} {
		var signers []*dkg.KeyShare
		for _, i := range subset {
			signers = append(signers, shares[i])
		}
		digest := digestOf("subset")
		sigs, err := signtest.Run(signers, sessionID(t), digest)
		require.NoError(t, err, "subset %v", subset)

		ok, err := sign.Verify(*sigs[0], digest, pub)
		require.NoError(t, err)
		assert.True(t, ok, "subset %v", subset)
		assert.True(t, sigs[0].IsLowS())
	}
}

func TestEthereumRecovery(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 3}, sessionID(t))
	require.NoError(t, err)

	digest := digestOf("recover me")
	sigs, err := signtest.Run(shares[1:], sessionID(t), digest)
	require.NoError(t, err)

	pub, err := ethcrypto.SigToPub(digest, sigs[0].Bytes())
	require.NoError(t, err)
	assert.Equal(t, shares[0].EthAddress, ethcrypto.PubkeyToAddress(*pub).Hex())
}

func TestVerifyRejects(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sessionID(t))
	require.NoError(t, err)
	digest := digestOf("verify")
	sigs, err := signtest.Run(shares, sessionID(t), digest)
	require.NoError(t, err)
	sig := *sigs[0]
	pub := shares[0].PublicKeyBytes()

	ok, err := sign.Verify(sig, digestOf("other"), pub)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ok, err = sign.Verify(sig, digest, other.PubKey().SerializeCompressed())
	require.NoError(t, err)
	assert.False(t, ok)

	flipped := sig
	flipped.RecoveryID ^= 1
	ok, err = sign.Verify(flipped, digest, pub)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = sign.Verify(sig, digest[:31], pub)
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
	_, err = sign.Verify(sig, digest, []byte{1, 2, 3})
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
}

func TestDisableLowS(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sessionID(t))
	require.NoError(t, err)
	digest := digestOf("high s allowed")

	// Sign until a high-s signature shows up; each run has probability 1/2.
	for i := 0; i < 32; i++ {
		sid := sessionID(t)
		req := sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digest, DisableLowS: true}
		states := map[dkls23.PartyIndex]*sign.State{}
		out := map[dkls23.PartyIndex]dkls23.Fragments{}
		for _, s := range shares {
			st, frags, err := sign.Phase1(dkls23.Session{Parameters: s.Parameters, SessionID: sid, PartyIndex: s.PartyIndex}, s, req, nil)
			require.NoError(t, err)
			states[s.PartyIndex], out[s.PartyIndex] = st, frags
		}
		for _, phase := range []func(*sign.State, dkls23.Fragments) (dkls23.Fragments, error){sign.Phase2, sign.Phase3} {
			in := dkls23.Route(out)
			out = map[dkls23.PartyIndex]dkls23.Fragments{}
			for p, st := range states {
				frags, err := phase(st, in[p])
				require.NoError(t, err)
				out[p] = frags
			}
		}
		sig, err := sign.Phase4(states[1], dkls23.Route(out)[1])
		require.NoError(t, err)
		ok, err := sign.Verify(*sig, digest, shares[0].PublicKeyBytes())
		require.NoError(t, err)
		require.True(t, ok)
		if !sig.IsLowS() {
			return
		}
	}
	t.Fatal("no high-s signature in 32 runs")
}

func TestSignPreconditions(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	shares, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)
	digest := digestOf("pre")
	sess := dkls23.Session{Parameters: params, SessionID: sessionID(t), PartyIndex: 1}

	cases := map[string]struct {
		sess  dkls23.Session
		share *dkg.KeyShare
		req   sign.Request
	}{
		"too few signers":  {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{1}, Digest: digest}},
		"too many signers": {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{1, 2, 3}, Digest: digest}},
		"duplicate signer": {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{1, 1}, Digest: digest}},
		"self not signer":  {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{2, 3}, Digest: digest}},
		"out of range":     {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{1, 4}, Digest: digest}},
		"short digest":     {sess, shares[0], sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digest[:16]}},
		"foreign share":    {sess, shares[1], sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digest}},
		"no share":         {sess, nil, sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digest}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := sign.Phase1(tc.sess, tc.share, tc.req, nil)
			assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
		})
	}
}

func TestOldSharesRejectedAfterReKey(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	old, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)
	fresh, err := dkgtest.ReKey(old, sessionID(t))
	require.NoError(t, err)

	digest := digestOf("after re-key")
	_, err = signtest.Run([]*dkg.KeyShare{old[0], fresh[1]}, sessionID(t), digest)
	require.ErrorIs(t, err, dkls23.ErrConsistency)

	sigs, err := signtest.Run(fresh, sessionID(t), digest)
	require.NoError(t, err)
	ok, err := sign.Verify(*sigs[0], digest, old[0].PublicKeyBytes())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptedPhase2FragmentFailsPhase3(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sessionID(t))
	require.NoError(t, err)
	sid := sessionID(t)
	req := sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digestOf("corrupt")}

	states := map[dkls23.PartyIndex]*sign.State{}
	out := map[dkls23.PartyIndex]dkls23.Fragments{}
	for _, s := range shares {
		st, frags, err := sign.Phase1(dkls23.Session{Parameters: s.Parameters, SessionID: sid, PartyIndex: s.PartyIndex}, s, req, nil)
		require.NoError(t, err)
		states[s.PartyIndex], out[s.PartyIndex] = st, frags
	}
	in := dkls23.Route(out)
	out = map[dkls23.PartyIndex]dkls23.Fragments{}
	for p, st := range states {
		frags, err := sign.Phase2(st, in[p])
		require.NoError(t, err)
		out[p] = frags
	}
	in = dkls23.Route(out)
	in[1][2][len(in[1][2])/2] ^= 0xff

	_, err = sign.Phase3(states[1], in[1])
	require.ErrorIs(t, err, dkls23.ErrConsistency)
	assert.Equal(t, []dkls23.PartyIndex{2}, dkls23.PeersOf(err))
	assert.Equal(t, dkls23.PhaseFailed, states[1].Phase)
	assert.True(t, states[1].K.IsZero())
}

func TestSignStateEncoding(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sessionID(t))
	require.NoError(t, err)
	sid := sessionID(t)
	digest := digestOf("encode")
	req := sign.Request{Signers: []dkls23.PartyIndex{1, 2}, Digest: digest}

	raw := map[dkls23.PartyIndex][]byte{}
	out := map[dkls23.PartyIndex]dkls23.Fragments{}
	for _, s := range shares {
		st, frags, err := sign.Phase1(dkls23.Session{Parameters: s.Parameters, SessionID: sid, PartyIndex: s.PartyIndex}, s, req, nil)
		require.NoError(t, err)
		raw[s.PartyIndex], err = st.Encode()
		require.NoError(t, err)
		out[s.PartyIndex] = frags
	}
	for _, phase := range []func(*sign.State, dkls23.Fragments) (dkls23.Fragments, error){sign.Phase2, sign.Phase3} {
		in := dkls23.Route(out)
		out = map[dkls23.PartyIndex]dkls23.Fragments{}
		for p := range raw {
			st, err := sign.DecodeState(raw[p])
			require.NoError(t, err)
			frags, err := phase(st, in[p])
			require.NoError(t, err)
			out[p] = frags
			raw[p], err = st.Encode()
			require.NoError(t, err)
		}
	}
	st, err := sign.DecodeState(raw[2])
	require.NoError(t, err)
	sig, err := sign.Phase4(st, dkls23.Route(out)[2])
	require.NoError(t, err)
	ok, err := sign.Verify(*sig, digest, shares[0].PublicKeyBytes())
	require.NoError(t, err)
	assert.True(t, ok)
}
