package dkg_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg/dkgtest"
)

func sessionID(t *testing.T) dkls23.SessionID {
	t.Helper()
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	return sid
}

// secretOf interpolates the secret key from the given shares.
func secretOf(t *testing.T, shares []*dkg.KeyShare) curve.Scalar {
	t.Helper()
	xs := make([]uint32, len(shares))
	for i, s := range shares {
		xs[i] = uint32(s.PartyIndex)
	}
	var sk curve.Scalar
	for _, s := range shares {
		l, err := curve.LagrangeAtZero(uint32(s.PartyIndex), xs)
		require.NoError(t, err)
		sk = sk.Add(l.Mul(s.PolyPoint))
	}
	return sk
}

func TestDKG(t *testing.T) {
	tests := []struct {
		name   string
		params dkls23.Parameters
	}{
		{"2-of-2", dkls23.Parameters{Threshold: 2, ShareCount: 2}},
		{"2-of-3", dkls23.Parameters{Threshold: 2, ShareCount: 3}},
		{"3-of-5", dkls23.Parameters{Threshold: 3, ShareCount: 5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sid := sessionID(t)
			shares, err := dkgtest.Run(tc.params, sid)
			require.NoError(t, err)
			require.Len(t, shares, int(tc.params.ShareCount))

			first := shares[0]
			for _, s := range shares {
				require.NoError(t, s.Validate())
				assert.True(t, s.PublicKey.Equal(first.PublicKey))
				assert.Equal(t, first.ChainCode, s.ChainCode)
				assert.Equal(t, first.EthAddress, s.EthAddress)
				assert.True(t, bytes.Equal(sid, s.Epoch))
			}
			assert.Regexp(t, "^0x[0-9a-fA-F]{40}$", first.EthAddress)

			// Any threshold-sized subset reconstructs the same key.
			sk := secretOf(t, shares[:tc.params.Threshold])
			assert.True(t, curve.ScalarBaseMult(sk).Equal(first.PublicKey))
			sk = secretOf(t, shares[len(shares)-int(tc.params.Threshold):])
			assert.True(t, curve.ScalarBaseMult(sk).Equal(first.PublicKey))

			// Fewer than threshold shares do not.
			if tc.params.Threshold > 2 {
				sk = secretOf(t, shares[:tc.params.Threshold-1])
				assert.False(t, curve.ScalarBaseMult(sk).Equal(first.PublicKey))
			}

			// OT keys pair up: i's receiver key for j is j's sender key for i.
			for _, i := range shares {
				for _, j := range shares {
					if i.PartyIndex == j.PartyIndex {
						continue
					}
					assert.True(t, i.OTReceiver[j.PartyIndex].Equal(j.OTSender[i.PartyIndex].Public))
				}
			}
		})
	}
}

func TestDKGDistinctSessionsDistinctKeys(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	a, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)
	b, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)
	assert.False(t, a[0].PublicKey.Equal(b[0].PublicKey))
}

type parties struct {
	states map[dkls23.PartyIndex]*dkg.State
	out    map[dkls23.PartyIndex]dkls23.Fragments
}

func startDKG(t *testing.T, params dkls23.Parameters) *parties {
	t.Helper()
	sid := sessionID(t)
	ps := &parties{states: map[dkls23.PartyIndex]*dkg.State{}, out: map[dkls23.PartyIndex]dkls23.Fragments{}}
	for _, p := range params.Parties() {
		st, frags, err := dkg.Phase1(dkls23.Session{Parameters: params, SessionID: sid, PartyIndex: p}, nil)
		require.NoError(t, err)
		ps.states[p] = st
		ps.out[p] = frags
	}
	return ps
}

func TestPhase2MissingFragmentIsRecoverable(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	ps := startDKG(t, params)
	in := dkls23.Route(ps.out)

	partial := in[1].Clone()
	delete(partial, 3)
	_, err := dkg.Phase2(ps.states[1], partial)
	require.ErrorIs(t, err, dkls23.ErrMissingFragment)
	assert.Equal(t, []dkls23.PartyIndex{3}, dkls23.PeersOf(err))
	assert.Equal(t, dkls23.Phase1, ps.states[1].Phase)

	_, err = dkg.Phase2(ps.states[1], in[1])
	require.NoError(t, err)
	assert.Equal(t, dkls23.Phase2, ps.states[1].Phase)
}

func TestPhase2TamperedFragmentNamesCulprit(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	ps := startDKG(t, params)
	in := dkls23.Route(ps.out)

	tampered := in[1].Clone()
	tampered[2][len(tampered[2])-1] ^= 0x01
	_, err := dkg.Phase2(ps.states[1], tampered)
	require.ErrorIs(t, err, dkls23.ErrConsistency)
	assert.Equal(t, []dkls23.PartyIndex{2}, dkls23.PeersOf(err))
	assert.Equal(t, dkls23.PhaseFailed, ps.states[1].Phase)

	// A failed run cannot be resumed.
	_, err = dkg.Phase2(ps.states[1], in[1])
	assert.ErrorIs(t, err, dkls23.ErrPhaseOrder)
}

func TestDivergentParametersNameSender(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	ps := startDKG(t, params)

	// Party 2 runs the same session as 3-of-3.
	sess := ps.states[2].Session.Clone()
	sess.Parameters.Threshold = 3
	st, frags, err := dkg.Phase1(sess, nil)
	require.NoError(t, err)
	ps.states[2], ps.out[2] = st, frags

	in := dkls23.Route(ps.out)
	for _, p := range []dkls23.PartyIndex{1, 3} {
		_, err := dkg.Phase2(ps.states[p], in[p])
		require.ErrorIs(t, err, dkls23.ErrConsistency)
		assert.Equal(t, []dkls23.PartyIndex{2}, dkls23.PeersOf(err))
		assert.Equal(t, dkls23.PhaseFailed, ps.states[p].Phase)
	}
}

func TestFragmentFromAnotherSessionRejected(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	a := startDKG(t, params)
	b := startDKG(t, params)

	in := dkls23.Route(a.out)
	in[1][2] = dkls23.Route(b.out)[1][2]
	_, err := dkg.Phase2(a.states[1], in[1])
	require.ErrorIs(t, err, dkls23.ErrConsistency)
	assert.Equal(t, []dkls23.PartyIndex{2}, dkls23.PeersOf(err))
}

func TestFragmentReplayedAcrossPhasesRejected(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	ps := startDKG(t, params)
	in1 := dkls23.Route(ps.out)

	out2 := map[dkls23.PartyIndex]dkls23.Fragments{}
	for p, st := range ps.states {
		frags, err := dkg.Phase2(st, in1[p])
		require.NoError(t, err)
		out2[p] = frags
	}
	// Feed phase-1 fragments to phase 3.
	_, err := dkg.Phase3(ps.states[1], in1[1])
	require.ErrorIs(t, err, dkls23.ErrConsistency)
}

func TestPhaseOrder(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	ps := startDKG(t, params)

	_, err := dkg.Phase3(ps.states[1], nil)
	require.ErrorIs(t, err, dkls23.ErrPhaseOrder)
	_, err = dkg.Phase4(ps.states[1], nil)
	require.ErrorIs(t, err, dkls23.ErrPhaseOrder)
	// Out-of-order calls do not disturb the run.
	assert.Equal(t, dkls23.Phase1, ps.states[1].Phase)
}

func TestUnexpectedSender(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	ps := startDKG(t, params)
	in := dkls23.Route(ps.out)
	in[1][9] = []byte{1, 2, 3}

	_, err := dkg.Phase2(ps.states[1], in[1])
	require.ErrorIs(t, err, dkls23.ErrConsistency)
	assert.Equal(t, []dkls23.PartyIndex{9}, dkls23.PeersOf(err))
}

// TestStateEncoding drives a run where every party's state goes through
// Encode/DecodeState between phases.
func TestStateEncoding(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	ps := startDKG(t, params)

	reload := func() {
		for p, st := range ps.states {
			raw, err := st.Encode()
			require.NoError(t, err)
			st2, err := dkg.DecodeState(raw)
			require.NoError(t, err)
			ps.states[p] = st2
		}
	}

	out := ps.out
	for _, phase := range []func(*dkg.State, dkls23.Fragments) (dkls23.Fragments, error){dkg.Phase2, dkg.Phase3} {
		reload()
		in := dkls23.Route(out)
		out = map[dkls23.PartyIndex]dkls23.Fragments{}
		for p, st := range ps.states {
			frags, err := phase(st, in[p])
			require.NoError(t, err)
			out[p] = frags
		}
	}
	reload()
	in := dkls23.Route(out)
	var shares []*dkg.KeyShare
	for _, p := range params.Parties() {
		s, err := dkg.Phase4(ps.states[p], in[p])
		require.NoError(t, err)
		shares = append(shares, s)
	}
	sk := secretOf(t, shares[1:])
	assert.True(t, curve.ScalarBaseMult(sk).Equal(shares[0].PublicKey))

	_, err := dkg.DecodeState([]byte("garbage"))
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
}

func TestInvalidSession(t *testing.T) {
	sid := sessionID(t)
	for _, sess := range []dkls23.Session{
		{Parameters: dkls23.Parameters{Threshold: 1, ShareCount: 2}, SessionID: sid, PartyIndex: 1},
		{Parameters: dkls23.Parameters{Threshold: 3, ShareCount: 2}, SessionID: sid, PartyIndex: 1},
		{Parameters: dkls23.Parameters{Threshold: 2, ShareCount: 2}, SessionID: nil, PartyIndex: 1},
		{Parameters: dkls23.Parameters{Threshold: 2, ShareCount: 2}, SessionID: sid, PartyIndex: 0},
		{Parameters: dkls23.Parameters{Threshold: 2, ShareCount: 2}, SessionID: sid, PartyIndex: 3},
	} {
		_, _, err := dkg.Phase1(sess, nil)
		assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
	}
}

func TestReKey(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	old, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)

	sid := sessionID(t)
	fresh, err := dkgtest.ReKey(old, sid)
	require.NoError(t, err)

	for i, s := range fresh {
		require.NoError(t, s.Validate())
		assert.True(t, s.PublicKey.Equal(old[i].PublicKey))
		assert.Equal(t, old[i].ChainCode, s.ChainCode)
		assert.Equal(t, old[i].EthAddress, s.EthAddress)
		assert.False(t, s.PolyPoint.Equal(old[i].PolyPoint))
		assert.True(t, bytes.Equal(sid, s.Epoch))
	}
	sk := secretOf(t, fresh[:2])
	assert.True(t, sk.Equal(secretOf(t, old[1:])))

	// Mixing epochs does not reconstruct the key.
	mixed := secretOf(t, []*dkg.KeyShare{old[0], fresh[1]})
	assert.False(t, mixed.Equal(sk))
}

func TestReKeyRejectsForeignShare(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 2}
	old, err := dkgtest.Run(params, sessionID(t))
	require.NoError(t, err)

	sess := dkls23.Session{Parameters: params, SessionID: sessionID(t), PartyIndex: 2}
	_, _, err = dkg.ReKeyPhase1(sess, old[0], nil)
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)

	sess.Parameters = dkls23.Parameters{Threshold: 2, ShareCount: 3}
	sess.PartyIndex = 1
	_, _, err = dkg.ReKeyPhase1(sess, old[0], nil)
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
}

func TestImportKey(t *testing.T) {
	params := dkls23.Parameters{Threshold: 2, ShareCount: 3}
	secret, err := curve.RandomScalar(nil)
	require.NoError(t, err)
	cc := bytes.Repeat([]byte{7}, 32)

	shares, err := dkg.ImportKey(params, secret.Bytes(), cc, nil, nil)
	require.NoError(t, err)
	require.Len(t, shares, 3)
	for _, s := range shares {
		require.NoError(t, s.Validate())
		assert.Equal(t, cc, s.ChainCode[:])
	}
	assert.True(t, secretOf(t, shares[1:]).Equal(secret))

	// Re-key after import keeps the key.
	fresh, err := dkgtest.ReKey(shares, sessionID(t))
	require.NoError(t, err)
	assert.True(t, secretOf(t, fresh[:2]).Equal(secret))

	_, err = dkg.ImportKey(params, make([]byte, 32), nil, nil, nil)
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
	_, err = dkg.ImportKey(params, secret.Bytes(), []byte{1}, nil, nil)
	assert.ErrorIs(t, err, dkls23.ErrInvalidInput)
}

func TestKeyShareEncoding(t *testing.T) {
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sessionID(t))
	require.NoError(t, err)

	raw, err := shares[0].Encode()
	require.NoError(t, err)
	back, err := dkg.UnmarshalKeyShare(raw)
	require.NoError(t, err)
	assert.True(t, back.PolyPoint.Equal(shares[0].PolyPoint))
	assert.True(t, back.PublicKey.Equal(shares[0].PublicKey))

	clone := shares[0].Clone()
	clone.Zeroize()
	assert.True(t, clone.PolyPoint.IsZero())
	assert.False(t, shares[0].PolyPoint.IsZero())
}
