package derivation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg/dkgtest"
)

func TestAddressFailureZeroizesChild(t *testing.T) {
	sid, err := dkls23.NewSessionID()
	require.NoError(t, err)
	shares, err := dkgtest.Run(dkls23.Parameters{Threshold: 2, ShareCount: 2}, sid)
	require.NoError(t, err)

	boom := errors.New("address unavailable")
	orig := ethereumAddress
	ethereumAddress = func(curve.Point) (string, error) { return "", boom }
	t.Cleanup(func() { ethereumAddress = orig })

	child := shares[0].Clone()
	got, err := withAddress(child)
	require.ErrorIs(t, err, boom)
	assert.Nil(t, got)
	assert.True(t, child.PolyPoint.IsZero())
	assert.False(t, shares[0].PolyPoint.IsZero())
	for _, key := range child.OTSender {
		assert.True(t, key.Secret.IsZero())
	}
}
