package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519SignAndVerify(t *testing.T) {
	privKey, pubKey := GenED25519Keys()
	data := []byte("a node digest")
	sig := SignEd25519(privKey, data)

	ok, err := VerifySignEd25519(pubKey, data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = VerifySignEd25519(pubKey, []byte("another digest"), sig)
	require.False(t, ok)
}

func TestThresholdSignature(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)
	data := []byte("a node digest")

	var partialSigs [][]byte
	for i := 0; i < 3; i++ {
		partialSig := SignTSPartial(shares[i], data)
		require.NoError(t, VerifyTSPartial(pubPoly, data, partialSig))
		partialSigs = append(partialSigs, partialSig)
	}

	intactSig := AssembleIntactTSPartial(partialSigs, pubPoly, data, 3, 4)
	ok, err := VerifyTS(pubPoly, data, intactSig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = VerifyTS(pubPoly, []byte("another digest"), intactSig)
	require.False(t, ok)
}

func TestTSKeyEncoding(t *testing.T) {
	shares, pubPoly := GenTSKeys(3, 4)

	pubAsBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(pubAsBytes)
	require.NoError(t, err)
	require.True(t, pubPoly.Equal(decodedPub))

	shareAsBytes, err := EncodeTSPartialKey(shares[1])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(shareAsBytes)
	require.NoError(t, err)
	require.Equal(t, shares[1].I, decodedShare.I)
	require.True(t, shares[1].V.Equal(decodedShare.V))

	data := []byte("a node digest")
	partialSig := SignTSPartial(decodedShare, data)
	require.NoError(t, VerifyTSPartial(decodedPub, data, partialSig))
}
