/*
Package sign wraps the two signature schemes used by the protocol:
plain ED25519 signatures for per-message authentication, and (t, n)
threshold BLS signatures (over the bn256 pairing suite) for assembling
compact quorum certificates from individual partial signatures.
*/
package sign

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the private key.
func SignEd25519(privateKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privateKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature over the data.
func VerifySignEd25519(publicKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("the ED25519 public key has a wrong size")
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

// GenTSKeys generates n shares of a (t, n) threshold signature scheme
// together with the public polynomial commitment used for verification.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G2().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial creates a partial threshold signature over the data.
func SignTSPartial(priShare *share.PriShare, data []byte) []byte {
	partialSig, err := tbls.Sign(suite, priShare, data)
	if err != nil {
		panic(err)
	}
	return partialSig
}

// VerifyTSPartial checks one partial signature against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, data, partialSig []byte) error {
	s := tbls.SigShare(partialSig)
	i, err := s.Index()
	if err != nil {
		return err
	}
	return bls.Verify(suite, pubPoly.Eval(i).V, data, s.Value())
}

// AssembleIntactTSPartial recovers an intact threshold signature from at
// least t partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) []byte {
	intactSig, err := tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
	if err != nil {
		panic(err)
	}
	return intactSig
}

// VerifyTS verifies an intact threshold signature against the public
// polynomial commitment.
func VerifyTS(pubPoly *share.PubPoly, data, sig []byte) (bool, error) {
	err := bls.Verify(suite, pubPoly.Commit(), data, sig)
	if err != nil {
		return false, err
	}
	return true, nil
}

type tsPublicKey struct {
	Base    []byte
	Commits [][]byte
}

type tsPartialKey struct {
	I int
	V []byte
}

// EncodeTSPublicKey encodes the public polynomial into bytes so that it can
// be written into a configuration file.
func EncodeTSPublicKey(pubKey *share.PubPoly) ([]byte, error) {
	base, commits := pubKey.Info()
	encoded := tsPublicKey{}
	baseAsBytes, err := base.MarshalBinary()
	if err != nil {
		return nil, err
	}
	encoded.Base = baseAsBytes
	for _, commit := range commits {
		commitAsBytes, err := commit.MarshalBinary()
		if err != nil {
			return nil, err
		}
		encoded.Commits = append(encoded.Commits, commitAsBytes)
	}
	buf := bytes.Buffer{}
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(encoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTSPublicKey restores the public polynomial from its encoded form.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	var encoded tsPublicKey
	if err := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{}).Decode(&encoded); err != nil {
		return nil, err
	}
	base := suite.G2().Point()
	if err := base.UnmarshalBinary(encoded.Base); err != nil {
		return nil, err
	}
	commits := make([]kyber.Point, 0, len(encoded.Commits))
	for _, commitAsBytes := range encoded.Commits {
		commit := suite.G2().Point()
		if err := commit.UnmarshalBinary(commitAsBytes); err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return share.NewPubPoly(suite.G2(), base, commits), nil
}

// EncodeTSPartialKey encodes one private share into bytes.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	valueAsBytes, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	encoded := tsPartialKey{I: priShare.I, V: valueAsBytes}
	buf := bytes.Buffer{}
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(encoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTSPartialKey restores one private share from its encoded form.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	var encoded tsPartialKey
	if err := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{}).Decode(&encoded); err != nil {
		return nil, err
	}
	value := suite.G2().Scalar()
	if err := value.UnmarshalBinary(encoded.V); err != nil {
		return nil, err
	}
	return &share.PriShare{I: encoded.I, V: value}, nil
}
