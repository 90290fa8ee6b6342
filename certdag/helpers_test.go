package certdag

import (
	"crypto/ed25519"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/certdag/sign"
)

const testEpoch uint64 = 1

// testKeys holds one cluster's worth of keys: ED25519 pairs per validator
// plus the shared (t, n) threshold scheme.
type testKeys struct {
	names     []string
	privKeys  map[string]ed25519.PrivateKey
	pubKeyMap map[string]ed25519.PublicKey
	shares    []*share.PriShare
	pubPoly   *share.PubPoly
	quorumNum int
}

func newTestKeys(n int) *testKeys {
	k := &testKeys{
		privKeys:  make(map[string]ed25519.PrivateKey, n),
		pubKeyMap: make(map[string]ed25519.PublicKey, n),
		quorumNum: quorum(n),
	}
	for i := 0; i < n; i++ {
		name := "node" + strconv.Itoa(i)
		k.names = append(k.names, name)
		privKey, pubKey := sign.GenED25519Keys()
		k.privKeys[name] = privKey
		k.pubKeyMap[name] = pubKey
	}
	k.shares, k.pubPoly = sign.GenTSKeys(k.quorumNum, n)
	return k
}

func (k *testKeys) share(name string) *share.PriShare {
	i, err := strconv.Atoi(name[len("node"):])
	if err != nil {
		panic(err)
	}
	return k.shares[i]
}

// certify assembles a quorum certificate for the node from the first
// quorumNum shares.
func (k *testKeys) certify(t *testing.T, node *Node) *CertifiedNode {
	meta, err := node.Meta()
	require.NoError(t, err)
	partialSigs := make([][]byte, 0, k.quorumNum)
	for i := 0; i < k.quorumNum; i++ {
		partialSigs = append(partialSigs, sign.SignTSPartial(k.shares[i], meta.Digest))
	}
	aggSig := sign.AssembleIntactTSPartial(partialSigs, k.pubPoly, meta.Digest, k.quorumNum, len(k.names))
	return &CertifiedNode{Node: node, Cert: &NodeCertificate{Meta: *meta, AggSig: aggSig}}
}

func makeNode(round uint64, author string, parents []*NodeCertificate) *Node {
	return &Node{
		Epoch:     testEpoch,
		Round:     round,
		Author:    author,
		Payload:   [][]byte{[]byte("tx-" + author + "-" + strconv.FormatUint(round, 10))},
		Parents:   parents,
		TimeStamp: time.Now().UnixNano(),
	}
}

// fillRound certifies one node per validator for the round and admits them
// all into the DAG. It returns the certificates so the next round can link
// them as parents.
func fillRound(t *testing.T, keys *testKeys, dag *Dag, round uint64, parents []*NodeCertificate) []*NodeCertificate {
	var certs []*NodeCertificate
	for _, name := range keys.names {
		cn := keys.certify(t, makeNode(round, name, parents))
		require.NoError(t, dag.AddNode(cn))
		certs = append(certs, cn.Cert)
	}
	return certs
}
