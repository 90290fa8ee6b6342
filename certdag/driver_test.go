package certdag

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/certdag/conn"
)

func newTestDriver(t *testing.T, keys *testKeys) (*DagDriver, *Dag) {
	dag := NewDag(testEpoch, hclog.NewNullLogger())
	certHandler := NewCertifiedNodeHandler("node0", dag, hclog.NewNullLogger())
	driver := NewDagDriver("node0", testEpoch, dag, certHandler, keys.privKeys["node0"], keys.pubPoly,
		keys.quorumNum, len(keys.names), nil, hclog.NewNullLogger())
	return driver, dag
}

func TestDriverProposalFlow(t *testing.T) {
	keys := newTestKeys(4)
	driver, dag := newTestDriver(t, keys)
	now := time.Now()

	driver.Tick(now)
	require.True(t, driver.HasReady())
	actions := driver.Ready()
	require.NotNil(t, actions.GenerateProposal)
	require.Equal(t, uint64(0), actions.GenerateProposal.Round)

	// only one proposal may be in flight
	driver.Tick(now)
	require.False(t, driver.HasReady())

	require.NoError(t, driver.Step(&Event{Tag: proposalPayloadTag,
		Msg: &proposalPayload{Round: 0, Payload: [][]byte{[]byte("tx")}}}))
	actions = driver.Ready()
	require.NotNil(t, actions.Broadcast)
	node := actions.Broadcast.NodeMsg.Node
	require.Equal(t, uint64(0), node.Round)
	require.Equal(t, "node0", node.Author)
	require.Empty(t, node.Parents)

	// the certificate comes back: the own node is admitted and disseminated
	cn := keys.certify(t, node)
	require.NoError(t, driver.Step(&Event{Tag: certCompleteTag,
		Msg: &certComplete{Node: node, Cert: cn.Cert}}))
	actions = driver.Ready()
	require.Equal(t, cn.Cert, actions.Broadcast.CertifiedNode.Cert)
	require.Equal(t, 1, dag.CountRound(0))

	// round 1 opens only once round 0 holds a quorum of certified nodes
	driver.Tick(now)
	require.False(t, driver.HasReady())
	for _, name := range keys.names[1:] {
		require.NoError(t, dag.AddNode(keys.certify(t, makeNode(0, name, nil))))
	}
	driver.Tick(now)
	actions = driver.Ready()
	require.NotNil(t, actions.GenerateProposal)
	require.Equal(t, uint64(1), actions.GenerateProposal.Round)

	require.NoError(t, driver.Step(&Event{Tag: proposalPayloadTag,
		Msg: &proposalPayload{Round: 1, Payload: [][]byte{[]byte("tx")}}}))
	actions = driver.Ready()
	require.Len(t, actions.Broadcast.NodeMsg.Node.Parents, 4)
}

func TestDriverRetriesAbortedProposal(t *testing.T) {
	keys := newTestKeys(4)
	driver, _ := newTestDriver(t, keys)
	now := time.Now()

	driver.Tick(now)
	actions := driver.Ready()
	require.NotNil(t, actions.GenerateProposal)

	// the payload pull failed: the slot reopens and a later tick retries
	require.NoError(t, driver.Step(&Event{Tag: proposalAbortTag,
		Msg: &proposalAbort{Round: actions.GenerateProposal.Round}}))
	driver.Tick(now)
	actions = driver.Ready()
	require.NotNil(t, actions.GenerateProposal)
	require.Equal(t, uint64(0), actions.GenerateProposal.Round)
}

func TestDriverProposalNeedsQuorumParents(t *testing.T) {
	keys := newTestKeys(4)
	driver, _ := newTestDriver(t, keys)

	err := driver.Step(&Event{Tag: proposalPayloadTag, Msg: &proposalPayload{Round: 1}})
	require.True(t, errors.Is(err, ErrNotEnoughParents))
}

func TestDriverAcksCertifiedNode(t *testing.T) {
	keys := newTestKeys(4)
	driver, _ := newTestDriver(t, keys)

	cn := keys.certify(t, makeNode(0, "node1", nil))
	ev := &Event{Tag: CertifiedNodeTag, Msg: CertifiedNodeMsg{CertifiedNode: cn, Sender: "node1"},
		Peer: "node1", RespChan: make(chan conn.RPCResponse, 1)}
	require.NoError(t, driver.Step(ev))
	resp := <-ev.RespChan
	require.Equal(t, CertifiedAckTag, resp.Tag)
	ack := resp.Msg.(*CertifiedAck)
	require.Equal(t, cn.Cert.Meta.Id(), ack.Id)
}

func TestDriverDeclinesForgedCertificate(t *testing.T) {
	keys := newTestKeys(4)
	driver, dag := newTestDriver(t, keys)

	cn := keys.certify(t, makeNode(0, "node1", nil))
	forged := &CertifiedNode{Node: cn.Node, Cert: &NodeCertificate{Meta: cn.Cert.Meta}}
	forged.Cert.AggSig = append([]byte{}, cn.Cert.AggSig...)
	forged.Cert.AggSig[0] ^= 0xff
	ev := &Event{Tag: CertifiedNodeTag, Msg: CertifiedNodeMsg{CertifiedNode: forged, Sender: "node1"},
		Peer: "node1", RespChan: make(chan conn.RPCResponse, 1)}
	require.Error(t, driver.Step(ev))
	resp := <-ev.RespChan
	require.Equal(t, RPCErrorTag, resp.Tag)
	require.Equal(t, 0, dag.CountRound(0))
}

func TestDriverServesCertifiedNodeRequest(t *testing.T) {
	keys := newTestKeys(4)
	driver, dag := newTestDriver(t, keys)

	id := NodeId{Epoch: testEpoch, Round: 0, Author: "node2"}
	ev := &Event{Tag: CertifiedNodeRequestTag, Msg: CertifiedNodeRequest{Id: id, Requester: "node1"},
		Peer: "node1", RespChan: make(chan conn.RPCResponse, 1)}
	require.Error(t, driver.Step(ev))
	resp := <-ev.RespChan
	require.Equal(t, RPCErrorTag, resp.Tag)

	cn := keys.certify(t, makeNode(0, "node2", nil))
	require.NoError(t, dag.AddNode(cn))
	ev = &Event{Tag: CertifiedNodeRequestTag, Msg: CertifiedNodeRequest{Id: id, Requester: "node1"},
		Peer: "node1", RespChan: make(chan conn.RPCResponse, 1)}
	require.NoError(t, driver.Step(ev))
	resp = <-ev.RespChan
	require.Equal(t, CertifiedNodeTag, resp.Tag)
	require.Equal(t, cn, resp.Msg.(*CertifiedNodeMsg).CertifiedNode)
}

func TestDriverSyncHandoff(t *testing.T) {
	keys := newTestKeys(4)
	driver, dag := newTestDriver(t, keys)

	// a hint within the catch-up window is ignored
	near := LedgerInfo{Epoch: testEpoch, Round: syncGapRounds}
	require.NoError(t, driver.Step(&Event{Tag: NodeMsgTag,
		Msg: NodeMsg{Node: makeNode(0, "node1", nil), CommitHint: near}}))
	require.False(t, driver.HasReady())

	far := LedgerInfo{Epoch: testEpoch, Round: 100, Digest: []byte("state")}
	require.NoError(t, driver.Step(&Event{Tag: NodeMsgTag,
		Msg: NodeMsg{Node: makeNode(0, "node1", nil), CommitHint: far}}))
	actions := driver.Ready()
	require.Equal(t, far, *actions.SyncTarget)

	// the same target is not requested twice
	require.NoError(t, driver.Step(&Event{Tag: NodeMsgTag,
		Msg: NodeMsg{Node: makeNode(0, "node1", nil), CommitHint: far}}))
	require.False(t, driver.HasReady())

	// once synced, the committed prefix advances and old rounds are pruned
	require.NoError(t, driver.Step(&Event{Tag: syncDoneTag, Msg: &syncDone{Info: far}}))
	actions = driver.Ready()
	require.Equal(t, uint64(100-retainRounds), *actions.GcBeforeRound)
	require.Equal(t, uint64(100-retainRounds), dag.LowestRound())
	require.Equal(t, far, driver.Committed())
}
