package certdag

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gitzhang10/certdag/conn"
	"github.com/gitzhang10/certdag/sign"
)

// onceOrderRule orders a fixed batch the first time it is asked.
type onceOrderRule struct {
	ordered *OrderedBlocks
	fired   bool
}

func (r *onceOrderRule) TryOrder(*Dag, uint64) (*OrderedBlocks, bool) {
	if r.fired {
		return nil, false
	}
	r.fired = true
	return r.ordered, true
}

// recordingStateComputer records commits and acknowledges them immediately.
type recordingStateComputer struct {
	lock      sync.Mutex
	committed []LedgerInfo
}

func (sc *recordingStateComputer) Commit(blocks []*CertifiedNode, info LedgerInfo, done func(LedgerInfo)) {
	sc.lock.Lock()
	sc.committed = append(sc.committed, info)
	sc.lock.Unlock()
	go done(info)
}

func (sc *recordingStateComputer) SyncTo(LedgerInfo) error {
	return nil
}

func (sc *recordingStateComputer) commitCount() int {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	return len(sc.committed)
}

// recordingMsgSender swallows one-way messages and remembers them.
type recordingMsgSender struct {
	lock sync.Mutex
	sent []OutMessage
}

func (ms *recordingMsgSender) Send(peer string, tag uint8, msg interface{}, _ []byte) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.sent = append(ms.sent, OutMessage{Peer: peer, Tag: tag, Msg: msg})
	return nil
}

func (ms *recordingMsgSender) SendToAll(tag uint8, msg interface{}, _ []byte) error {
	return ms.Send("", tag, msg, nil)
}

func (ms *recordingMsgSender) sentTo(peer string, tag uint8) bool {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, m := range ms.sent {
		if m.Peer == peer && m.Tag == tag {
			return true
		}
	}
	return false
}

type loopFixture struct {
	keys          *testKeys
	loop          *StateMachineLoop
	driver        *DagDriver
	rpcCh         chan conn.RPC
	sender        *recordingMsgSender
	stateComputer *recordingStateComputer
}

// flakyPayloadClient fails its first pulls and then recovers.
type flakyPayloadClient struct {
	inner    PayloadClient
	failures int

	lock  sync.Mutex
	calls int
}

func (c *flakyPayloadClient) PullPayload(maxTxs, maxBytes int, exclude [][]byte) ([][]byte, error) {
	c.lock.Lock()
	c.calls++
	failing := c.calls <= c.failures
	c.lock.Unlock()
	if failing {
		return nil, errors.New("the payload source is unavailable")
	}
	return c.inner.PullPayload(maxTxs, maxBytes, exclude)
}

func (c *flakyPayloadClient) callCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.calls
}

func newLoopFixture(t *testing.T, orderRule OrderRule, payload PayloadClient, tickInterval time.Duration) *loopFixture {
	keys := newTestKeys(4)
	logger := hclog.NewNullLogger()
	dag := NewDag(testEpoch, logger)
	store := OpenInMemVoteStore()
	t.Cleanup(func() { store.Close() })

	nodeHandler, err := NewNodeBroadcastHandler("node0", testEpoch, dag, store,
		keys.share("node0"), keys.pubPoly, logger)
	require.NoError(t, err)
	certHandler := NewCertifiedNodeHandler("node0", dag, logger)

	// every peer is unreachable: broadcasts spin until the loop shuts down
	failing := make(map[string]bool)
	for _, name := range keys.names {
		failing[name] = true
	}
	rbc := NewReliableBroadcast("node0", keys.names, newVoteSender(keys, failing),
		keys.privKeys["node0"], keys.pubKeyMap, 20*time.Millisecond, 5*time.Millisecond, logger)

	internalCh := make(chan *Event, 64)
	rb := NewRBHandler("node0", testEpoch, rbc, nodeHandler, keys.privKeys["node0"], keys.pubPoly,
		keys.quorumNum, len(keys.names), internalCh, logger)
	driver := NewDagDriver("node0", testEpoch, dag, certHandler, keys.privKeys["node0"], keys.pubPoly,
		keys.quorumNum, len(keys.names), orderRule, logger)

	if payload == nil {
		payload = NewRandomPayloadClient(32)
	}
	rpcCh := make(chan conn.RPC, 16)
	sender := &recordingMsgSender{}
	stateComputer := &recordingStateComputer{}
	loop := NewStateMachineLoop("node0", driver, rb, sender, payload,
		stateComputer, keys.privKeys["node0"], keys.pubKeyMap, rpcCh, nil, internalCh,
		tickInterval, 4, logger)
	return &loopFixture{
		keys:          keys,
		loop:          loop,
		driver:        driver,
		rpcCh:         rpcCh,
		sender:        sender,
		stateComputer: stateComputer,
	}
}

func TestLoopShutdownHandshake(t *testing.T) {
	f := newLoopFixture(t, nil, nil, time.Hour)
	doneCh := make(chan struct{})
	go func() {
		f.loop.Run()
		close(doneCh)
	}()

	f.loop.Shutdown()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("the loop did not exit after the shutdown was acknowledged")
	}
}

func TestLoopAnswersNodeProposal(t *testing.T) {
	f := newLoopFixture(t, nil, nil, time.Hour)
	go f.loop.Run()
	defer f.loop.Shutdown()

	node := makeNode(0, "node1", nil)
	msg := NodeMsg{Node: node}
	msgAsBytes, err := encode(msg)
	require.NoError(t, err)
	rpc := conn.RPC{
		Tag:      NodeMsgTag,
		Msg:      msg,
		Sig:      sign.SignEd25519(f.keys.privKeys["node1"], msgAsBytes),
		RespChan: make(chan conn.RPCResponse, 1),
	}
	f.rpcCh <- rpc

	select {
	case resp := <-rpc.RespChan:
		require.Equal(t, VoteTag, resp.Tag)
		vote := resp.Msg.(*Vote)
		require.Equal(t, "node0", vote.Voter)
		require.NoError(t, sign.VerifyTSPartial(f.keys.pubPoly, vote.Meta.Digest, vote.PartialSig))
	case <-time.After(time.Second):
		t.Fatal("no vote came back for the proposal")
	}

	// the vote is also pushed one way, for a proposer whose request timed out
	require.Eventually(t, func() bool {
		return f.sender.sentTo("node1", VoteTag)
	}, time.Second, 10*time.Millisecond)
}

func TestLoopRejectsBadSignature(t *testing.T) {
	f := newLoopFixture(t, nil, nil, time.Hour)
	go f.loop.Run()
	defer f.loop.Shutdown()

	msg := NodeMsg{Node: makeNode(0, "node1", nil)}
	rpc := conn.RPC{
		Tag:      NodeMsgTag,
		Msg:      msg,
		Sig:      []byte("not a signature"),
		RespChan: make(chan conn.RPCResponse, 1),
	}
	f.rpcCh <- rpc

	select {
	case resp := <-rpc.RespChan:
		require.Equal(t, RPCErrorTag, resp.Tag)
	case <-time.After(time.Second):
		t.Fatal("the forged request was not declined")
	}
}

// A transient payload failure must not wedge proposal generation: the slot
// reopens and a later tick pulls again.
func TestLoopRetriesFailedPayloadPull(t *testing.T) {
	payload := &flakyPayloadClient{inner: NewRandomPayloadClient(32), failures: 1}
	f := newLoopFixture(t, nil, payload, 10*time.Millisecond)
	go f.loop.Run()
	defer f.loop.Shutdown()

	require.Eventually(t, func() bool {
		return payload.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoopCommitNotification(t *testing.T) {
	info := LedgerInfo{Epoch: testEpoch, Round: 1, Digest: []byte("block")}
	rule := &onceOrderRule{ordered: &OrderedBlocks{Info: info}}
	f := newLoopFixture(t, rule, nil, 10*time.Millisecond)
	go f.loop.Run()

	require.Eventually(t, func() bool {
		return f.stateComputer.commitCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the Shutdown handshake orders the loop's writes before our read
	f.loop.Shutdown()
	require.Equal(t, info, f.driver.Committed())
}
