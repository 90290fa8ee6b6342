package certdag

import (
	"crypto/ed25519"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/certdag/conn"
	"github.com/gitzhang10/certdag/sign"
)

// MsgSender pushes one-way messages to peers. Implemented over the TCP
// transport by Network.
type MsgSender interface {
	Send(peer string, tag uint8, msg interface{}, sig []byte) error
	SendToAll(tag uint8, msg interface{}, sig []byte) error
}

// StateMachineLoop is the single-threaded cooperative scheduler driving the
// two sub-protocols. It owns no protocol state of its own: it waits until
// exactly one event source has data, routes the event, then executes
// whatever actions the sub-protocols have ready. Shutdown and the periodic
// tick are checked before data events on every iteration.
type StateMachineLoop struct {
	name   string
	driver *DagDriver
	rb     *RBHandler

	network       MsgSender
	payload       PayloadClient
	stateComputer StateComputer
	privateKey    ed25519.PrivateKey
	publicKeyMap  map[string]ed25519.PublicKey

	rpcCh      <-chan conn.RPC
	msgCh      <-chan conn.MsgWithSig
	internalCh chan *Event
	commitCh   chan LedgerInfo
	shutdownCh chan chan struct{}

	tickInterval time.Duration
	batchSize    int
	maxBatchSize int

	logger hclog.Logger
}

func NewStateMachineLoop(name string, driver *DagDriver, rb *RBHandler, network MsgSender,
	payload PayloadClient, stateComputer StateComputer, privateKey ed25519.PrivateKey,
	publicKeyMap map[string]ed25519.PublicKey, rpcCh <-chan conn.RPC, msgCh <-chan conn.MsgWithSig,
	internalCh chan *Event, tickInterval time.Duration, batchSize int, logger hclog.Logger) *StateMachineLoop {
	return &StateMachineLoop{
		name:          name,
		driver:        driver,
		rb:            rb,
		network:       network,
		payload:       payload,
		stateComputer: stateComputer,
		privateKey:    privateKey,
		publicKeyMap:  publicKeyMap,
		rpcCh:         rpcCh,
		msgCh:         msgCh,
		internalCh:    internalCh,
		commitCh:      make(chan LedgerInfo, 16),
		shutdownCh:    make(chan chan struct{}, 1),
		tickInterval:  tickInterval,
		batchSize:     batchSize,
		maxBatchSize:  1 << 20,
		logger:        logger.Named("loop"),
	}
}

// Shutdown asks the loop to exit and waits for the acknowledgement.
func (s *StateMachineLoop) Shutdown() {
	respCh := make(chan struct{}, 1)
	s.shutdownCh <- respCh
	<-respCh
}

func (s *StateMachineLoop) ackShutdown(respCh chan struct{}) {
	s.rb.Close()
	select {
	case respCh <- struct{}{}:
	default:
		panic("the shutdown acknowledgement must succeed")
	}
	s.logger.Info("the loop has shut down")
}

// Run drives the loop until a shutdown request arrives. It handles exactly
// one ready event per iteration: shutdown first, then the periodic tick,
// then whichever data source has a value ready.
func (s *StateMachineLoop) Run() {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case respCh := <-s.shutdownCh:
			s.ackShutdown(respCh)
			return
		default:
		}

		select {
		case now := <-ticker.C:
			s.driver.Tick(now)
			s.rb.Tick(now)
		default:
			select {
			case respCh := <-s.shutdownCh:
				s.ackShutdown(respCh)
				return
			case now := <-ticker.C:
				s.driver.Tick(now)
				s.rb.Tick(now)
			case rpc := <-s.rpcCh:
				s.handleRPC(rpc)
			case msgWithSig := <-s.msgCh:
				s.handleMsg(msgWithSig)
			case ev := <-s.internalCh:
				s.handleInternal(ev)
			case info := <-s.commitCh:
				_ = s.driver.Step(&Event{Tag: commitAckTag, Msg: &commitAck{Info: info}})
			}
		}

		s.executeReady()
	}
}

func (s *StateMachineLoop) verifyPeerSig(peer string, msg interface{}, sig []byte) bool {
	pubKey, ok := s.publicKeyMap[peer]
	if !ok {
		s.logger.Error("validator is unknown", "validator", peer)
		return false
	}
	msgAsBytes, err := encode(msg)
	if err != nil {
		s.logger.Error("fail to encode the message", "error", err)
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, msgAsBytes, sig)
	if err != nil {
		s.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}

// handleRPC verifies and routes one inbound request. Node proposals reach
// both sub-protocols: the reliable-broadcast side answers with a vote, the
// DAG driver tracks the commit hint carried alongside. Certified-node
// traffic reaches only the driver.
func (s *StateMachineLoop) handleRPC(rpc conn.RPC) {
	decline := func(reason string) {
		rpc.RespChan <- conn.RPCResponse{Tag: RPCErrorTag, Msg: &RPCError{Sender: s.name, Reason: reason}}
	}
	switch msg := rpc.Msg.(type) {
	case NodeMsg:
		if msg.Node == nil || !s.verifyPeerSig(msg.Node.Author, rpc.Msg, rpc.Sig) {
			decline("the signature does not verify")
			return
		}
		ev := &Event{Tag: rpc.Tag, Msg: rpc.Msg, Peer: msg.Node.Author, RespChan: rpc.RespChan}
		_ = s.rb.Step(ev)
		_ = s.driver.Step(&Event{Tag: rpc.Tag, Msg: rpc.Msg, Peer: msg.Node.Author})
	case CertifiedNodeMsg:
		if !s.verifyPeerSig(msg.Sender, rpc.Msg, rpc.Sig) {
			decline("the signature does not verify")
			return
		}
		_ = s.driver.Step(&Event{Tag: rpc.Tag, Msg: rpc.Msg, Peer: msg.Sender, RespChan: rpc.RespChan})
	case CertifiedNodeRequest:
		if !s.verifyPeerSig(msg.Requester, rpc.Msg, rpc.Sig) {
			decline("the signature does not verify")
			return
		}
		_ = s.driver.Step(&Event{Tag: rpc.Tag, Msg: rpc.Msg, Peer: msg.Requester, RespChan: rpc.RespChan})
	default:
		s.logger.Error("unexpected request type", "tag", rpc.Tag)
		decline("unexpected request type")
	}
}

// handleMsg verifies and routes one inbound one-way message. Votes and acks
// go only to the reliable-broadcast sub-protocol.
func (s *StateMachineLoop) handleMsg(msgWithSig conn.MsgWithSig) {
	switch msg := msgWithSig.Msg.(type) {
	case Vote:
		if !s.verifyPeerSig(msg.Voter, msgWithSig.Msg, msgWithSig.Sig) {
			return
		}
		_ = s.rb.Step(&Event{Tag: VoteTag, Msg: msgWithSig.Msg, Peer: msg.Voter})
	case CertifiedAck:
		if !s.verifyPeerSig(msg.Acker, msgWithSig.Msg, msgWithSig.Sig) {
			return
		}
		_ = s.rb.Step(&Event{Tag: CertifiedAckTag, Msg: msgWithSig.Msg, Peer: msg.Acker})
	default:
		s.logger.Error("unexpected message type")
	}
}

func (s *StateMachineLoop) handleInternal(ev *Event) {
	_ = s.driver.Step(ev)
}

// executeReady drains both sub-protocols' ready queues.
func (s *StateMachineLoop) executeReady() {
	for s.driver.HasReady() || s.rb.HasReady() {
		if s.driver.HasReady() {
			s.executeActions(s.driver.Ready())
		}
		if s.rb.HasReady() {
			s.sendMessages(s.rb.Ready().Messages)
		}
	}
}

// executeActions runs one batch of driver actions in its fixed order:
// proposal generation, outgoing messages, the reliable-broadcast command,
// ordered blocks, and the state-sync target.
func (s *StateMachineLoop) executeActions(actions *Actions) {
	if actions.GenerateProposal != nil {
		// TODO: pull the payload off the loop goroutine; this call blocks
		// every other event source until the payload client returns
		payload, err := s.payload.PullPayload(s.batchSize, s.maxBatchSize, nil)
		if err != nil {
			s.logger.Error("cannot pull a payload", "error", err)
			_ = s.driver.Step(&Event{
				Tag: proposalAbortTag,
				Msg: &proposalAbort{Round: actions.GenerateProposal.Round},
			})
		} else {
			_ = s.driver.Step(&Event{
				Tag: proposalPayloadTag,
				Msg: &proposalPayload{Round: actions.GenerateProposal.Round, Payload: payload},
			})
		}
	}

	s.sendMessages(actions.Messages)

	if actions.Broadcast != nil {
		s.rb.StartBroadcast(actions.Broadcast)
	}
	if actions.GcBeforeRound != nil {
		if err := s.rb.GcBeforeRound(*actions.GcBeforeRound); err != nil {
			s.logger.Error("cannot garbage-collect votes", "error", err)
		}
	}

	for _, ordered := range actions.Ordered {
		s.stateComputer.Commit(ordered.Blocks, ordered.Info, func(info LedgerInfo) {
			s.commitCh <- info
		})
	}

	if actions.SyncTarget != nil {
		target := *actions.SyncTarget
		if err := s.stateComputer.SyncTo(target); err != nil {
			s.logger.Error("state sync failed", "round", target.Round, "error", err)
		} else {
			_ = s.driver.Step(&Event{Tag: syncDoneTag, Msg: &syncDone{Info: target}})
		}
	}
}

func (s *StateMachineLoop) sendMessages(messages []OutMessage) {
	for _, m := range messages {
		msgAsBytes, err := encode(m.Msg)
		if err != nil {
			s.logger.Error("cannot encode an outgoing message", "tag", m.Tag, "error", err)
			continue
		}
		sig := sign.SignEd25519(s.privateKey, msgAsBytes)
		if m.Peer == "" {
			err = s.network.SendToAll(m.Tag, m.Msg, sig)
		} else {
			err = s.network.Send(m.Peer, m.Tag, m.Msg, sig)
		}
		if err != nil {
			s.logger.Debug("cannot send a message", "peer", m.Peer, "tag", m.Tag, "error", err)
		}
	}
}
