package certdag

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
)

// RBHandler is the reliable-broadcast sub-protocol as seen by the loop. It
// couples the requester side (the ReliableBroadcast engine running the
// fan-out of this validator's own broadcasts) with the responder side (the
// NodeBroadcastHandler answering peer proposals with votes), and routes
// stray vote/ack events into the right in-flight aggregation.
type RBHandler struct {
	name        string
	epoch       uint64
	rb          *ReliableBroadcast
	nodeHandler *NodeBroadcastHandler
	privateKey  ed25519.PrivateKey
	tsPubPoly   *share.PubPoly
	quorumNum   int
	nodeNum     int

	// completions of this validator's own broadcasts re-enter the loop here
	internalCh chan<- *Event

	// outbox is only touched from the loop goroutine
	outbox []OutMessage

	ctx    context.Context
	cancel context.CancelFunc
	logger hclog.Logger
}

var _ Protocol = (*RBHandler)(nil)

func NewRBHandler(name string, epoch uint64, rb *ReliableBroadcast, nodeHandler *NodeBroadcastHandler,
	privateKey ed25519.PrivateKey, tsPubPoly *share.PubPoly, quorumNum, nodeNum int,
	internalCh chan<- *Event, logger hclog.Logger) *RBHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &RBHandler{
		name:        name,
		epoch:       epoch,
		rb:          rb,
		nodeHandler: nodeHandler,
		privateKey:  privateKey,
		tsPubPoly:   tsPubPoly,
		quorumNum:   quorumNum,
		nodeNum:     nodeNum,
		internalCh:  internalCh,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("rb-handler"),
	}
}

// Close cancels every in-flight broadcast.
func (r *RBHandler) Close() {
	r.cancel()
}

func (r *RBHandler) Tick(time.Time) {
	r.rb.activeLock.Lock()
	active := len(r.rb.active)
	r.rb.activeLock.Unlock()
	if active > 0 {
		r.logger.Debug("broadcasts still in flight", "count", active)
	}
}

// Step handles one event: a node proposal is answered with a vote (or
// declined), while votes and acks that arrived as plain messages are fed to
// the matching in-flight broadcast.
func (r *RBHandler) Step(ev *Event) error {
	switch msg := ev.Msg.(type) {
	case NodeMsg:
		vote, err := r.nodeHandler.Process(msg.Node)
		if err != nil {
			r.logger.Debug("declined to vote", "round", msg.Node.Round, "author", msg.Node.Author, "error", err)
			declineTo(ev, r.name, err.Error(), r.privateKey)
			return err
		}
		if err := respondTo(ev, VoteTag, vote, r.privateKey); err != nil {
			return err
		}
		// also push the vote one way, in case the proposer's request
		// already timed out
		r.outbox = append(r.outbox, OutMessage{Peer: msg.Node.Author, Tag: VoteTag, Msg: vote})
		return nil
	case Vote:
		r.rb.Deliver(msg.Meta.Id(), ev.Peer, msg)
		return nil
	case CertifiedAck:
		r.rb.Deliver(msg.Id, ev.Peer, msg)
		return nil
	default:
		r.logger.Error("unexpected event", "tag", ev.Tag)
		return nil
	}
}

func (r *RBHandler) HasReady() bool {
	return len(r.outbox) > 0
}

func (r *RBHandler) Ready() *Actions {
	actions := &Actions{Messages: r.outbox}
	r.outbox = nil
	return actions
}

// GcBeforeRound forwards the garbage-collection boundary to the vote issuer.
func (r *RBHandler) GcBeforeRound(minRound uint64) error {
	return r.nodeHandler.GcBeforeRound(minRound)
}

// StartBroadcast runs the command's broadcast in the background. A node to
// certify completes with a certificate that re-enters the loop as an
// internal event; a certified node to disseminate completes silently once a
// quorum has acked it.
func (r *RBHandler) StartBroadcast(cmd *BroadcastCommand) {
	if cmd.NodeMsg != nil {
		go r.certify(cmd.NodeMsg)
	}
	if cmd.CertifiedNode != nil {
		go r.disseminate(cmd.CertifiedNode)
	}
}

func (r *RBHandler) certify(nodeMsg *NodeMsg) {
	node := nodeMsg.Node
	meta, err := node.Meta()
	if err != nil {
		r.logger.Error("cannot compute the node digest", "round", node.Round, "error", err)
		return
	}
	status := NewCertifyStatus(meta, r.tsPubPoly, r.quorumNum, r.nodeNum)
	cert, err := Broadcast[Vote, *NodeCertificate](r.ctx, r.rb, node.Id(), NodeMsgTag, VoteTag, nodeMsg, status)
	if err != nil {
		r.logger.Debug("node broadcast cancelled", "round", node.Round, "error", err)
		return
	}
	r.logger.Debug("node certified", "round", node.Round)
	select {
	case r.internalCh <- &Event{Tag: certCompleteTag, Msg: &certComplete{Node: node, Cert: cert}}:
	case <-r.ctx.Done():
	}
}

func (r *RBHandler) disseminate(cn *CertifiedNode) {
	status := NewAckStatus(r.epoch, cn.Cert.Meta.Id(), r.quorumNum)
	msg := &CertifiedNodeMsg{CertifiedNode: cn, Sender: r.name}
	acks, err := Broadcast[CertifiedAck, int](r.ctx, r.rb, cn.Cert.Meta.Id(), CertifiedNodeTag, CertifiedAckTag, msg, status)
	if err != nil {
		r.logger.Debug("certified-node broadcast cancelled", "round", cn.Cert.Meta.Round, "error", err)
		return
	}
	r.logger.Debug("certified node acked by a quorum", "round", cn.Cert.Meta.Round, "acks", acks)
}
