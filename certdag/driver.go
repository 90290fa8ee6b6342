package certdag

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/certdag/sign"
)

const (
	// retainRounds is how many rounds behind the committed round the DAG and
	// the vote bookkeeping are kept before pruning.
	retainRounds = 16

	// syncGapRounds is how far ahead a peer's commit hint must be before
	// this validator gives up catching up round by round and hands off to
	// state sync.
	syncGapRounds = 32
)

// DagDriver is the DAG-side sub-protocol: it admits certified nodes coming
// from peers, answers certified-node requests, generates this validator's
// own proposals round by round, and tracks the committed prefix to decide
// when to prune and when to hand off to state sync.
//
// All methods are driven from the loop goroutine; the only state shared with
// other goroutines is the DAG itself, which carries its own lock.
type DagDriver struct {
	name        string
	epoch       uint64
	dag         *Dag
	certHandler *CertifiedNodeHandler
	privateKey  ed25519.PrivateKey
	tsPubPoly   *share.PubPoly
	quorumNum   int
	nodeNum     int
	orderRule   OrderRule

	nextProposalRound uint64
	proposalInFlight  bool
	committed         LedgerInfo
	syncTargetRound   uint64

	pending []*Actions
	logger  hclog.Logger
}

var _ Protocol = (*DagDriver)(nil)

func NewDagDriver(name string, epoch uint64, dag *Dag, certHandler *CertifiedNodeHandler,
	privateKey ed25519.PrivateKey, tsPubPoly *share.PubPoly, quorumNum, nodeNum int,
	orderRule OrderRule, logger hclog.Logger) *DagDriver {
	if orderRule == nil {
		orderRule = noopOrderRule{}
	}
	return &DagDriver{
		name:        name,
		epoch:       epoch,
		dag:         dag,
		certHandler: certHandler,
		privateKey:  privateKey,
		tsPubPoly:   tsPubPoly,
		quorumNum:   quorumNum,
		nodeNum:     nodeNum,
		orderRule:   orderRule,
		logger:      logger.Named("dag-driver"),
	}
}

func (d *DagDriver) emit(actions *Actions) {
	d.pending = append(d.pending, actions)
}

func (d *DagDriver) HasReady() bool {
	return len(d.pending) > 0
}

func (d *DagDriver) Ready() *Actions {
	if len(d.pending) == 0 {
		return &Actions{}
	}
	actions := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return actions
}

func (d *DagDriver) canPropose(round uint64) bool {
	if round == 0 {
		return true
	}
	return d.dag.CountRound(round-1) >= d.quorumNum
}

// Tick requests a proposal once the previous round has accumulated a quorum
// of certified nodes, and gives the order rule a chance to run.
func (d *DagDriver) Tick(time.Time) {
	if !d.proposalInFlight && d.canPropose(d.nextProposalRound) {
		d.proposalInFlight = true
		d.logger.Debug("requesting a proposal", "round", d.nextProposalRound)
		d.emit(&Actions{GenerateProposal: &ProposalRequest{Round: d.nextProposalRound}})
	}
	d.tryOrder()
}

func (d *DagDriver) tryOrder() {
	if ordered, ok := d.orderRule.TryOrder(d.dag, d.committed.Round); ok {
		d.emit(&Actions{Ordered: []*OrderedBlocks{ordered}})
	}
}

func (d *DagDriver) Step(ev *Event) error {
	switch msg := ev.Msg.(type) {
	case NodeMsg:
		d.handleCommitHint(msg.CommitHint)
		return nil
	case CertifiedNodeMsg:
		return d.handleCertifiedNode(ev, msg)
	case CertifiedNodeRequest:
		return d.handleCertifiedNodeRequest(ev, msg)
	case *proposalPayload:
		return d.handleProposalPayload(msg)
	case *proposalAbort:
		// the payload pull failed; retry from a later tick
		d.proposalInFlight = false
		d.logger.Debug("proposal aborted", "round", msg.Round)
		return nil
	case *certComplete:
		return d.handleCertComplete(msg)
	case *commitAck:
		d.handleCommitted(msg.Info)
		return nil
	case *syncDone:
		d.syncTargetRound = 0
		d.handleCommitted(msg.Info)
		d.logger.Info("state sync completed", "round", msg.Info.Round)
		return nil
	default:
		d.logger.Error("unexpected event", "tag", ev.Tag)
		return nil
	}
}

// handleCommitHint hands off to state sync when a peer's committed round is
// far ahead of the local one.
func (d *DagDriver) handleCommitHint(hint LedgerInfo) {
	if hint.Epoch != d.epoch {
		return
	}
	if hint.Round <= d.committed.Round+syncGapRounds {
		return
	}
	if hint.Round <= d.syncTargetRound {
		return
	}
	d.syncTargetRound = hint.Round
	d.logger.Info("falling behind, requesting state sync", "local-round", d.committed.Round, "target-round", hint.Round)
	target := hint
	d.emit(&Actions{SyncTarget: &target})
}

func (d *DagDriver) verifyCertifiedNode(cn *CertifiedNode) error {
	if cn.Node == nil || cn.Cert == nil {
		return errors.New("the certified node is incomplete")
	}
	if cn.Cert.Meta.Epoch != d.epoch {
		return errors.Errorf("certificate from epoch %d, current epoch is %d", cn.Cert.Meta.Epoch, d.epoch)
	}
	digest, err := cn.Node.Digest()
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, cn.Cert.Meta.Digest) {
		return errors.New("the certificate does not match the node")
	}
	ok, err := sign.VerifyTS(d.tsPubPoly, cn.Cert.Meta.Digest, cn.Cert.AggSig)
	if err != nil || !ok {
		return errors.New("the aggregated signature does not verify")
	}
	return nil
}

func (d *DagDriver) handleCertifiedNode(ev *Event, msg CertifiedNodeMsg) error {
	cn := msg.CertifiedNode
	if err := d.verifyCertifiedNode(cn); err != nil {
		d.logger.Error("rejected a certified node", "sender", msg.Sender, "error", err)
		declineTo(ev, d.name, err.Error(), d.privateKey)
		return err
	}
	ack, err := d.certHandler.Process(cn)
	if err != nil {
		d.logger.Debug("cannot admit the certified node yet", "round", cn.Cert.Meta.Round,
			"author", cn.Cert.Meta.Author, "error", err)
		declineTo(ev, d.name, err.Error(), d.privateKey)
		return err
	}
	if err := respondTo(ev, CertifiedAckTag, ack, d.privateKey); err != nil {
		return err
	}
	d.tryOrder()
	return nil
}

func (d *DagDriver) handleCertifiedNodeRequest(ev *Event, msg CertifiedNodeRequest) error {
	cn, ok := d.dag.GetNode(msg.Id.Round, msg.Id.Author)
	if !ok {
		declineTo(ev, d.name, "the node is not retained", d.privateKey)
		return errors.Wrapf(ErrMissingParents, "round %d, author %s", msg.Id.Round, msg.Id.Author)
	}
	return respondTo(ev, CertifiedNodeTag, &CertifiedNodeMsg{CertifiedNode: cn, Sender: d.name}, d.privateKey)
}

// handleProposalPayload turns a pulled payload into this validator's node
// for the requested round and asks the reliable-broadcast sub-protocol to
// certify it. A node in round r links every certified node of round r-1
// known locally, which is at least a quorum by the proposal condition.
func (d *DagDriver) handleProposalPayload(msg *proposalPayload) error {
	var parents []*NodeCertificate
	if msg.Round > 0 {
		parents = d.dag.CertsOfRound(msg.Round - 1)
		if len(parents) < d.quorumNum {
			d.proposalInFlight = false
			return errors.Wrapf(ErrNotEnoughParents, "round %d has only %d certified nodes", msg.Round-1, len(parents))
		}
	}
	node := &Node{
		Epoch:     d.epoch,
		Round:     msg.Round,
		Author:    d.name,
		Payload:   msg.Payload,
		Parents:   parents,
		TimeStamp: time.Now().UnixNano(),
	}
	d.logger.Debug("proposing a node", "round", node.Round, "txs", len(node.Payload))
	d.emit(&Actions{Broadcast: &BroadcastCommand{NodeMsg: &NodeMsg{Node: node, CommitHint: d.committed}}})
	return nil
}

// handleCertComplete admits this validator's own freshly certified node and
// disseminates it. The proposal slot opens again for the next round.
func (d *DagDriver) handleCertComplete(msg *certComplete) error {
	cn := &CertifiedNode{Node: msg.Node, Cert: msg.Cert}
	if _, err := d.certHandler.Process(cn); err != nil {
		d.logger.Error("cannot admit the own certified node", "round", msg.Cert.Meta.Round, "error", err)
	}
	d.proposalInFlight = false
	if msg.Cert.Meta.Round >= d.nextProposalRound {
		d.nextProposalRound = msg.Cert.Meta.Round + 1
	}
	d.emit(&Actions{Broadcast: &BroadcastCommand{CertifiedNode: cn}})
	d.tryOrder()
	return nil
}

// handleCommitted advances the committed prefix, prunes the DAG outside the
// retention window and forwards the same boundary to the vote bookkeeping.
func (d *DagDriver) handleCommitted(info LedgerInfo) {
	if info.Epoch != d.epoch || info.Round <= d.committed.Round {
		return
	}
	d.committed = info
	if info.Round <= retainRounds {
		return
	}
	boundary := info.Round - retainRounds
	d.dag.PruneBelowRound(boundary)
	d.emit(&Actions{GcBeforeRound: &boundary})
}

// Committed returns the highest committed ledger info observed so far.
func (d *DagDriver) Committed() LedgerInfo {
	return d.committed
}
