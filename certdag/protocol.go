package certdag

import (
	"crypto/ed25519"
	"time"

	"github.com/pkg/errors"

	"github.com/gitzhang10/certdag/conn"
	"github.com/gitzhang10/certdag/sign"
)

// Internal event tags. They share the tag space with the wire tags in
// msg_type.go but never appear on the wire.
const (
	proposalPayloadTag uint8 = iota + 128
	proposalAbortTag
	certCompleteTag
	commitAckTag
	syncDoneTag
)

// Event is one unit of input for a sub-protocol: either a verified network
// message or an internally generated command. RespChan is non-nil when the
// event expects an answer; whoever consumes the event must answer it
// exactly once.
type Event struct {
	Tag      uint8
	Msg      interface{}
	Peer     string
	RespChan chan conn.RPCResponse
}

type proposalPayload struct {
	Round   uint64
	Payload [][]byte
}

// proposalAbort reports that no payload could be pulled for the round, so
// the proposal slot must reopen for a later tick.
type proposalAbort struct {
	Round uint64
}

type certComplete struct {
	Node *Node
	Cert *NodeCertificate
}

type commitAck struct {
	Info LedgerInfo
}

type syncDone struct {
	Info LedgerInfo
}

// ProposalRequest asks the loop to pull a payload for a new proposal.
type ProposalRequest struct {
	Round uint64
}

// OutMessage is a one-way message to send. An empty Peer means every
// validator.
type OutMessage struct {
	Peer string
	Tag  uint8
	Msg  interface{}
}

// BroadcastCommand asks the reliable-broadcast sub-protocol to run one
// broadcast: a node to certify, or a certified node to disseminate.
type BroadcastCommand struct {
	NodeMsg       *NodeMsg
	CertifiedNode *CertifiedNode
}

// Actions is the batch of work a sub-protocol hands back when polled. The
// loop executes the fields in a fixed order: proposal generation, outgoing
// messages, the reliable-broadcast command (including vote GC), ordered
// blocks, and the state-sync target.
type Actions struct {
	GenerateProposal *ProposalRequest
	Messages         []OutMessage
	Broadcast        *BroadcastCommand
	GcBeforeRound    *uint64
	Ordered          []*OrderedBlocks
	SyncTarget       *LedgerInfo
}

// Protocol is the black-box state machine surface both sub-protocols expose
// to the loop. All four methods are driven from the loop goroutine only.
type Protocol interface {
	Tick(now time.Time)
	Step(ev *Event) error
	HasReady() bool
	Ready() *Actions
}

// respondTo signs the response envelope and answers the event.
func respondTo(ev *Event, tag uint8, msg interface{}, privateKey ed25519.PrivateKey) error {
	if ev.RespChan == nil {
		return errors.New("the event does not expect a response")
	}
	msgAsBytes, err := encode(msg)
	if err != nil {
		return err
	}
	ev.RespChan <- conn.RPCResponse{
		Tag: tag,
		Msg: msg,
		Sig: sign.SignEd25519(privateKey, msgAsBytes),
	}
	return nil
}

// declineTo answers the event with an RPCError; the requester treats it as a
// retryable failure.
func declineTo(ev *Event, name, reason string, privateKey ed25519.PrivateKey) {
	_ = respondTo(ev, RPCErrorTag, &RPCError{Sender: name, Reason: reason}, privateKey)
}
