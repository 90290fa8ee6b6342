package certdag

// NodeId uniquely identifies a node-production slot: one author may produce
// at most one node per round within an epoch.
type NodeId struct {
	Epoch  uint64
	Round  uint64
	Author string
}

// NodeMeta is the node metadata that votes and certificates sign. The digest
// binds the metadata to the full node contents.
type NodeMeta struct {
	Epoch  uint64
	Round  uint64
	Author string
	Digest []byte
}

// Id returns the production slot of the node described by the metadata.
func (m *NodeMeta) Id() NodeId {
	return NodeId{Epoch: m.Epoch, Round: m.Round, Author: m.Author}
}

// Node is a proposal authored by one validator for one round.
// A node in round r > 0 links at least a quorum of certified nodes in round
// r-1 as its parents; a round-0 node has no parents.
// A node is immutable once constructed.
type Node struct {
	Epoch     uint64
	Round     uint64
	Author    string
	Payload   [][]byte
	Parents   []*NodeCertificate
	TimeStamp int64
}

// Id returns the production slot of the node.
func (n *Node) Id() NodeId {
	return NodeId{Epoch: n.Epoch, Round: n.Round, Author: n.Author}
}

type nodeDigestView struct {
	Epoch         uint64
	Round         uint64
	Author        string
	Payload       [][]byte
	ParentDigests [][]byte
	TimeStamp     int64
}

// Digest computes the hash that votes and certificates sign.
func (n *Node) Digest() ([]byte, error) {
	view := nodeDigestView{
		Epoch:     n.Epoch,
		Round:     n.Round,
		Author:    n.Author,
		Payload:   n.Payload,
		TimeStamp: n.TimeStamp,
	}
	for _, parent := range n.Parents {
		view.ParentDigests = append(view.ParentDigests, parent.Meta.Digest)
	}
	viewAsBytes, err := encode(view)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(viewAsBytes)
}

// Meta returns the metadata of the node, including its digest.
func (n *Node) Meta() (*NodeMeta, error) {
	digest, err := n.Digest()
	if err != nil {
		return nil, err
	}
	return &NodeMeta{
		Epoch:  n.Epoch,
		Round:  n.Round,
		Author: n.Author,
		Digest: digest,
	}, nil
}

// NodeCertificate is a node's metadata together with an intact threshold
// signature proving that a quorum of voting power observed the node.
// It is verifiable independently of any DAG state.
type NodeCertificate struct {
	Meta   NodeMeta
	AggSig []byte
}

// Vote is a single validator's partial threshold signature over one node's
// metadata.
type Vote struct {
	Meta       NodeMeta
	Voter      string
	PartialSig []byte
}

// CertifiedNode is a node together with its aggregated certificate of votes.
// It is the unit admitted into the DAG.
type CertifiedNode struct {
	Node *Node
	Cert *NodeCertificate
}

// CertifiedAck acknowledges that a certified node has been durably admitted
// (or already existed) for a given epoch.
type CertifiedAck struct {
	Epoch uint64
	Id    NodeId
	Acker string
}

// LedgerInfo describes a committed prefix of the ordered history. Proposals
// carry the author's highest committed ledger info as a hint; a validator
// that observes a hint far ahead of its own state hands off to state sync.
type LedgerInfo struct {
	Epoch  uint64
	Round  uint64
	Digest []byte
}

// NodeMsg is the on-wire envelope for a node proposal. Alongside the node it
// carries the author's highest committed ledger info.
type NodeMsg struct {
	Node       *Node
	CommitHint LedgerInfo
}

// CertifiedNodeMsg is the on-wire envelope for a certified node.
type CertifiedNodeMsg struct {
	CertifiedNode *CertifiedNode
	Sender        string
}

// CertifiedNodeRequest asks a peer for a certified node it may retain.
type CertifiedNodeRequest struct {
	Id        NodeId
	Requester string
}

// RPCError is answered in place of a vote or an ack when the handler
// declined the request. The requester treats it like a decode failure and
// retries.
type RPCError struct {
	Sender string
	Reason string
}

// OrderedBlocks is a batch of certified nodes linearized by the order rule,
// handed to the state computer for commit.
type OrderedBlocks struct {
	Blocks []*CertifiedNode
	Info   LedgerInfo
}
