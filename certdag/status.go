package certdag

import (
	"bytes"

	"github.com/gitzhang10/certdag/sign"
	"go.dedis.ch/kyber/v3/share"
)

// BroadcastStatus accumulates acknowledgements from individual peers into a
// single aggregated result. Add records one peer's ack and reports the
// aggregated value once the completion condition is met; a peer that already
// contributed is ignored, so no ack is ever double counted.
//
// Implementations are driven from a single goroutine inside Broadcast and
// need no locking of their own.
type BroadcastStatus[A any, G any] interface {
	Add(peer string, ack A) (G, bool)
}

// CertifyStatus collects votes for one node until a quorum of partial
// threshold signatures can be assembled into a certificate.
type CertifyStatus struct {
	meta        *NodeMeta
	pubPoly     *share.PubPoly
	quorumNum   int
	nodeNum     int
	partialSigs map[string][]byte // map from voter to partial signature
}

func NewCertifyStatus(meta *NodeMeta, pubPoly *share.PubPoly, quorumNum, nodeNum int) *CertifyStatus {
	return &CertifyStatus{
		meta:        meta,
		pubPoly:     pubPoly,
		quorumNum:   quorumNum,
		nodeNum:     nodeNum,
		partialSigs: make(map[string][]byte),
	}
}

// Add records one vote. Votes for a different digest, votes whose partial
// signature does not verify, and repeated votes from the same peer are all
// ignored.
func (s *CertifyStatus) Add(peer string, vote Vote) (*NodeCertificate, bool) {
	if !bytes.Equal(vote.Meta.Digest, s.meta.Digest) {
		return nil, false
	}
	if _, ok := s.partialSigs[peer]; ok {
		return nil, false
	}
	if err := sign.VerifyTSPartial(s.pubPoly, s.meta.Digest, vote.PartialSig); err != nil {
		return nil, false
	}
	s.partialSigs[peer] = vote.PartialSig
	if len(s.partialSigs) < s.quorumNum {
		return nil, false
	}
	partialSigs := make([][]byte, 0, len(s.partialSigs))
	for _, partialSig := range s.partialSigs {
		partialSigs = append(partialSigs, partialSig)
	}
	aggSig := sign.AssembleIntactTSPartial(partialSigs, s.pubPoly, s.meta.Digest, s.quorumNum, s.nodeNum)
	return &NodeCertificate{Meta: *s.meta, AggSig: aggSig}, true
}

// AckStatus counts certified-node acknowledgements until a quorum of
// distinct peers has durably admitted the node.
type AckStatus struct {
	epoch     uint64
	id        NodeId
	quorumNum int
	ackers    map[string]bool
}

func NewAckStatus(epoch uint64, id NodeId, quorumNum int) *AckStatus {
	return &AckStatus{
		epoch:     epoch,
		id:        id,
		quorumNum: quorumNum,
		ackers:    make(map[string]bool),
	}
}

// Add records one ack. Acks from a stale epoch, acks for a different node,
// and repeated acks from the same peer are all ignored.
func (s *AckStatus) Add(peer string, ack CertifiedAck) (int, bool) {
	if ack.Epoch != s.epoch || ack.Id != s.id {
		return 0, false
	}
	if s.ackers[peer] {
		return 0, false
	}
	s.ackers[peer] = true
	if len(s.ackers) < s.quorumNum {
		return 0, false
	}
	return len(s.ackers), true
}
