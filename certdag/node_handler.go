package certdag

import (
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3/share"

	"github.com/gitzhang10/certdag/sign"
)

// NodeBroadcastHandler is the vote-issuing side of node dissemination. It
// validates incoming proposals against the DAG, issues at most one vote per
// (round, author) slot, and persists every vote before returning it so that
// a restart can never produce a second, conflicting vote.
//
// The RPC layer processes one request at a time per handler instance, so the
// vote map needs no locking of its own.
type NodeBroadcastHandler struct {
	name       string
	epoch      uint64
	dag        *Dag
	votes      map[uint64]map[string]*Vote // map from round to author to the issued vote
	store      *VoteStore
	tsPriShare *share.PriShare
	tsPubPoly  *share.PubPoly
	logger     hclog.Logger
}

// NewNodeBroadcastHandler builds the handler and reloads all persisted votes
// for the current epoch into memory. Votes from a stale epoch are deleted
// from the store, not merely ignored, to bound its growth.
func NewNodeBroadcastHandler(name string, epoch uint64, dag *Dag, store *VoteStore,
	tsPriShare *share.PriShare, tsPubPoly *share.PubPoly, logger hclog.Logger) (*NodeBroadcastHandler, error) {
	h := &NodeBroadcastHandler{
		name:       name,
		epoch:      epoch,
		dag:        dag,
		votes:      make(map[uint64]map[string]*Vote),
		store:      store,
		tsPriShare: tsPriShare,
		tsPubPoly:  tsPubPoly,
		logger:     logger.Named("node-handler"),
	}

	entries, err := store.GetVotes()
	if err != nil {
		return nil, err
	}
	var stale []NodeId
	for _, entry := range entries {
		if entry.Id.Epoch != epoch {
			stale = append(stale, entry.Id)
			continue
		}
		h.insertVote(entry.Id.Round, entry.Id.Author, entry.Vote)
	}
	if len(stale) > 0 {
		if err := store.DeleteVotes(stale); err != nil {
			return nil, err
		}
		h.logger.Info("deleted stale-epoch votes", "count", len(stale))
	}
	return h, nil
}

func (h *NodeBroadcastHandler) insertVote(round uint64, author string, vote *Vote) {
	if _, ok := h.votes[round]; !ok {
		h.votes[round] = make(map[string]*Vote)
	}
	h.votes[round][author] = vote
}

// Process validates the node and returns this validator's vote for it.
// Re-requests for an already-voted slot return the stored vote unchanged.
func (h *NodeBroadcastHandler) Process(node *Node) (*Vote, error) {
	if node.Epoch != h.epoch {
		return nil, errors.Errorf("node from epoch %d, current epoch is %d", node.Epoch, h.epoch)
	}
	if err := h.validate(node); err != nil {
		return nil, err
	}

	if byAuthor, ok := h.votes[node.Round]; ok {
		if vote, ok := byAuthor[node.Author]; ok {
			return vote, nil
		}
	}

	meta, err := node.Meta()
	if err != nil {
		return nil, err
	}
	vote := &Vote{
		Meta:       *meta,
		Voter:      h.name,
		PartialSig: sign.SignTSPartial(h.tsPriShare, meta.Digest),
	}
	// a vote must be durable before any peer can observe it
	if err := h.store.SaveVote(node.Id(), vote); err != nil {
		h.logger.Error("cannot persist the vote", "round", node.Round, "author", node.Author, "error", err)
		panic(err)
	}
	h.insertVote(node.Round, node.Author, vote)
	h.logger.Debug("voted for a node", "round", node.Round, "author", node.Author)
	return vote, nil
}

// validate checks the node's ancestry. A round-0 node is trivially valid.
// For a later round, a parent round below the DAG's lowest retained round is
// reported as missing (the slot can no longer be checked, not proven
// invalid). Parents absent from the DAG must carry verifiable certificates;
// an unverifiable one makes the node invalid, while verified-but-absent
// parents leave fetching the ancestry to an out-of-band fetcher.
func (h *NodeBroadcastHandler) validate(node *Node) error {
	if node.Round == 0 {
		return nil
	}
	prevRound := node.Round - 1
	if prevRound < h.dag.LowestRound() {
		return errors.Wrapf(ErrMissingParents, "parent round %d is below the lowest retained round %d",
			prevRound, h.dag.LowestRound())
	}
	missing := h.dag.MissingParents(node.Parents)
	if len(missing) == 0 {
		return nil
	}
	for _, parent := range missing {
		ok, err := sign.VerifyTS(h.tsPubPoly, parent.Meta.Digest, parent.AggSig)
		if err != nil || !ok {
			return errors.Wrapf(ErrInvalidParent, "round %d, author %s", parent.Meta.Round, parent.Meta.Author)
		}
	}
	return errors.Wrapf(ErrMissingParents, "%d verified parents are absent from the dag", len(missing))
}

// GcBeforeRound discards all votes below minRound, in memory and in the
// durable store. Rounds only ever increase, so a collected round is never
// revisited.
func (h *NodeBroadcastHandler) GcBeforeRound(minRound uint64) error {
	var ids []NodeId
	for round, byAuthor := range h.votes {
		if round >= minRound {
			continue
		}
		for author := range byAuthor {
			ids = append(ids, NodeId{Epoch: h.epoch, Round: round, Author: author})
		}
		delete(h.votes, round)
	}
	if err := h.store.DeleteVotes(ids); err != nil {
		h.logger.Error("cannot garbage-collect votes", "before-round", minRound, "error", err)
		panic(err)
	}
	return nil
}
