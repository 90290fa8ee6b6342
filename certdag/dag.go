package certdag

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Dag is the shared, append-only structure of certified nodes, indexed by
// round and author. It is owned jointly by the NodeBroadcastHandler and the
// CertifiedNodeHandler; both hold the same *Dag and all mutation goes
// through AddNode. Readers may run concurrently; writers are exclusive.
type Dag struct {
	lock        sync.RWMutex
	epoch       uint64
	lowestRound uint64
	nodes       map[uint64]map[string]*CertifiedNode // map from round to author to certified node
	logger      hclog.Logger
}

func NewDag(epoch uint64, logger hclog.Logger) *Dag {
	return &Dag{
		epoch:  epoch,
		nodes:  make(map[uint64]map[string]*CertifiedNode),
		logger: logger.Named("dag"),
	}
}

func (d *Dag) Epoch() uint64 {
	return d.epoch
}

// Exists reports whether a node for the metadata's production slot has been
// admitted.
func (d *Dag) Exists(meta *NodeMeta) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.exists(meta.Round, meta.Author)
}

func (d *Dag) exists(round uint64, author string) bool {
	if _, ok := d.nodes[round]; !ok {
		return false
	}
	_, ok := d.nodes[round][author]
	return ok
}

// AllExists reports whether every parent certificate already has a matching
// node in the DAG.
func (d *Dag) AllExists(parents []*NodeCertificate) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, parent := range parents {
		if !d.exists(parent.Meta.Round, parent.Meta.Author) {
			return false
		}
	}
	return true
}

// MissingParents returns the subset of parents not yet present in the DAG.
func (d *Dag) MissingParents(parents []*NodeCertificate) []*NodeCertificate {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var missing []*NodeCertificate
	for _, parent := range parents {
		if !d.exists(parent.Meta.Round, parent.Meta.Author) {
			missing = append(missing, parent)
		}
	}
	return missing
}

// LowestRound returns the lowest round the DAG still retains. Rounds below
// it have been pruned and can never be voted on again.
func (d *Dag) LowestRound() uint64 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.lowestRound
}

// AddNode inserts a certified node. Inserting a node for an occupied slot
// reports ErrNodeExists and leaves the DAG unchanged, so concurrent
// duplicate admissions are safe.
func (d *Dag) AddNode(cn *CertifiedNode) error {
	round := cn.Cert.Meta.Round
	author := cn.Cert.Meta.Author
	d.lock.Lock()
	defer d.lock.Unlock()
	if round < d.lowestRound {
		return errors.Wrapf(ErrMissingParents, "round %d is below the lowest retained round %d", round, d.lowestRound)
	}
	if d.exists(round, author) {
		return errors.Wrapf(ErrNodeExists, "round %d, author %s", round, author)
	}
	if _, ok := d.nodes[round]; !ok {
		d.nodes[round] = make(map[string]*CertifiedNode)
	}
	d.nodes[round][author] = cn
	d.logger.Debug("added a certified node", "round", round, "author", author)
	return nil
}

// GetNode returns the certified node admitted for (round, author), if any.
func (d *Dag) GetNode(round uint64, author string) (*CertifiedNode, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if _, ok := d.nodes[round]; !ok {
		return nil, false
	}
	cn, ok := d.nodes[round][author]
	return cn, ok
}

// CountRound returns the number of certified nodes admitted for the round.
func (d *Dag) CountRound(round uint64) int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return len(d.nodes[round])
}

// CertsOfRound returns the certificates of all nodes admitted for the round.
func (d *Dag) CertsOfRound(round uint64) []*NodeCertificate {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var certs []*NodeCertificate
	for _, cn := range d.nodes[round] {
		certs = append(certs, cn.Cert)
	}
	return certs
}

// PruneBelowRound discards all rounds below minRound and raises the lowest
// retained round. The boundary only ever moves forward.
func (d *Dag) PruneBelowRound(minRound uint64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if minRound <= d.lowestRound {
		return
	}
	for round := range d.nodes {
		if round < minRound {
			delete(d.nodes, round)
		}
	}
	d.lowestRound = minRound
	d.logger.Debug("pruned the dag", "lowest-round", minRound)
}
