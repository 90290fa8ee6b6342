package certdag

import (
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// PayloadClient supplies transaction batches for proposal generation. It is
// invoked synchronously while the loop generates a proposal.
type PayloadClient interface {
	PullPayload(maxTxs, maxBytes int, exclude [][]byte) ([][]byte, error)
}

// StateComputer executes and commits ordered blocks downstream. Commit must
// eventually invoke done with the committed ledger info; the callback is the
// path through which the commit notification re-enters the loop.
type StateComputer interface {
	Commit(blocks []*CertifiedNode, info LedgerInfo, done func(LedgerInfo))
	SyncTo(info LedgerInfo) error
}

// OrderRule linearizes admitted nodes into committable batches. The
// algorithm itself is outside this core; the default rule orders nothing.
type OrderRule interface {
	TryOrder(dag *Dag, lastCommitted uint64) (*OrderedBlocks, bool)
}

type noopOrderRule struct{}

func (noopOrderRule) TryOrder(*Dag, uint64) (*OrderedBlocks, bool) {
	return nil, false
}

// RandomPayloadClient generates synthetic transactions of a fixed size.
type RandomPayloadClient struct {
	txSize int
	rng    *rand.Rand
}

func NewRandomPayloadClient(txSize int) *RandomPayloadClient {
	return &RandomPayloadClient{
		txSize: txSize,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// PullPayload generates a batch of transactions bounded by maxTxs and
// maxBytes. The exclusion filter is ignored: synthetic transactions never
// repeat.
func (c *RandomPayloadClient) PullPayload(maxTxs, maxBytes int, _ [][]byte) ([][]byte, error) {
	var batch [][]byte
	for i := 0; i < maxTxs && (i+1)*c.txSize <= maxBytes; i++ {
		tx := make([]byte, c.txSize)
		c.rng.Read(tx)
		batch = append(batch, tx)
	}
	return batch, nil
}

// Chain stores blocks which are committed.
type Chain struct {
	lock   sync.RWMutex
	round  uint64
	blocks map[string]*CertifiedNode // map from digest to the block
}

func NewChain() *Chain {
	return &Chain{blocks: make(map[string]*CertifiedNode)}
}

// Round returns the highest committed round.
func (c *Chain) Round() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.round
}

// Len returns the number of committed blocks.
func (c *Chain) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.blocks)
}

// ChainStateComputer appends ordered blocks to an in-memory chain and
// acknowledges the commit immediately.
type ChainStateComputer struct {
	chain  *Chain
	logger hclog.Logger
}

func NewChainStateComputer(chain *Chain, logger hclog.Logger) *ChainStateComputer {
	return &ChainStateComputer{
		chain:  chain,
		logger: logger.Named("state-computer"),
	}
}

func (sc *ChainStateComputer) Commit(blocks []*CertifiedNode, info LedgerInfo, done func(LedgerInfo)) {
	sc.chain.lock.Lock()
	for _, block := range blocks {
		digest := hex.EncodeToString(block.Cert.Meta.Digest)
		if _, ok := sc.chain.blocks[digest]; !ok {
			sc.chain.blocks[digest] = block
		}
	}
	if info.Round > sc.chain.round {
		sc.chain.round = info.Round
	}
	sc.chain.lock.Unlock()
	sc.logger.Info("committed ordered blocks", "count", len(blocks), "round", info.Round)
	go done(info)
}

func (sc *ChainStateComputer) SyncTo(info LedgerInfo) error {
	sc.chain.lock.Lock()
	if info.Round > sc.chain.round {
		sc.chain.round = info.Round
	}
	sc.chain.lock.Unlock()
	sc.logger.Info("synced the state", "round", info.Round)
	return nil
}
