package certdag

import (
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/gitzhang10/certdag/config"
	"github.com/gitzhang10/certdag/conn"
)

// Validator wires one validator process together: the transport, the shared
// DAG, the vote store, both sub-protocols and the loop that drives them.
type Validator struct {
	name      string
	conf      *config.Config
	quorumNum int
	nodeNum   int

	trans   *conn.NetworkTransport
	network *Network
	dag     *Dag
	store   *VoteStore
	chain   *Chain
	loop    *StateMachineLoop
	rb      *RBHandler

	logger hclog.Logger
}

func NewValidator(conf *config.Config) *Validator {
	nodeNum := len(conf.ClusterAddr)
	quorumNum := quorum(nodeNum)
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "certdag-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	return &Validator{
		name:      conf.Name,
		conf:      conf,
		quorumNum: quorumNum,
		nodeNum:   nodeNum,
		logger:    logger,
	}
}

func quorum(nodeNum int) int {
	return nodeNum - (nodeNum-1)/3
}

// StartP2PListen starts the validator to listen for P2P connections.
func (v *Validator) StartP2PListen() error {
	var err error
	v.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(v.conf.ClusterPort[v.name]), 30*time.Second,
		nil, v.conf.MaxPool, reflectedTypesMap, requestTypesMap)
	if err != nil {
		return err
	}
	return nil
}

// EstablishP2PConns establishes P2P connections with the other validators.
func (v *Validator) EstablishP2PConns() error {
	if v.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for name, addrWithPort := range v.conf.ClusterName2Addr {
		connect, err := v.trans.GetConn(addrWithPort)
		if err != nil {
			return err
		}
		if err = v.trans.ReturnConn(connect); err != nil {
			return err
		}
		v.logger.Debug("connection has been established", "sender", v.name, "receiver", name)
	}
	return nil
}

// Init builds the DAG, the handlers, the sub-protocols and the loop. The
// vote store is opened (and previously issued votes reloaded) here.
func (v *Validator) Init(payload PayloadClient, stateComputer StateComputer, orderRule OrderRule) error {
	conf := v.conf

	var err error
	if conf.StorePath == "" {
		v.store = OpenInMemVoteStore()
	} else {
		v.store, err = OpenVoteStore(conf.StorePath)
		if err != nil {
			return err
		}
	}

	v.dag = NewDag(conf.Epoch, v.logger)
	nodeHandler, err := NewNodeBroadcastHandler(v.name, conf.Epoch, v.dag, v.store,
		conf.TsPrivateKey, conf.TsPublicKey, v.logger)
	if err != nil {
		return err
	}
	certHandler := NewCertifiedNodeHandler(v.name, v.dag, v.logger)

	v.network = NewNetwork(v.name, v.trans, conf.ClusterName2Addr, v.logger)

	peers := make([]string, 0, len(conf.ClusterName2Addr))
	for name := range conf.ClusterName2Addr {
		peers = append(peers, name)
	}
	sort.Strings(peers)

	rbc := NewReliableBroadcast(v.name, peers, v.network, conf.PrivateKey, conf.PublicKeyMap,
		conf.RPCTimeout, conf.RetryInterval, v.logger)

	internalCh := make(chan *Event, 64)
	v.rb = NewRBHandler(v.name, conf.Epoch, rbc, nodeHandler, conf.PrivateKey, conf.TsPublicKey,
		v.quorumNum, v.nodeNum, internalCh, v.logger)

	driver := NewDagDriver(v.name, conf.Epoch, v.dag, certHandler, conf.PrivateKey, conf.TsPublicKey,
		v.quorumNum, v.nodeNum, orderRule, v.logger)

	if v.chain == nil {
		v.chain = NewChain()
	}
	if payload == nil {
		payload = NewRandomPayloadClient(conf.TxSize)
	}
	if stateComputer == nil {
		stateComputer = NewChainStateComputer(v.chain, v.logger)
	}

	v.loop = NewStateMachineLoop(v.name, driver, v.rb, v.network, payload, stateComputer,
		conf.PrivateKey, conf.PublicKeyMap, v.trans.RPCChan(), v.trans.MsgChan(), internalCh,
		conf.TickInterval, conf.BatchSize, v.logger)
	return nil
}

// Dag returns the validator's DAG handle.
func (v *Validator) Dag() *Dag {
	return v.dag
}

// Chain returns the committed chain.
func (v *Validator) Chain() *Chain {
	return v.chain
}

// Run drives the loop until Shutdown is called.
func (v *Validator) Run() {
	v.logger.Info("the validator starts", "epoch", v.conf.Epoch, "quorum", v.quorumNum, "nodes", v.nodeNum)
	v.loop.Run()
}

// Shutdown stops the loop, the transport and the vote store.
func (v *Validator) Shutdown() {
	v.loop.Shutdown()
	if err := v.trans.Close(); err != nil {
		v.logger.Error("cannot close the transport", "error", err)
	}
	if err := v.store.Close(); err != nil {
		v.logger.Error("cannot close the vote store", "error", err)
	}
}
