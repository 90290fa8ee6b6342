package certdag

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gitzhang10/certdag/sign"
)

// RequestSender issues one request to one peer and returns the decoded
// response envelope. Implemented over the TCP transport by Network; tests
// substitute fakes.
type RequestSender interface {
	Request(peer string, tag uint8, msg interface{}, sig []byte, timeout time.Duration) (uint8, interface{}, []byte, error)
}

type peerAck struct {
	peer string
	ack  interface{}
}

// ReliableBroadcast fans a message out to every validator concurrently and
// retries each peer without bound until the caller's aggregator reports
// completion. It keeps no protocol state beyond the registry of in-flight
// broadcasts, which lets acknowledgements that arrive as ordinary network
// events (rather than RPC responses) reach the right aggregation loop.
type ReliableBroadcast struct {
	name          string
	peers         []string // all validators, self included
	sender        RequestSender
	privateKey    ed25519.PrivateKey
	publicKeyMap  map[string]ed25519.PublicKey
	rpcTimeout    time.Duration
	retryInterval time.Duration
	logger        hclog.Logger

	activeLock sync.Mutex
	active     map[NodeId]chan peerAck
}

func NewReliableBroadcast(name string, peers []string, sender RequestSender, privateKey ed25519.PrivateKey,
	publicKeyMap map[string]ed25519.PublicKey, rpcTimeout, retryInterval time.Duration,
	logger hclog.Logger) *ReliableBroadcast {
	return &ReliableBroadcast{
		name:          name,
		peers:         peers,
		sender:        sender,
		privateKey:    privateKey,
		publicKeyMap:  publicKeyMap,
		rpcTimeout:    rpcTimeout,
		retryInterval: retryInterval,
		logger:        logger.Named("rbc"),
		active:        make(map[NodeId]chan peerAck),
	}
}

func (rb *ReliableBroadcast) register(id NodeId, ackCh chan peerAck) {
	rb.activeLock.Lock()
	defer rb.activeLock.Unlock()
	rb.active[id] = ackCh
}

func (rb *ReliableBroadcast) unregister(id NodeId) {
	rb.activeLock.Lock()
	defer rb.activeLock.Unlock()
	delete(rb.active, id)
}

// Deliver feeds an acknowledgement that arrived outside the request/response
// path into the matching in-flight broadcast. Acks for unknown broadcasts
// are dropped.
func (rb *ReliableBroadcast) Deliver(id NodeId, peer string, ack interface{}) {
	rb.activeLock.Lock()
	ackCh, ok := rb.active[id]
	rb.activeLock.Unlock()
	if !ok {
		return
	}
	select {
	case ackCh <- peerAck{peer: peer, ack: ack}:
	default:
	}
}

// requestLoop keeps one request outstanding towards one peer until an
// acceptable response arrives or the broadcast completes. Timeouts,
// transport errors, declined requests and unverifiable responses are all
// retried.
func (rb *ReliableBroadcast) requestLoop(ctx context.Context, peer string, tag, wantTag uint8,
	msg interface{}, sig []byte, ackCh chan peerAck) {
	for {
		if ctx.Err() != nil {
			return
		}
		respTag, resp, respSig, err := rb.sender.Request(peer, tag, msg, sig, rb.rpcTimeout)
		if err == nil && respTag == wantTag && rb.verifyResponse(peer, resp, respSig) {
			select {
			case ackCh <- peerAck{peer: peer, ack: resp}:
			case <-ctx.Done():
			}
			return
		}
		if err != nil {
			rb.logger.Debug("request failed, will retry", "peer", peer, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(rb.retryInterval):
		}
	}
}

func (rb *ReliableBroadcast) verifyResponse(peer string, resp interface{}, respSig []byte) bool {
	pubKey, ok := rb.publicKeyMap[peer]
	if !ok {
		return false
	}
	respAsBytes, err := encode(resp)
	if err != nil {
		return false
	}
	ok, err = sign.VerifySignEd25519(pubKey, respAsBytes, respSig)
	return err == nil && ok
}

// Broadcast sends the message to every validator and feeds the decoded
// acknowledgements into the status aggregator until it reports completion.
// Individual peers are retried without bound; the operation itself carries
// no deadline and terminates only through aggregation or through ctx, which
// is the caller's sole cancellation handle.
func Broadcast[A any, G any](ctx context.Context, rb *ReliableBroadcast, id NodeId, tag, wantTag uint8,
	msg interface{}, status BroadcastStatus[A, G]) (G, error) {
	var zero G

	msgAsBytes, err := encode(msg)
	if err != nil {
		return zero, err
	}
	sig := sign.SignEd25519(rb.privateKey, msgAsBytes)

	ackCh := make(chan peerAck, 2*len(rb.peers))
	rb.register(id, ackCh)
	defer rb.unregister(id)

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, peer := range rb.peers {
		go rb.requestLoop(reqCtx, peer, tag, wantTag, msg, sig, ackCh)
	}

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case pa := <-ackCh:
			ack, ok := pa.ack.(A)
			if !ok {
				continue
			}
			if aggregated, done := status.Add(pa.peer, ack); done {
				return aggregated, nil
			}
		}
	}
}
