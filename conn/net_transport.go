package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// MsgWithSig encapsulates the original msg with the ED25519 signature.
type MsgWithSig struct {
	Msg interface{}
	Sig []byte
}

// RPCResponse is the reply written back for an inbound request.
type RPCResponse struct {
	Tag uint8
	Msg interface{}
	Sig []byte
}

// RPC is an inbound request together with the channel the consumer must use
// to answer it. The connection handler blocks until the response arrives, so
// every RPC handed out must be answered exactly once.
type RPC struct {
	Tag      uint8
	Msg      interface{}
	Sig      []byte
	RespChan chan RPCResponse
}

/*
NetworkTransport provides a network based transport that can be
used to communicate with the remote nodes. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

This transport is very simple and lightweight. Each message is framed by
sending a byte that indicates the message type, followed by the msg data and
signature data. Message types registered as request types additionally get a
response frame written back on the same connection.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	msgCh chan MsgWithSig // msgCh transfers one-way messages to the outer consumer (e.g., Node)
	rpcCh chan RPC        // rpcCh transfers inbound requests that expect a response

	reflectedTypesMap map[uint8]reflect.Type
	requestTypesMap   map[uint8]bool

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// ConnPool returns the connPool field of the NetworkTransport.
func (n *NetworkTransport) ConnPool() map[string][]*NetConn {
	return n.connPool
}

// MsgChan returns the msgCh field of the NetworkTransport.
func (n *NetworkTransport) MsgChan() chan MsgWithSig {
	return n.msgCh
}

// RPCChan returns the rpcCh field of the NetworkTransport.
func (n *NetworkTransport) RPCChan() chan RPC {
	return n.rpcCh
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// GetStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) GetStreamContext() context.Context {
	return n.getStreamContext()
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
				return
			}

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	enc := codec.NewEncoder(w, &codec.MsgpackHandle{})

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, w, dec, enc); err != nil {
			if err != io.EOF {
				n.logger.Error("failed to decode incoming command", "error", err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.Error("failed to flush response", "error", err)
			return
		}
	}
}

// handleMsg is used to decode and dispatch a single msg. Messages whose type
// is registered as a request block until the consumer answers, and the
// response frame is written back on the same connection.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, w *bufio.Writer, dec *codec.Decoder, enc *codec.Encoder) error {
	// Get the msg type
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	reflectedType, ok := n.reflectedTypesMap[rpcType]
	if !ok {
		return errors.New(fmt.Sprintf("type of the msg (%d) is unknown", rpcType))
	}
	msgBody := reflect.Zero(reflectedType).Interface()
	if err := dec.Decode(&msgBody); err != nil {
		return err
	}

	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}

	if !n.requestTypesMap[rpcType] {
		msgWithSig := MsgWithSig{
			Msg: msgBody,
			Sig: sig,
		}

		select {
		case n.msgCh <- msgWithSig:
		case <-n.shutdownCh:
			return ErrTransportShutdown
		}
		return nil
	}

	rpc := RPC{
		Tag:      rpcType,
		Msg:      msgBody,
		Sig:      sig,
		RespChan: make(chan RPCResponse, 1),
	}

	select {
	case n.rpcCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	var resp RPCResponse
	select {
	case resp = <-rpc.RespChan:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	if err := w.WriteByte(resp.Tag); err != nil {
		return err
	}
	if err := enc.Encode(resp.Msg); err != nil {
		return err
	}
	return enc.Encode(resp.Sig)
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.shutdown = true
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	// Dial a new connection
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netC := &NetConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}

	netC.dec = codec.NewDecoder(netC.r, &codec.MsgpackHandle{})
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})

	//Done
	return netC, nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	// Check for an exiting conn
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		return netC, nil
	}

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool.
// To avoid establishing connections repeatedly, try to maintain the net connection for later reusage.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns, _ := n.connPool[key]

	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	} else {
		return netC.Release()
	}
}

// DoRequest sends a request to the target and synchronously reads the
// response from the same connection. The timeout bounds the whole exchange;
// expiry surfaces as an I/O error on the connection.
func (n *NetworkTransport) DoRequest(target string, rpcType uint8, msg interface{}, sig []byte,
	timeout time.Duration) (uint8, interface{}, []byte, error) {
	netC, err := n.GetConn(target)
	if err != nil {
		return 0, nil, nil, err
	}

	if timeout > 0 {
		if err := netC.SetDeadline(time.Now().Add(timeout)); err != nil {
			netC.Release()
			return 0, nil, nil, err
		}
	}

	if err := SendMsg(netC, rpcType, msg, sig); err != nil {
		return 0, nil, nil, err
	}

	respType, err := netC.r.ReadByte()
	if err != nil {
		netC.Release()
		return 0, nil, nil, err
	}
	reflectedType, ok := n.reflectedTypesMap[respType]
	if !ok {
		netC.Release()
		return 0, nil, nil, errors.New(fmt.Sprintf("type of the response (%d) is unknown", respType))
	}
	respBody := reflect.Zero(reflectedType).Interface()
	if err := netC.dec.Decode(&respBody); err != nil {
		netC.Release()
		return 0, nil, nil, err
	}
	var respSig []byte
	if err := netC.dec.Decode(&respSig); err != nil {
		netC.Release()
		return 0, nil, nil, err
	}

	// clear the deadline before pooling the conn again
	if err := netC.SetDeadline(time.Time{}); err != nil {
		netC.Release()
		return 0, nil, nil, err
	}
	if err := n.ReturnConn(netC); err != nil {
		return 0, nil, nil, err
	}
	return respType, respBody, respSig, nil
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	// RequestTypesMap marks the message types that expect a response frame.
	RequestTypesMap map[uint8]bool

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply I/O deadlines.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "certdag-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		msgCh:             make(chan MsgWithSig, 1),
		rpcCh:             make(chan RPC, 1),
		reflectedTypesMap: config.ReflectedTypesMap,
		requestTypesMap:   config.RequestTypesMap,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// NewNetworkTransport creates a new network transport with the given dialer
// and listener. The maxPool controls how many connections we will pool. The
// timeout is used to apply I/O deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
	requestTypesMap map[uint8]bool,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "certdag-net",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})
	config := &NetworkTransportConfig{Stream: stream, Timeout: timeout, Logger: logger, MaxPool: maxPool,
		ReflectedTypesMap: reflectedTypesMap, RequestTypesMap: requestTypesMap}
	return NewNetworkTransportWithConfig(config)
}

// SendMsg is used to encode and send the msg.
func SendMsg(conn *NetConn, rpcType uint8, args interface{}, sig []byte) error {
	// Write the msg type
	if err := conn.w.WriteByte(rpcType); err != nil {
		conn.Release()
		return err
	}

	// Send the msg
	if err := conn.enc.Encode(args); err != nil {
		conn.Release()
		return err
	}

	// Send the ED25519 signature
	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}
