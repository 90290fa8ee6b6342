package certdag

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/gitzhang10/certdag/conn"
)

// Network sends consensus messages over the pooled TCP transport, resolving
// validator names to their addresses.
type Network struct {
	name   string
	trans  *conn.NetworkTransport
	addrs  map[string]string // map from name to addr:port
	logger hclog.Logger
}

func NewNetwork(name string, trans *conn.NetworkTransport, addrs map[string]string, logger hclog.Logger) *Network {
	return &Network{
		name:   name,
		trans:  trans,
		addrs:  addrs,
		logger: logger.Named("network"),
	}
}

// Request sends a request to one validator and waits for its response, up to
// the timeout.
func (nw *Network) Request(peer string, tag uint8, msg interface{}, sig []byte,
	timeout time.Duration) (uint8, interface{}, []byte, error) {
	addr, ok := nw.addrs[peer]
	if !ok {
		return 0, nil, nil, errors.Errorf("validator %s is unknown", peer)
	}
	return nw.trans.DoRequest(addr, tag, msg, sig, timeout)
}

// Send pushes a one-way message to one validator.
func (nw *Network) Send(peer string, tag uint8, msg interface{}, sig []byte) error {
	addr, ok := nw.addrs[peer]
	if !ok {
		return errors.Errorf("validator %s is unknown", peer)
	}
	netConn, err := nw.trans.GetConn(addr)
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, tag, msg, sig); err != nil {
		return err
	}
	return nw.trans.ReturnConn(netConn)
}

// SendToAll pushes a one-way message to every validator.
func (nw *Network) SendToAll(tag uint8, msg interface{}, sig []byte) error {
	for peer := range nw.addrs {
		if err := nw.Send(peer, tag, msg, sig); err != nil {
			return err
		}
	}
	return nil
}
