/*
Package conn implements the connection between a pair of nodes.
A connection is established from one node to another and is used either to
push a message one way, or to issue a request and synchronously read the
response from the same connection.
Also, to make the connection more usable, the connection is encapsulated with
the reader/writer and the decoder/encoder.
*/
package conn

import (
	"bufio"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn represents a connection established from one node to another.
type NetConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

// Release closes the connection in a NetConn variable.
func (n *NetConn) Release() error {
	return n.conn.Close()
}

// SetDeadline applies an I/O deadline to the underlying connection.
func (n *NetConn) SetDeadline(t time.Time) error {
	return n.conn.SetDeadline(t)
}
