// Original code derived from https://github.com/ortuman/jackal

package net

import (
	"io"
	"net"

	"shardgo/util"
)

// Transport represents a stream transport mechanism.
type Transport interface {
	io.ReadWriteCloser

	// WriteDatagram writes one datagram to the transport's buffer.
	WriteDatagram(datagram util.Datagram) (n int, err error)

	// Flush writes any buffered data to the underlying io.Writer.
	Flush() chan error

	// Closed reports whether the transport has been closed.
	Closed() bool

	// Conn returns the transport's underlying connection.
	Conn() net.Conn
}
