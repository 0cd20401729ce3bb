// Original code derived from https://github.com/ortuman/jackal

package net

import (
	"bytes"
	"encoding/binary"
	"errors"
	gonet "net"
	"sync"
	"time"

	. "shardgo/util"

	"github.com/pires/go-proxyproto"
)

const BUFF_SIZE = 4096

// DefaultQueueSize is the outbound datagram queue depth used when the
// config does not give one.
const DefaultQueueSize = 1024

// DatagramHandler is an interface for which structures that can accept datagrams may
//  implement to accept datagrams from a client, such as an MD participant.
type DatagramHandler interface {
	// Handles a message received from the client
	ReceiveDatagram(Datagram)
	// Handles a message received from the MD
	HandleDatagram(Datagram, *DatagramIterator)

	Terminate(error)
}

// Client wraps a Transport with datagram framing and a bounded outbound
// queue. A slow endpoint only ever stalls its own writer goroutine; once
// its queue fills up or a write times out, the endpoint is dropped.
type Client struct {
	sync.Mutex
	tr      Transport
	handler DatagramHandler
	buff    bytes.Buffer
	timeout time.Duration

	queue    chan Datagram
	stop     chan struct{}
	stopOnce sync.Once

	remote *gonet.TCPAddr
	local  *gonet.TCPAddr

	// PROXY protocol TLVs
	tlvs []byte
}

func NewClient(tr Transport, handler DatagramHandler, timeout time.Duration, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	client := &Client{
		tr:      tr,
		handler: handler,
		queue:   make(chan Datagram, queueSize),
		stop:    make(chan struct{}),
		tlvs:    []byte{},
	}
	// In-memory pipes used by tests have no TCP addresses.
	if addr, ok := tr.Conn().RemoteAddr().(*gonet.TCPAddr); ok {
		client.remote = addr
	} else {
		client.remote = &gonet.TCPAddr{}
	}
	if addr, ok := tr.Conn().LocalAddr().(*gonet.TCPAddr); ok {
		client.local = addr
	} else {
		client.local = &gonet.TCPAddr{}
	}
	client.timeout = timeout
	client.initialize()
	return client
}

func (c *Client) initialize() {
	if proxyConn, ok := c.tr.Conn().(*proxyproto.Conn); ok {
		header := proxyConn.ProxyHeader()
		if header != nil {
			tlvs, err := header.TLVs()
			if err != nil {
				return
			}
			c.tlvs, err = proxyproto.JoinTLVs(tlvs)
			if err != nil {
				return
			}
		}
	}
	go c.read()
	go c.write()
}

func (c *Client) defragment() {
	for c.buff.Len() > Blobsize {
		data := c.buff.Bytes()
		sz := binary.LittleEndian.Uint16(data[0:Blobsize])
		if c.buff.Len() >= int(sz+Blobsize) {
			overreadSz := c.buff.Len() - int(sz) - int(Blobsize)
			dg := NewDatagram()
			dg.Write(data[Blobsize : sz+Blobsize])
			if 0 < overreadSz {
				c.buff.Truncate(0)
				c.buff.Write(data[sz+Blobsize : sz+Blobsize+uint16(overreadSz)])
			} else {
				// No overread
				c.buff.Truncate(0)
			}

			c.handler.ReceiveDatagram(dg)
		} else {
			return
		}
	}
}

func (c *Client) processInput(len int, data []byte) {
	c.Lock()

	// Check if we have enough data for a single datagram
	if c.buff.Len() == 0 && len >= Blobsize {
		sz := binary.LittleEndian.Uint16(data[0:Blobsize])
		if sz == uint16(len-Blobsize) {
			// We have enough data for a full datagram; send it off
			dg := NewDatagram()
			dg.Write(data[Blobsize:])
			c.handler.ReceiveDatagram(dg)
			c.Unlock()
			return
		}
	}

	c.buff.Write(data)
	c.defragment()
	c.Unlock()
}

func (c *Client) read() {
	buff := make([]byte, BUFF_SIZE)
	if n, err := c.tr.Read(buff); err == nil {
		c.processInput(n, buff[0:n])
		c.read()
	} else {
		c.disconnect(err)
	}
}

func (c *Client) write() {
	for {
		select {
		case dg := <-c.queue:
			if _, err := c.tr.WriteDatagram(dg); err != nil {
				c.disconnect(err)
				return
			}

			writeTimer := time.NewTimer(c.timeout)
			select {
			case err := <-c.tr.Flush():
				writeTimer.Stop()
				if err != nil {
					c.disconnect(err)
					return
				}
			case <-writeTimer.C:
				c.disconnect(errors.New("write timeout"))
				return
			}
		case <-c.stop:
			return
		}
	}
}

// SendDatagram queues a length-prefixed datagram for delivery. It never
// blocks; an endpoint whose queue is full is disconnected.
func (c *Client) SendDatagram(datagram Datagram) {
	if !c.Connected() {
		return
	}
	dg := NewDatagram()
	dg.AddUint16(uint16(datagram.Len()))
	dg.Write(datagram.Bytes())

	select {
	case c.queue <- dg:
	default:
		c.disconnect(errors.New("outbound queue overflow"))
	}
}

func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	c.tr.Close()
}

func (c *Client) disconnect(err error) {
	c.stopOnce.Do(func() { close(c.stop) })
	c.Mutex.Lock()
	c.tr.Close()
	c.Mutex.Unlock()
	c.handler.Terminate(err)
}

func (c *Client) Local() bool {
	return true
}

func (c *Client) Connected() bool {
	return !c.tr.Closed()
}

func (c *Client) RemoteIP() string {
	return c.remote.IP.String()
}

func (c *Client) RemotePort() uint16 {
	return uint16(c.remote.Port)
}

func (c *Client) LocalIP() string {
	return c.local.IP.String()
}

func (c *Client) LocalPort() uint16 {
	return uint16(c.local.Port)
}

func (c *Client) Tlvs() []byte {
	return c.tlvs
}
