// Original code derived from https://github.com/ortuman/jackal

package net

import (
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"shardgo/core"

	proxyproto "github.com/pires/go-proxyproto"
)

// Server receives accepted connections from a NetworkServer, e.g. a
// client agent session listener or the message director.
type Server interface {
	HandleConnect(net.Conn)
}

// NetworkServer accepts connections on a bind address and hands them
// to its Handler.
type NetworkServer struct {
	Handler Server

	keepAlive time.Duration
	ln        net.Listener
	listening uint32
}

func (s *NetworkServer) Start(bindAddr string, errChan chan error, useProxyProto bool) {
	if err := s.listenConn(bindAddr, errChan, useProxyProto); err != nil {
		errChan <- err
	}
}

func (s *NetworkServer) Shutdown() error {
	if atomic.CompareAndSwapUint32(&s.listening, 1, 0) {
		if err := s.ln.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *NetworkServer) listenConn(address string, errChan chan error, useProxyProto bool) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	if useProxyProto {
		s.ln = &proxyproto.Listener{Listener: ln, Policy: func(upstream net.Addr) (proxyproto.Policy, error) {
			// Connections without a PROXY header are refused.
			return proxyproto.REQUIRE, nil
		}}
	} else {
		s.ln = ln
	}

	errChan <- nil
	s.handleInterrupts()
	atomic.StoreUint32(&s.listening, 1)
	for atomic.LoadUint32(&s.listening) == 1 {
		conn, err := s.ln.Accept()
		if err != nil {
			// Accept fails permanently once the listener closes.
			break
		}
		s.Handler.HandleConnect(conn)
	}
	return nil
}

func (s *NetworkServer) handleInterrupts() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			s.Shutdown()
		case <-core.StopChan:
			s.Shutdown()
		}
	}()
}

func (s *NetworkServer) Listening() uint32 {
	return atomic.LoadUint32(&s.listening)
}
