package net

import (
	"bufio"
	"net"
	"testing"
	"time"

	"shardgo/util"

	"github.com/stretchr/testify/require"
)

var server net.Conn
var client net.Conn
var socket *socketTransport

func TestSocketTransport_Write(t *testing.T) {
	dg := util.NewDatagram()
	dg.AddInt64(5)
	if _, err := socket.WriteDatagram(dg); err != nil {
		t.Error(err)
	}

	go func() {
		err := <-socket.Flush()
		if err != nil {
			t.Error(err)
		}
	}()

	reader := bufio.NewReaderSize(server, socketBuffSize)
	b, err := reader.ReadByte()
	if err != nil {
		t.Error(err)
	}
	require.EqualValues(t, 5, b)
}

func TestSocketTransport_Read(t *testing.T) {
	dg := util.NewDatagram()
	dg.AddInt64(5)

	writer := bufio.NewWriterSize(server, socketBuffSize)
	if _, err := writer.Write(dg.Bytes()); err != nil {
		t.Error(err)
	}

	go writer.Flush()
	buff := make([]byte, 1024)
	_, err := socket.Read(buff)
	if err != nil {
		t.Error(err)
	}

	require.EqualValues(t, 5, buff[0])
}

func TestSocketTransport_ReadDeadline(t *testing.T) {
	// Nothing written within the keepalive window.
	buff := make([]byte, 1024)
	_, err := socket.Read(buff)
	require.NotNil(t, err)
}

func TestSocketTransport_EOF(t *testing.T) {
	server.Close()
	buff := make([]byte, 1024)
	_, err := socket.Read(buff)
	require.NotNil(t, err)
}

func TestSocketTransport_Close(t *testing.T) {
	require.False(t, socket.Closed())
	require.NoError(t, socket.Close())
	require.True(t, socket.Closed())
	// Closing twice is a no-op.
	require.NoError(t, socket.Close())
}

func init() {
	server, client = net.Pipe()
	socket = &socketTransport{
		conn:      client,
		rw:        client,
		br:        bufio.NewReaderSize(client, socketBuffSize),
		bw:        bufio.NewWriterSize(client, socketBuffSize),
		keepAlive: 50 * time.Millisecond,
	}
}
