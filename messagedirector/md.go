package messagedirector

import (
	"fmt"
	gonet "net"
	"os"
	"os/signal"
	"sync"

	"shardgo/core"
	"shardgo/net"
	. "shardgo/util"

	"github.com/apex/log"
)

// Maximum number of datagrams that can be waiting in the routing queue.
const QUEUE_MAX = ^uint16(0)

var MDLog *log.Entry
var MD *MessageDirector

type QueueEntry struct {
	dg     Datagram
	sender MDParticipant
}

type MessageDirector struct {
	sync.Mutex
	net.Server
	net.NetworkServer

	// Connections within the context of the MessageDirector are represented as
	// participants; however, clients and objects on the SS may function as participants
	// as well. The MD will keep track of them and what channels they subscribe and route data to them.
	participants []MDParticipant

	// Participants queue datagrams to be routed here. A single goroutine
	// drains the queue, so two datagrams routed by the same participant
	// always reach their common subscribers in the order they were routed.
	Queue chan QueueEntry

	// If an MD is configurated to be upstream, it will connect to the downstream MD and route channelmap
	// events through it. Clients subscribing to channels that reside in other parts of the network will
	// receive updates for them through the downstream MD.
	upstream *MDUpstream
}

func init() {
	MDLog = log.WithFields(log.Fields{
		"name": "MD",
	})
}

func Start() {
	MD = &MessageDirector{}
	MD.Queue = make(chan QueueEntry, QUEUE_MAX)
	MD.participants = make([]MDParticipant, 0)
	MD.Handler = MD

	channelMap = &ChannelMap{}
	channelMap.init()

	bindAddr := core.Config.MessageDirector.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1:7199"
	}

	connectAddr := core.Config.MessageDirector.Connect
	if connectAddr != "" {
		MD.upstream = NewMDUpstream(MD, connectAddr)
	}

	errChan := make(chan error)
	go func() {
		err := <-errChan
		switch err {
		case nil:
			MDLog.Info(fmt.Sprintf("Opened listening socket at %s", bindAddr))
		default:
			MDLog.Fatal(err.Error())
		}
	}()
	go MD.queueLoop()
	go MD.Start(bindAddr, errChan, false)
}

func (m *MessageDirector) queueLoop() {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt)

	for {
		select {
		case entry := <-m.Queue:
			m.route(entry)
		case <-signalCh:
			return
		case <-core.StopChan:
			return
		}
	}
}

func (m *MessageDirector) route(entry QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(DatagramIteratorEOF); ok {
				MDLog.Error("Reached end of datagram while routing")
			} else {
				panic(r)
			}
		}
	}()

	// Iterate the datagram for receivers
	var receivers []Channel_t
	dgi := NewDatagramIterator(&entry.dg)
	chanCount := dgi.ReadUint8()
	for n := 0; uint8(n) < chanCount; n++ {
		receivers = append(receivers, dgi.ReadChannel())
	}

	// Send payload datagram to every available receiver
	seekDgi := NewDatagramIterator(&entry.dg)
	seekDgi.Seek(dgi.Tell())
	mdDg := &MDDatagram{dg: seekDgi, sender: entry.sender}
	for _, recv := range receivers {
		channelMap.Send(recv, mdDg)
	}

	// Send message upstream if necessary
	if entry.sender != nil && m.upstream != nil {
		m.upstream.HandleDatagram(entry.dg, nil)
	}
}

// AddChannel and similar functions subscribe an upstream MD to events that may occur downstream regarding
// objects that exist in the upstream's channel map.
func (m *MessageDirector) AddChannel(ch Channel_t) {
	if m.upstream != nil {
		m.upstream.SubscribeChannel(ch)
	}
}

func (m *MessageDirector) RemoveChannel(ch Channel_t) {
	if m.upstream != nil {
		m.upstream.UnsubscribeChannel(ch)
	}
}

func (m *MessageDirector) AddRange(lo Channel_t, hi Channel_t) {
	if m.upstream != nil {
		m.upstream.SubscribeRange(lo, hi)
	}
}

func (m *MessageDirector) RemoveRange(lo Channel_t, hi Channel_t) {
	if m.upstream != nil {
		m.upstream.UnsubscribeRange(lo, hi)
	}
}

func (m *MessageDirector) HandleConnect(conn gonet.Conn) {
	MDLog.Infof("Incoming connection from %s", conn.RemoteAddr())
	NewMDParticipant(conn)
}

func (m *MessageDirector) PreroutePostRemove(sender Channel_t, pr Datagram) {
	if m.upstream != nil {
		dg := NewDatagram()
		dg.AddControlHeader(CONTROL_ADD_POST_REMOVE)
		dg.AddChannel(sender)
		dg.AddBlob(&pr)
		m.upstream.HandleDatagram(dg, nil)
	}
}

func (m *MessageDirector) RecallPostRemoves(sender Channel_t) {
	if m.upstream != nil {
		dg := NewDatagram()
		dg.AddControlHeader(CONTROL_CLEAR_POST_REMOVES)
		dg.AddChannel(sender)
		m.upstream.HandleDatagram(dg, nil)
	}
}

func (m *MessageDirector) RemoveParticipant(p MDParticipant) {
	m.Lock()
	for n, participant := range MD.participants {
		if participant == p {
			MD.participants = append(MD.participants[:n], MD.participants[n+1:]...)
		}
	}
	m.Unlock()
}
