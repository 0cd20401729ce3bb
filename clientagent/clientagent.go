package clientagent

import (
	"errors"
	"fmt"
	gonet "net"
	"shardgo/core"
	"shardgo/messagedirector"
	"shardgo/net"
	. "shardgo/util"
	"sync"

	"github.com/apex/log"
)

// ChannelTracker hands out session channels from the configured
// [min, max] range, recycling freed channels before reporting the
// range exhausted.
type ChannelTracker struct {
	sync.Mutex

	next   Channel_t
	max    Channel_t
	unused []Channel_t
	log    *log.Entry
}

var errChannelsExhausted = errors.New("no more session channels available")

func NewChannelTracker(min Channel_t, max Channel_t, log *log.Entry) *ChannelTracker {
	return &ChannelTracker{next: min, max: max, log: log}
}

func (c *ChannelTracker) alloc() (Channel_t, error) {
	c.Lock()
	defer c.Unlock()

	if c.next <= c.max {
		ch := c.next
		c.next++
		return ch, nil
	}
	if len(c.unused) != 0 {
		var ch Channel_t
		ch, c.unused = c.unused[0], c.unused[1:]
		return ch, nil
	}
	c.log.Error("Session channel range exhausted.")
	return INVALID_CHANNEL, errChannelsExhausted
}

func (c *ChannelTracker) free(ch Channel_t) {
	c.Lock()
	defer c.Unlock()
	c.unused = append(c.unused, ch)
}

type ClientAgent struct {
	net.NetworkServer
	sync.Mutex

	Tracker *ChannelTracker
	config  core.Role
	log     *log.Entry

	rng             messagedirector.Range
	interestTimeout int
	database        Channel_t
}

func NewClientAgent(config core.Role) *ClientAgent {
	ca := &ClientAgent{
		config:   config,
		database: config.Database,
		log: log.WithFields(log.Fields{
			"name":    fmt.Sprintf("ClientAgent (%s)", config.Bind),
			"modName": "ClientAgent",
		}),
	}
	ca.Tracker = NewChannelTracker(config.Channels.Min, config.Channels.Max, ca.log)

	ca.rng = messagedirector.Range{Min: config.Channels.Min, Max: config.Channels.Max}
	if ca.rng.Size() == 0 {
		ca.log.Fatal("Failed to instantiate CA: invalid channel range")
		return nil
	}

	if ca.config.Tuning.Interest_Timeout == 0 {
		// Milliseconds
		ca.config.Tuning.Interest_Timeout = 500
	}
	ca.interestTimeout = ca.config.Tuning.Interest_Timeout

	ca.Handler = ca
	errChan := make(chan error)
	go func() {
		err := <-errChan
		switch err {
		case nil:
			ca.log.Infof("Opened listening socket at %s", config.Bind)
		default:
			ca.log.Fatal(err.Error())
		}
	}()
	go ca.Start(config.Bind, errChan, config.Proxy)
	return ca
}

func (c *ClientAgent) HandleConnect(conn gonet.Conn) {
	c.log.Debugf("Incoming connection from %s", conn.RemoteAddr())
	NewClient(c.config, c, conn)
}

func (c *ClientAgent) Allocate() (Channel_t, error) {
	return c.Tracker.alloc()
}
