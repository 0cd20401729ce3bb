package clientagent

import (
	"errors"
	"fmt"
	gonet "net"
	"shardgo/core"
	"shardgo/eventlogger"
	"shardgo/messagedirector"
	"shardgo/net"
	"shardgo/schema"
	. "shardgo/util"
	"sync"
	"time"

	"github.com/apex/log"
)

type ClientState uint16

type DeclaredObject struct {
	do    Doid_t
	class *schema.Class
}

type OwnedObject struct {
	DeclaredObject
	parent Doid_t
	zone   Zone_t
}

type VisibleObject struct {
	DeclaredObject
	parent Doid_t
	zone   Zone_t
}

type Interest struct {
	id     uint16
	parent Doid_t
	zones  []Zone_t
}

func (i *Interest) hasZone(zone Zone_t) bool {
	for _, z := range i.zones {
		if z == zone {
			return true
		}
	}
	return false
}

type Client struct {
	sync.Mutex
	messagedirector.MDParticipantBase

	// Client properties
	config core.Role
	ca     *ClientAgent
	log    *log.Entry

	allocatedChannel Channel_t
	channel          Channel_t
	state            ClientState

	context uint32

	queue         []Datagram
	queueLock     sync.Mutex
	shouldProcess chan bool
	stopChan      chan bool

	seenObjects       []Doid_t
	sessionObjects    []Doid_t
	historicalObjects []Doid_t

	visibleObjects   map[Doid_t]VisibleObject
	declaredObjects  map[Doid_t]DeclaredObject
	ownedObjects     map[Doid_t]OwnedObject
	pendingObjects   map[Doid_t]uint32
	interests        map[uint16]Interest
	pendingInterests map[uint32]*InterestOperation
	sendableFields   map[Doid_t][]uint16

	conn   gonet.Conn
	client *net.Client
	lock   sync.Mutex

	cleanDisconnect bool
	destroyed       sync.Once
	heartbeat       *time.Ticker
	stopHeartbeat   chan bool
}

func NewClient(config core.Role, ca *ClientAgent, conn gonet.Conn) *Client {
	c := &Client{
		config:           config,
		ca:               ca,
		state:            CLIENT_STATE_NEW,
		queue:            []Datagram{},
		shouldProcess:    make(chan bool),
		stopChan:         make(chan bool, 1),
		visibleObjects:   map[Doid_t]VisibleObject{},
		declaredObjects:  map[Doid_t]DeclaredObject{},
		ownedObjects:     map[Doid_t]OwnedObject{},
		pendingObjects:   map[Doid_t]uint32{},
		interests:        map[uint16]Interest{},
		pendingInterests: map[uint32]*InterestOperation{},
		sendableFields:   map[Doid_t][]uint16{},
	}
	c.init(config, conn)
	c.Init(c)

	channel, err := ca.Allocate()
	if err != nil {
		c.log = log.WithFields(log.Fields{
			"name": fmt.Sprintf("Client (%s)", conn.RemoteAddr()),
		})
		c.sendDisconnect(CLIENT_DISCONNECT_GENERIC, "Client capacity reached", false)
		return nil
	}
	c.allocatedChannel = channel
	c.channel = channel

	c.log = log.WithFields(log.Fields{
		"name": fmt.Sprintf("Client (%d)", c.channel),
	})

	c.SubscribeChannel(c.channel)
	c.SubscribeChannel(BCHAN_CLIENTS)

	go c.queueLoop()

	return c
}

func (c *Client) sendDisconnect(reason uint16, message string, security bool) {
	var eventType string
	if security {
		c.log.Errorf("[SECURITY] Ejecting client (%d): %s", reason, message)
		eventType = "client-ejected-security"
	} else {
		c.log.Errorf("Ejecting client (%d): %s", reason, message)
		eventType = "client-ejected"
	}

	c.logEvent(eventType, fmt.Sprintf("%d|%s", reason, message))

	if c.client.Connected() {
		resp := NewDatagram()
		resp.AddUint16(CLIENT_GO_GET_LOST)
		resp.AddUint16(reason)
		resp.AddString(message)
		c.client.SendDatagram(resp)

		c.cleanDisconnect = true
		c.Terminate(errors.New(message))
	}
}

func (c *Client) logEvent(eventType string, description string) {
	event := eventlogger.NewLoggedEvent(eventType, "Client",
		fmt.Sprintf("%d", c.channel), description)
	event.Send()
}

func (c *Client) annihilate() {
	// annihilate can be reached both from the participant side (with
	// the participant mutex held) and from the socket side, so it
	// cannot take the mutex itself.
	c.destroyed.Do(func() {
		if c.allocatedChannel != INVALID_CHANNEL {
			c.ca.Tracker.free(c.allocatedChannel)
		}

		// Delete all session objects
		for len(c.sessionObjects) > 0 {
			var do Doid_t
			do, c.sessionObjects = c.sessionObjects[0], c.sessionObjects[1:]
			c.log.Debugf("Client exited, deleting session object ID=%d", do)
			dg := NewDatagram()
			dg.AddServerHeader(Channel_t(do), c.channel, STATESERVER_OBJECT_DELETE_RAM)
			dg.AddDoid(do)
			c.RouteDatagram(dg)
		}

		for _, iop := range c.pendingInterests {
			go iop.finish()
		}

		c.Cleanup()
	})
}

func (c *Client) lookupInterests(parent Doid_t, zone Zone_t) []Interest {
	var interests []Interest
	for _, i := range c.interests {
		if parent == i.parent && i.hasZone(zone) {
			interests = append(interests, i)
		}
	}
	return interests
}

func (c *Client) buildInterest(dgi *DatagramIterator, multiple bool) Interest {
	i := Interest{
		id:     dgi.ReadUint16(),
		parent: dgi.ReadDoid(),
	}

	count := uint16(1)
	if multiple {
		count = dgi.ReadUint16()
	}
	for n := uint16(0); n < count; n++ {
		i.zones = append(i.zones, dgi.ReadZone())
	}
	return i
}

func (c *Client) addInterest(i Interest, context uint32, caller Channel_t) {
	var zones []Zone_t

	for _, zone := range i.zones {
		if len(c.lookupInterests(i.parent, zone)) == 0 {
			zones = append(zones, zone)
		}
	}

	if prevInt, ok := c.interests[i.id]; ok {
		// This interest already exists, so it is being altered
		var killedZones []Zone_t

		for _, zone := range prevInt.zones {
			if len(c.lookupInterests(prevInt.parent, zone)) > 1 {
				// Another interest has this zone, so ignore it
				continue
			}

			if i.parent != prevInt.parent || !i.hasZone(zone) {
				killedZones = append(killedZones, zone)
			}
		}

		c.closeZones(prevInt.parent, killedZones)
	}
	c.interests[i.id] = i

	if len(zones) == 0 {
		// We aren't requesting any new zones, so the interest is
		// immediately complete.
		if caller != INVALID_CHANNEL {
			c.notifyInterestDone(i.id, []Channel_t{caller})
		}
		c.handleInterestDone(i.id, context)
		return
	}

	// Build an interest operation for the zone snapshot otherwise
	c.context++
	iop := NewInterestOperation(c, c.ca.interestTimeout, i.id,
		context, c.context, i.parent, zones, caller)
	c.pendingInterests[c.context] = iop

	resp := NewDatagram()
	resp.AddServerHeader(Channel_t(i.parent), c.channel, STATESERVER_OBJECT_GET_ZONES_OBJECTS)
	resp.AddUint32(c.context)
	resp.AddDoid(i.parent)
	resp.AddUint16(uint16(len(zones)))
	for _, zone := range zones {
		resp.AddZone(zone)
		c.SubscribeChannel(LocationAsChannel(i.parent, zone))
	}
	c.RouteDatagram(resp)
}

func (c *Client) removeInterest(i Interest, context uint32, caller Channel_t) {
	var zones []Zone_t

	// Leave zones open when another interest still covers them.
	for _, zone := range i.zones {
		if len(c.lookupInterests(i.parent, zone)) == 1 {
			zones = append(zones, zone)
		}
	}

	c.closeZones(i.parent, zones)
	if caller != INVALID_CHANNEL {
		c.notifyInterestDone(i.id, []Channel_t{caller})
	}
	c.handleInterestDone(i.id, context)

	delete(c.interests, i.id)
}

func (c *Client) closeZones(parent Doid_t, zones []Zone_t) {
	var toRemove []Doid_t

	for _, obj := range c.visibleObjects {
		if obj.parent != parent {
			// Object does not belong to the parent in question
			continue
		}

		for i := range zones {
			if zones[i] == obj.zone {
				for i := range c.sessionObjects {
					if c.sessionObjects[i] == obj.do {
						c.sendDisconnect(CLIENT_DISCONNECT_SESSION_OBJECT_DELETED,
							"A session object has unexpectedly left interest.", false)
						return
					}
				}

				c.handleRemoveObject(obj.do)
				for i, o := range c.seenObjects {
					if o == obj.do {
						c.seenObjects = append(c.seenObjects[:i], c.seenObjects[i+1:]...)
					}
				}
				toRemove = append(toRemove, obj.do)
			}
		}
	}

	for _, do := range toRemove {
		delete(c.visibleObjects, do)
	}

	for _, zone := range zones {
		c.UnsubscribeChannel(LocationAsChannel(parent, zone))
	}
}

func (c *Client) historicalObject(do Doid_t) bool {
	for i := range c.historicalObjects {
		if c.historicalObjects[i] == do {
			return true
		}
	}
	return false
}

func (c *Client) lookupObject(do Doid_t) *schema.Class {
	// Search UberDOGs
	for i := range core.Uberdogs {
		if core.Uberdogs[i].Id == do {
			return core.Uberdogs[i].Class
		}
	}

	// Check the object cache
	if obj, ok := c.ownedObjects[do]; ok {
		return obj.class
	}

	for i := range c.seenObjects {
		if c.seenObjects[i] == do {
			if obj, ok := c.visibleObjects[do]; ok {
				return obj.class
			}
		}
	}

	// Check declared objects
	if obj, ok := c.declaredObjects[do]; ok {
		return obj.class
	}

	// We don't know :(
	return nil
}

func (c *Client) tryQueuePending(do Doid_t, dg Datagram) bool {
	if context, ok := c.pendingObjects[do]; ok {
		if iop, ok := c.pendingInterests[context]; ok {
			iop.pendingQueue = append(iop.pendingQueue, dg)
			return true
		}
	}
	return false
}

func (c *Client) handleObjectEntrance(dgi *DatagramIterator, other bool) {
	do, parent, zone, classId := dgi.ReadDoid(), dgi.ReadDoid(), dgi.ReadZone(), dgi.ReadUint16()

	delete(c.pendingObjects, do)

	for i := range c.seenObjects {
		if c.seenObjects[i] == do {
			return
		}
	}

	if _, ok := c.ownedObjects[do]; ok {
		for i := range c.sessionObjects {
			if c.sessionObjects[i] == do {
				return
			}
		}
	}

	if _, ok := c.visibleObjects[do]; !ok {
		class, ok := core.Schema.Class(classId)
		if !ok {
			c.log.Errorf("Object %d entered with unknown class %d", do, classId)
			return
		}
		c.visibleObjects[do] = VisibleObject{
			DeclaredObject: DeclaredObject{
				do:    do,
				class: class,
			},
			parent: parent,
			zone:   zone,
		}
	}
	c.seenObjects = append(c.seenObjects, do)

	c.handleAddObject(do, parent, zone, classId, dgi, other)
}

func (c *Client) notifyInterestDone(interestId uint16, callers []Channel_t) {
	if len(callers) == 0 {
		return
	}

	resp := NewDatagram()
	resp.AddMultipleServerHeader(callers, c.channel, CLIENTAGENT_DONE_INTEREST_RESP)
	resp.AddChannel(c.channel)
	resp.AddUint16(interestId)
	c.RouteDatagram(resp)
}

func (c *Client) HandleDatagram(dg Datagram, dgi *DatagramIterator) {
	c.Lock()
	defer c.Unlock()

	sender := dgi.ReadChannel()
	msgType := dgi.ReadUint16()
	if sender == c.channel {
		return
	}

	switch msgType {
	case CLIENTAGENT_EJECT:
		reason, message := dgi.ReadUint16(), dgi.ReadString()
		c.sendDisconnect(reason, message, false)
	case CLIENTAGENT_DROP:
		c.lock.Lock()
		c.Terminate(errors.New("Dropped"))
		c.lock.Unlock()
	case CLIENTAGENT_SET_STATE:
		c.state = ClientState(dgi.ReadUint16())
	case CLIENTAGENT_ADD_INTEREST:
		c.context++
		i := c.buildInterest(dgi, false)
		c.handleAddInterest(i, c.context)
		c.addInterest(i, c.context, sender)
	case CLIENTAGENT_ADD_INTEREST_MULTIPLE:
		c.context++
		i := c.buildInterest(dgi, true)
		c.handleAddInterest(i, c.context)
		c.addInterest(i, c.context, sender)
	case CLIENTAGENT_REMOVE_INTEREST:
		id := dgi.ReadUint16()
		i, ok := c.interests[id]
		if !ok {
			c.log.Warnf("Received remove interest for unknown interest %d", id)
			return
		}
		c.context++
		c.handleRemoveInterest(id, c.context)
		c.removeInterest(i, c.context, sender)
	case CLIENTAGENT_SET_CLIENT_ID:
		c.SetChannel(dgi.ReadChannel())
	case CLIENTAGENT_SEND_DATAGRAM:
		c.client.SendDatagram(*dgi.ReadDatagram())
	case CLIENTAGENT_OPEN_CHANNEL:
		c.SubscribeChannel(dgi.ReadChannel())
	case CLIENTAGENT_CLOSE_CHANNEL:
		c.UnsubscribeChannel(dgi.ReadChannel())
	case CLIENTAGENT_ADD_POST_REMOVE:
		c.AddPostRemove(c.allocatedChannel, *dgi.ReadDatagram())
	case CLIENTAGENT_CLEAR_POST_REMOVES:
		c.ClearPostRemoves(c.allocatedChannel)
	case CLIENTAGENT_DECLARE_OBJECT:
		do, classId := dgi.ReadDoid(), dgi.ReadUint16()

		if _, ok := c.declaredObjects[do]; ok {
			c.log.Warnf("Received object declaration for previously declared object %d", do)
			return
		}

		class, ok := core.Schema.Class(classId)
		if !ok {
			c.log.Warnf("Received object declaration with unknown class %d", classId)
			return
		}
		c.declaredObjects[do] = DeclaredObject{
			do:    do,
			class: class,
		}
	case CLIENTAGENT_UNDECLARE_OBJECT:
		do := dgi.ReadDoid()

		if _, ok := c.declaredObjects[do]; !ok {
			c.log.Warnf("Received object de-declaration for undeclared object %d", do)
			return
		}

		delete(c.declaredObjects, do)
	case CLIENTAGENT_SET_FIELDS_SENDABLE:
		do, count := dgi.ReadDoid(), dgi.ReadUint16()

		var fields []uint16
		for n := uint16(0); n < count; n++ {
			fields = append(fields, dgi.ReadUint16())
		}
		c.sendableFields[do] = fields
	case CLIENTAGENT_ADD_SESSION_OBJECT:
		do := dgi.ReadDoid()
		for _, d := range c.sessionObjects {
			if d == do {
				c.log.Warnf("Received add session object with existing ID=%d", do)
				return
			}
		}

		c.log.Debugf("Added session object with ID %d", do)
		c.sessionObjects = append(c.sessionObjects, do)
	case CLIENTAGENT_REMOVE_SESSION_OBJECT:
		do := dgi.ReadDoid()
		found := false
		for _, d := range c.sessionObjects {
			if d == do {
				found = true
			}
		}
		if !found {
			c.log.Warnf("Received remove session object with non-existent ID=%d", do)
			return
		}

		c.log.Debugf("Removed session object with ID %d", do)
		for i, o := range c.sessionObjects {
			if o == do {
				c.sessionObjects = append(c.sessionObjects[:i], c.sessionObjects[i+1:]...)
			}
		}
	case CLIENTAGENT_GET_TLVS:
		resp := NewDatagram()
		resp.AddServerHeader(sender, c.channel, CLIENTAGENT_GET_TLVS_RESP)
		resp.AddUint32(dgi.ReadUint32())
		tlvs := c.client.Tlvs()
		resp.AddUint16(uint16(len(tlvs)))
		resp.AddData(tlvs)
		c.RouteDatagram(resp)
	case CLIENTAGENT_GET_NETWORK_ADDRESS:
		resp := NewDatagram()
		resp.AddServerHeader(sender, c.channel, CLIENTAGENT_GET_NETWORK_ADDRESS_RESP)
		resp.AddUint32(dgi.ReadUint32())
		resp.AddString(c.client.RemoteIP())
		resp.AddUint16(c.client.RemotePort())
		resp.AddString(c.client.LocalIP())
		resp.AddUint16(c.client.LocalPort())
		c.RouteDatagram(resp)
	case STATESERVER_OBJECT_UPDATE_FIELD:
		do := dgi.ReadDoid()
		if c.lookupObject(do) == nil {
			if c.tryQueuePending(do, dg) {
				return
			}
			c.log.Warnf("Received server-side field update for unknown object %d", do)
			return
		}

		field := dgi.ReadUint16()
		c.handleUpdateField(do, field, dgi)
	case STATESERVER_OBJECT_UPDATE_FIELD_MULTIPLE:
		do := dgi.ReadDoid()
		class := c.lookupObject(do)
		if class == nil {
			if c.tryQueuePending(do, dg) {
				return
			}
			c.log.Warnf("Received server-side multi-field update for unknown object %d", do)
			return
		}

		// The client wire carries one field per update message.
		count := dgi.ReadUint16()
		for n := uint16(0); n < count; n++ {
			fieldId := dgi.ReadUint16()
			field, ok := class.Field(fieldId)
			if !ok {
				c.log.Errorf("Multi-field update for %d contains unknown field %d", do, fieldId)
				return
			}
			value := field.ReadValue(dgi)

			resp := NewDatagram()
			resp.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
			resp.AddDoid(do)
			resp.AddUint16(fieldId)
			resp.AddData(value)
			c.client.SendDatagram(resp)
		}
	case STATESERVER_OBJECT_DELETE_RAM:
		do := dgi.ReadDoid()
		if c.lookupObject(do) == nil {
			if c.tryQueuePending(do, dg) {
				return
			}
			c.log.Warnf("Received server-side object delete for unknown object %d", do)
			return
		}

		for i, so := range c.sessionObjects {
			if so == do {
				c.sessionObjects = append(c.sessionObjects[:i], c.sessionObjects[i+1:]...)
				c.sendDisconnect(CLIENT_DISCONNECT_SESSION_OBJECT_DELETED,
					fmt.Sprintf("The session object with id %d has been unexpectedly deleted", do), false)
			}
		}

		for i, so := range c.seenObjects {
			if so == do {
				c.seenObjects = append(c.seenObjects[:i], c.seenObjects[i+1:]...)
				c.handleRemoveObject(do)
			}
		}

		if _, ok := c.ownedObjects[do]; ok {
			c.handleRemoveOwnership(do)
			delete(c.ownedObjects, do)
		}

		c.historicalObjects = append(c.historicalObjects, do)
		delete(c.visibleObjects, do)
	case STATESERVER_OBJECT_CHANGE_ZONE:
		do := dgi.ReadDoid()
		newParent, newZone := dgi.ReadDoid(), dgi.ReadZone()
		dgi.ReadDoid() // Old parent
		dgi.ReadZone() // Old zone

		obj, visible := c.visibleObjects[do]
		if !visible {
			if c.tryQueuePending(do, dg) {
				return
			}
			return
		}

		if len(c.lookupInterests(newParent, newZone)) > 0 {
			// Still visible through an interest; track the new location.
			obj.parent = newParent
			obj.zone = newZone
			c.visibleObjects[do] = obj
			return
		}

		// The object moved somewhere we cannot see.
		for i := range c.sessionObjects {
			if c.sessionObjects[i] == do {
				c.sendDisconnect(CLIENT_DISCONNECT_SESSION_OBJECT_DELETED,
					"A session object has unexpectedly left interest.", false)
				return
			}
		}

		for i, so := range c.seenObjects {
			if so == do {
				c.seenObjects = append(c.seenObjects[:i], c.seenObjects[i+1:]...)
				c.handleRemoveObject(do)
			}
		}
		c.historicalObjects = append(c.historicalObjects, do)
		delete(c.visibleObjects, do)
	case STATESERVER_OBJECT_ENTER_OWNER_RECV:
		do, parent, zone, classId := dgi.ReadDoid(), dgi.ReadDoid(), dgi.ReadZone(), dgi.ReadUint16()

		if _, ok := c.ownedObjects[do]; !ok {
			class, ok := core.Schema.Class(classId)
			if !ok {
				c.log.Errorf("Received ownership of object %d with unknown class %d", do, classId)
				return
			}
			c.ownedObjects[do] = OwnedObject{
				DeclaredObject: DeclaredObject{
					do:    do,
					class: class,
				},
				parent: parent,
				zone:   zone,
			}
		}

		c.handleAddOwnership(do, parent, zone, classId, dgi)
	case STATESERVER_OBJECT_CHANGE_OWNER_RECV:
		do := dgi.ReadDoid()
		newOwner := dgi.ReadChannel()
		dgi.ReadChannel() // Old owner

		if newOwner == c.channel {
			return
		}

		if _, ok := c.ownedObjects[do]; ok {
			c.handleRemoveOwnership(do)
			delete(c.ownedObjects, do)
		}
	case STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED:
		fallthrough
	case STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER:
		offset := dgi.Tell()
		do, parent, zone := dgi.ReadDoid(), dgi.ReadDoid(), dgi.ReadZone()
		for id, iop := range c.pendingInterests {
			if iop.parent == parent && iop.hasZone(zone) {
				iop.pendingQueue = append(iop.pendingQueue, dg)
				c.pendingObjects[do] = id
				return
			}
		}
		for _, i := range c.interests {
			if i.parent == parent && i.hasZone(zone) {
				dgi.Seek(offset)
				c.handleObjectEntrance(dgi, msgType == STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER)
				return
			}
		}
	case STATESERVER_OBJECT_GET_ZONE_COUNT_RESP:
		fallthrough
	case STATESERVER_OBJECT_GET_ZONES_COUNT_RESP:
		context := dgi.ReadUint32()
		if iop, ok := c.pendingInterests[context]; ok {
			total := dgi.ReadDoid()
			iop.setExpected(int(total))
		} else {
			c.log.Warnf("Got zone count for unknown interest: %d", context)
		}
	case STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED:
		fallthrough
	case STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER:
		context := dgi.ReadUint32()
		if iop, ok := c.pendingInterests[context]; ok {
			if !iop.finished {
				iop.generateQueue = append(iop.generateQueue, dg)
				if iop.ready() {
					go iop.finish()
				}
			} else {
				// Message arrived late, announce generate.
				c.handleObjectEntrance(dgi, msgType == STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER)
			}
		}
	default:
		c.log.Errorf("Received unknown server msgtype %d", msgType)
	}
}

type InterestOperation struct {
	hasTotal bool
	finished bool
	total    int

	timeout      *time.Ticker
	finishedChan chan bool

	client         *Client
	interestId     uint16
	clientContext  uint32
	requestContext uint32
	parent         Doid_t

	zones   []Zone_t
	callers []Channel_t

	generateQueue []Datagram
	pendingQueue  []Datagram
}

func NewInterestOperation(client *Client, timeout int, interestId uint16,
	clientContext uint32, requestContext uint32, parent Doid_t, zones []Zone_t, caller Channel_t) *InterestOperation {
	iop := &InterestOperation{
		client:         client,
		interestId:     interestId,
		clientContext:  clientContext,
		requestContext: requestContext,
		parent:         parent,
		zones:          zones,
		timeout:        time.NewTicker(time.Duration(timeout) * time.Millisecond),
		finishedChan:   make(chan bool),
		generateQueue:  []Datagram{},
		pendingQueue:   []Datagram{},
	}
	if caller != INVALID_CHANNEL {
		iop.callers = []Channel_t{caller}
	}

	// Timeout
	go func() {
		select {
		case <-iop.timeout.C:
			if !iop.finished {
				client.log.Warnf("Interest operation timed out; forcing finish.")
				iop.finish()
			}
		case <-iop.finishedChan:
			return
		}
	}()

	return iop
}

func (i *InterestOperation) hasZone(zone Zone_t) bool {
	for _, z := range i.zones {
		if z == zone {
			return true
		}
	}
	return false
}

func (i *InterestOperation) setExpected(total int) {
	if !i.hasTotal {
		i.total = total
		i.hasTotal = true
		if i.ready() {
			go i.finish()
		}
	}
}

func (i *InterestOperation) ready() bool {
	return i.hasTotal && len(i.generateQueue) >= i.total
}

func (i *InterestOperation) finish() {
	// We need to acquire our client's lock because we can't risk
	//  concurrent writes to pendingInterests
	i.client.Lock()
	defer i.client.Unlock()

	if i.finished {
		return
	}

	i.finished = true
	i.timeout.Stop()
	go func() {
		i.finishedChan <- true
	}()

	for _, generate := range i.generateQueue {
		dgi := NewDatagramIterator(&generate)
		dgi.SeekPayload()
		dgi.Skip(Chansize) // Skip sender

		msgType := dgi.ReadUint16()
		other := msgType == STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER

		dgi.Skip(Dgsize) // Skip request context
		i.client.handleObjectEntrance(dgi, other)
	}
	i.generateQueue = nil

	// Send out interest done messages
	i.client.notifyInterestDone(i.interestId, i.callers)
	i.client.handleInterestDone(i.interestId, i.clientContext)

	// Delete the IOP, then replay whatever arrived while the snapshot
	// was still in flight.
	delete(i.client.pendingInterests, i.requestContext)
	for _, dg := range i.pendingQueue {
		dgi := NewDatagramIterator(&dg)
		dgi.SeekPayload()
		i.client.Unlock()
		i.client.HandleDatagram(dg, dgi)
		i.client.Lock()
	}
	i.pendingQueue = nil
}

func (c *Client) init(config core.Role, conn gonet.Conn) {
	if config.Client.Heartbeat_Timeout != 0 {
		c.heartbeat = time.NewTicker(time.Duration(config.Client.Heartbeat_Timeout) * time.Second)
		c.stopHeartbeat = make(chan bool, 1)
		go c.startHeartbeat()
	}

	c.conn = conn
	socket := net.NewSocketTransport(conn,
		time.Duration(config.Client.Keepalive)*time.Second, config.Client.Write_Buffer_Size)
	c.client = net.NewClient(socket, c, 5*time.Second, core.MaxQueueSize())

	if !c.client.Local() {
		event := eventlogger.NewLoggedEvent("client-connected", "ClientAgent",
			conn.RemoteAddr().String(),
			fmt.Sprintf("local=%s", conn.LocalAddr().String()))
		event.Send()
	}
}

func (c *Client) startHeartbeat() {
	// The ticker is replaced each time a heartbeat arrives, so a tick
	// means the client went quiet for the whole window.
	select {
	case <-c.heartbeat.C:
		// Time to disconnect!
		c.lock.Lock()
		c.sendDisconnect(CLIENT_DISCONNECT_NO_HEARTBEAT, "Server timed out while waiting for heartbeat.", false)
		c.lock.Unlock()
	case <-c.stopHeartbeat:
		return
	}
}

func (c *Client) Terminate(err error) {
	if !c.cleanDisconnect && !c.client.Local() {
		c.logEvent("client-lost", err.Error())
	}

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	// (Sending to these channels from ReceiveDatagram or startHeartbeat
	// will deadlock, starting a separate goroutine fixes this.)
	go func() {
		// Stop the queue goroutine
		c.stopChan <- true
		// Stop the heartbeat goroutine
		if c.stopHeartbeat != nil {
			c.stopHeartbeat <- true
		}
	}()
	c.annihilate()

	c.client.Close()
}

func (c *Client) ReceiveDatagram(dg Datagram) {
	c.queueLock.Lock()
	c.queue = append(c.queue, dg)
	c.queueLock.Unlock()

	select {
	case c.shouldProcess <- true:
	default:
	}
}

func (c *Client) getDatagramFromQueue() Datagram {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	dg := c.queue[0]
	c.queue = c.queue[1:]
	return dg
}

func (c *Client) queueLoop() {
	for {
		select {
		case <-c.shouldProcess:
			for len(c.queue) > 0 {
				dg := c.getDatagramFromQueue()

				c.lock.Lock()
				dgi := NewDatagramIterator(&dg)
				c.receiveFromClient(dgi)
				if c.client.Connected() && dgi.RemainingSize() != 0 {
					c.sendDisconnect(CLIENT_DISCONNECT_OVERSIZED_DATAGRAM, "Datagram contains excess data.", true)
				}
				c.lock.Unlock()
			}
		case <-c.stopChan:
			return
		case <-core.StopChan:
			return
		}
	}
}

// receiveFromClient dispatches one datagram from the game client's
// socket. Iterator overruns eject the client rather than crash the
// agent.
func (c *Client) receiveFromClient(dgi *DatagramIterator) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(DatagramIteratorEOF); ok {
				c.sendDisconnect(CLIENT_DISCONNECT_TRUNCATED_DATAGRAM, "Datagram unexpectedly ended while iterating.", false)
				return
			}
			panic(r)
		}
	}()

	msgType := dgi.ReadUint16()

	if c.state == CLIENT_STATE_NEW {
		if msgType != CLIENT_HELLO {
			c.sendDisconnect(CLIENT_DISCONNECT_NO_HELLO, "First message was not a session handshake.", true)
			return
		}
		c.handleHello(dgi)
		return
	}

	switch msgType {
	case CLIENT_HELLO:
		c.sendDisconnect(CLIENT_DISCONNECT_INVALID_MSGTYPE, "Session handshake already completed.", true)
	case CLIENT_DISCONNECT:
		c.cleanDisconnect = true
		c.Terminate(errors.New("Client requested disconnect"))
	case CLIENT_HEARTBEAT:
		c.handleHeartbeat()
	case CLIENT_OBJECT_UPDATE_FIELD:
		do, field := dgi.ReadDoid(), dgi.ReadUint16()
		c.handleClientUpdateField(do, field, dgi)
	case CLIENT_ADD_INTEREST:
		c.handleClientAddInterest(dgi, false)
	case CLIENT_ADD_INTEREST_MULTIPLE:
		c.handleClientAddInterest(dgi, true)
	case CLIENT_REMOVE_INTEREST:
		c.handleClientRemoveInterest(dgi)
	default:
		c.sendDisconnect(CLIENT_DISCONNECT_INVALID_MSGTYPE,
			fmt.Sprintf("Client sent invalid message type %d", msgType), true)
	}
}

func (c *Client) handleHello(dgi *DatagramIterator) {
	version := dgi.ReadString()
	if version != c.config.Version {
		c.sendDisconnect(CLIENT_DISCONNECT_BAD_VERSION,
			fmt.Sprintf("Client version mismatch: client=%s, server=%s", version, c.config.Version), false)
		return
	}

	resp := NewDatagram()
	resp.AddUint16(CLIENT_HELLO_RESP)
	c.client.SendDatagram(resp)

	c.state = CLIENT_STATE_ANONYMOUS
}

func (c *Client) handleHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Reset(time.Duration(c.config.Client.Heartbeat_Timeout) * time.Second)
	}
}

func (c *Client) handleClientAddInterest(dgi *DatagramIterator, multiple bool) {
	if c.state != CLIENT_STATE_ESTABLISHED {
		c.sendDisconnect(CLIENT_DISCONNECT_ANONYMOUS_VIOLATION,
			"Client attempted to open an interest while not established.", true)
		return
	}

	context := dgi.ReadUint32()
	i := c.buildInterest(dgi, multiple)

	c.Lock()
	defer c.Unlock()
	c.addInterest(i, context, INVALID_CHANNEL)
}

func (c *Client) handleClientRemoveInterest(dgi *DatagramIterator) {
	if c.state != CLIENT_STATE_ESTABLISHED {
		c.sendDisconnect(CLIENT_DISCONNECT_ANONYMOUS_VIOLATION,
			"Client attempted to remove an interest while not established.", true)
		return
	}

	context := dgi.ReadUint32()
	id := dgi.ReadUint16()

	c.Lock()
	defer c.Unlock()
	i, ok := c.interests[id]
	if !ok {
		c.sendDisconnect(CLIENT_DISCONNECT_GENERIC,
			fmt.Sprintf("Attempted to remove unknown interest %d", id), true)
		return
	}
	c.removeInterest(i, context, INVALID_CHANNEL)
}

func (c *Client) isFieldSendable(do Doid_t, field *schema.Field) bool {
	if _, ok := c.ownedObjects[do]; ok && field.Ownsend {
		return true
	} else if fields, ok := c.sendableFields[do]; ok {
		for _, v := range fields {
			if v == field.Id {
				return true
			}
		}
	}

	return field.Clsend
}

func (c *Client) handleClientUpdateField(do Doid_t, fieldId uint16, dgi *DatagramIterator) {
	c.Lock()
	defer c.Unlock()

	class := c.lookupObject(do)
	if class == nil {
		if c.historicalObject(do) {
			// Squelch updates for objects that just left.
			return
		}
		c.sendDisconnect(CLIENT_DISCONNECT_MISSING_OBJECT,
			fmt.Sprintf("Attempted to send field update to unknown object: %d", do), true)
		return
	}

	if c.state == CLIENT_STATE_ANONYMOUS {
		anonymous := false
		for i := range core.Uberdogs {
			if core.Uberdogs[i].Id == do && core.Uberdogs[i].Anonymous {
				anonymous = true
			}
		}
		if !anonymous {
			c.sendDisconnect(CLIENT_DISCONNECT_ANONYMOUS_VIOLATION,
				"Attempted to update a non-anonymous object while unauthenticated.", true)
			return
		}
	}

	field, ok := class.Field(fieldId)
	if !ok {
		c.sendDisconnect(CLIENT_DISCONNECT_FORBIDDEN_FIELD,
			fmt.Sprintf("Attempted to send field update to %s(%d) with unknown field: %d", class.Name, do, fieldId), true)
		return
	}

	if !c.isFieldSendable(do, field) {
		c.sendDisconnect(CLIENT_DISCONNECT_FORBIDDEN_FIELD,
			fmt.Sprintf("Attempted to send unsendable field %s", field.Name), true)
		return
	}

	value := field.ReadValue(dgi)

	c.log.Debugf("Got client \"%s\" update for object %s(%d)", field.Name, class.Name, do)

	// Send the message over to the object.
	dg := NewDatagram()
	dg.AddServerHeader(Channel_t(do), c.channel, STATESERVER_OBJECT_UPDATE_FIELD)
	dg.AddDoid(do)
	dg.AddUint16(fieldId)
	dg.AddData(value)

	c.RouteDatagram(dg)
}

func (c *Client) handleAddOwnership(do Doid_t, parent Doid_t, zone Zone_t, classId uint16, dgi *DatagramIterator) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_CREATE_OBJECT_REQUIRED_OTHER_OWNER)
	resp.AddLocation(parent, zone)
	resp.AddUint16(classId)
	resp.AddDoid(do)
	resp.AddData(dgi.ReadRemainder())
	c.client.SendDatagram(resp)
}

func (c *Client) handleRemoveOwnership(do Doid_t) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_OBJECT_DISABLE_OWNER)
	resp.AddDoid(do)
	c.client.SendDatagram(resp)
}

func (c *Client) handleUpdateField(do Doid_t, field uint16, dgi *DatagramIterator) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	resp.AddDoid(do)
	resp.AddUint16(field)
	resp.AddData(dgi.ReadRemainder())
	c.client.SendDatagram(resp)
}

func (c *Client) handleRemoveInterest(id uint16, context uint32) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_REMOVE_INTEREST)
	resp.AddUint16(id)
	resp.AddUint32(context)
	c.client.SendDatagram(resp)
}

func (c *Client) handleAddInterest(i Interest, context uint32) {
	msgType := uint16(CLIENT_ADD_INTEREST)
	if len(i.zones) > 1 {
		msgType = uint16(CLIENT_ADD_INTEREST_MULTIPLE)
	}

	resp := NewDatagram()
	resp.AddUint16(msgType)
	resp.AddUint32(context)
	resp.AddUint16(i.id)
	resp.AddDoid(i.parent)
	if len(i.zones) > 1 {
		resp.AddUint16(uint16(len(i.zones)))
	}
	for _, zone := range i.zones {
		resp.AddZone(zone)
	}
	c.client.SendDatagram(resp)
}

func (c *Client) handleRemoveObject(do Doid_t) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_OBJECT_DELETE)
	resp.AddDoid(do)
	c.client.SendDatagram(resp)
}

func (c *Client) handleAddObject(do Doid_t, parent Doid_t, zone Zone_t, classId uint16, dgi *DatagramIterator, other bool) {
	msgType := uint16(CLIENT_CREATE_OBJECT_REQUIRED)
	if other {
		msgType = uint16(CLIENT_CREATE_OBJECT_REQUIRED_OTHER)
	}

	resp := NewDatagram()
	resp.AddUint16(msgType)
	resp.AddLocation(parent, zone)
	resp.AddUint16(classId)
	resp.AddDoid(do)
	resp.AddData(dgi.ReadRemainder())
	c.client.SendDatagram(resp)
}

func (c *Client) handleInterestDone(interestId uint16, context uint32) {
	resp := NewDatagram()
	resp.AddUint16(CLIENT_DONE_INTEREST_RESP)
	resp.AddUint16(interestId)
	resp.AddUint32(context)
	c.client.SendDatagram(resp)
}

func (c *Client) SetChannel(channel Channel_t) {
	if c.channel == channel {
		return
	}
	if c.channel != c.allocatedChannel {
		c.UnsubscribeChannel(c.channel)
	}
	c.channel = channel
	c.SubscribeChannel(channel)
}
