package clientagent

import (
	"fmt"
	"os"
	"shardgo/core"
	"shardgo/messagedirector"
	. "shardgo/test"
	. "shardgo/util"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/tj/assert"
)

const testVersion = "gameserver-test 1.0"

func connectServer(ch Channel_t) *TestChannelConnection {
	conn := (&TestChannelConnection{}).Create("127.0.0.1:57124", fmt.Sprintf("Channel (%d)", ch), ch)
	conn.Timeout = 100
	time.Sleep(50 * time.Millisecond)
	return conn
}

func connectClient(t *testing.T, addr string) *TestMDConnection {
	conn := (&TestMDConnection{}).Connect(addr, "Client")
	conn.Timeout = 100

	hello := NewDatagram()
	hello.AddUint16(CLIENT_HELLO)
	hello.AddString(testVersion)
	conn.SendDatagram(hello)

	resp := NewDatagram()
	resp.AddUint16(CLIENT_HELLO_RESP)
	conn.Expect(t, resp, true)
	return conn
}

func expectEject(t *testing.T, conn *TestMDConnection, reason uint16) {
	recv := conn.ReceiveMaybe()
	if recv == nil {
		t.Errorf("Expected client eject (%d), but received nothing", reason)
		return
	}

	dgi := (&TestDatagram{}).Set(recv)
	assert.Equal(t, uint16(CLIENT_GO_GET_LOST), dgi.ReadUint16())
	assert.Equal(t, reason, dgi.ReadUint16())
}

// discoverChannel learns the session channel the agent allocated for
// a client by watching an anonymous UberDOG update arrive on the bus.
func discoverChannel(t *testing.T, client *TestMDConnection, observer *TestChannelConnection) Channel_t {
	update := NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(1234)
	update.AddUint16(Request)
	update.AddString("ping")
	client.SendDatagram(update)

	recv := observer.ReceiveMaybe()
	if recv == nil {
		t.Fatal("UberDOG update never reached the bus")
	}
	dgi := (&TestDatagram{}).Set(recv)
	dgi.Seek(0)
	dgi.Channels()
	return dgi.ReadChannel()
}

func establish(server *TestChannelConnection, ch Channel_t) {
	dg := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_SET_STATE)
	dg.AddUint16(CLIENT_STATE_ESTABLISHED)
	server.SendDatagram(*dg)
	time.Sleep(50 * time.Millisecond)
}

func TestMain(m *testing.M) {
	log.SetLevel(log.DebugLevel)

	StartDaemon(core.ServerConfig{
		MessageDirector: core.MDConfig{Bind: "127.0.0.1:57124"},
		General: struct {
			Eventlogger  string
			Schema_Files []string
		}{Eventlogger: "", Schema_Files: []string{"../test/test.yaml"}},
	})
	if err := core.LoadSchema(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	messagedirector.Start()
	time.Sleep(100 * time.Millisecond)

	ud1, _ := core.Schema.ClassByName("UberDog1")
	ud2, _ := core.Schema.ClassByName("UberDog2")
	core.Uberdogs = append(core.Uberdogs,
		core.Uberdog{Id: 1234, Class: ud1, Anonymous: true},
		core.Uberdog{Id: 1235, Class: ud2},
	)

	role := core.Role{Bind: "127.0.0.1:57125", Version: testVersion}
	role.Channels.Min = 110000000
	role.Channels.Max = 110001000
	role.Tuning.Interest_Timeout = 300
	role.Client.Keepalive = 30
	NewClientAgent(role)

	heartbeatRole := core.Role{Bind: "127.0.0.1:57126", Version: testVersion}
	heartbeatRole.Channels.Min = 115000000
	heartbeatRole.Channels.Max = 115001000
	heartbeatRole.Client.Heartbeat_Timeout = 1
	heartbeatRole.Client.Keepalive = 30
	NewClientAgent(heartbeatRole)

	tinyRole := core.Role{Bind: "127.0.0.1:57127", Version: testVersion}
	tinyRole.Channels.Min = 120000000
	tinyRole.Channels.Max = 120000000
	tinyRole.Client.Keepalive = 30
	NewClientAgent(tinyRole)

	time.Sleep(100 * time.Millisecond)
	os.Exit(m.Run())
}

func TestClientAgent_Handshake(t *testing.T) {
	// Anything before the handshake gets the client thrown out
	conn := (&TestMDConnection{}).Connect("127.0.0.1:57125", "pre-hello")
	conn.Timeout = 100
	dg := NewDatagram()
	dg.AddUint16(CLIENT_HEARTBEAT)
	conn.SendDatagram(dg)
	expectEject(t, conn, CLIENT_DISCONNECT_NO_HELLO)
	conn.Close()

	// A version mismatch is rejected
	conn = (&TestMDConnection{}).Connect("127.0.0.1:57125", "bad-version")
	conn.Timeout = 100
	dg = NewDatagram()
	dg.AddUint16(CLIENT_HELLO)
	dg.AddString("some ancient build")
	conn.SendDatagram(dg)
	expectEject(t, conn, CLIENT_DISCONNECT_BAD_VERSION)
	conn.Close()

	// A matching version is greeted
	client := connectClient(t, "127.0.0.1:57125")

	// Greeting twice is not a thing
	dg = NewDatagram()
	dg.AddUint16(CLIENT_HELLO)
	dg.AddString(testVersion)
	client.SendDatagram(dg)
	expectEject(t, client, CLIENT_DISCONNECT_INVALID_MSGTYPE)
	client.Close()
}

func TestClientAgent_AnonymousUpdates(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ud2 := connectServer(1235)
	defer ud2.Close()

	// An anonymous client may talk to an anonymous UberDOG...
	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()

	update := NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(1234)
	update.AddUint16(Request)
	update.AddString("login please")
	client.SendDatagram(update)

	recv := ud1.ReceiveMaybe()
	if recv == nil {
		t.Fatal("UberDOG never received the anonymous update")
	}
	dgi := (&TestDatagram{}).Set(recv)
	ok, why := dgi.MatchesHeader([]Channel_t{1234}, dgi.Sender(), STATESERVER_OBJECT_UPDATE_FIELD, -1)
	assert.True(t, ok, why)
	dgi.SeekPayload()
	dgi.ReadChannel()
	dgi.ReadUint16()
	assert.Equal(t, Doid_t(1234), dgi.ReadDoid())
	assert.Equal(t, uint16(Request), dgi.ReadUint16())
	assert.Equal(t, "login please", dgi.ReadString())

	// ...but not to anything else
	other := connectClient(t, "127.0.0.1:57125")
	update = NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(1235)
	update.AddUint16(Foo)
	update.AddUint8(1)
	other.SendDatagram(update)
	expectEject(t, other, CLIENT_DISCONNECT_ANONYMOUS_VIOLATION)
	ud2.ExpectNone(t)
	other.Close()

	// Updates to objects the client has never heard of are a security issue
	third := connectClient(t, "127.0.0.1:57125")
	update = NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(99999)
	update.AddUint16(SetB1)
	update.AddUint8(1)
	third.SendDatagram(update)
	expectEject(t, third, CLIENT_DISCONNECT_MISSING_OBJECT)
	third.Close()
}

func TestClientAgent_MalformedDatagrams(t *testing.T) {
	// Excess bytes after a complete message are a security eject
	client := connectClient(t, "127.0.0.1:57125")
	dg := NewDatagram()
	dg.AddUint16(CLIENT_HEARTBEAT)
	dg.AddUint8(0xFF)
	client.SendDatagram(dg)
	expectEject(t, client, CLIENT_DISCONNECT_OVERSIZED_DATAGRAM)
	client.Close()

	// A message that ends mid-read is a truncation eject
	client = connectClient(t, "127.0.0.1:57125")
	dg = NewDatagram()
	dg.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	dg.AddUint16(5)
	client.SendDatagram(dg)
	expectEject(t, client, CLIENT_DISCONNECT_TRUNCATED_DATAGRAM)
	client.Close()
}

func TestClientAgent_Interest(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(5000)
	ss.AddChannel(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)
	establish(ss, ch)

	// Client opens an interest in (5000, 1500)
	dg := NewDatagram()
	dg.AddUint16(CLIENT_ADD_INTEREST)
	dg.AddUint32(44)
	dg.AddUint16(5)
	dg.AddDoid(5000)
	dg.AddZone(1500)
	client.SendDatagram(dg)

	// The parent is asked for a zone snapshot
	recv := ss.ReceiveMaybe()
	if recv == nil {
		t.Fatal("Parent never received the zone objects query")
	}
	dgi := (&TestDatagram{}).Set(recv)
	ok, why := dgi.MatchesHeader([]Channel_t{5000}, ch, STATESERVER_OBJECT_GET_ZONES_OBJECTS, -1)
	assert.True(t, ok, why)
	dgi.SeekPayload()
	dgi.ReadChannel()
	dgi.ReadUint16()
	ssContext := dgi.ReadUint32()
	assert.Equal(t, Doid_t(5000), dgi.ReadDoid())
	assert.Equal(t, uint16(1), dgi.ReadUint16())
	assert.Equal(t, Zone_t(1500), dgi.ReadZone())

	// One object lives there
	count := (&TestDatagram{}).Create([]Channel_t{ch}, 5000, STATESERVER_OBJECT_GET_ZONES_COUNT_RESP)
	count.AddUint32(ssContext)
	count.AddDoid(1)
	ss.SendDatagram(*count)

	entry := (&TestDatagram{}).Create([]Channel_t{ch}, 90000, STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED)
	entry.AddUint32(ssContext)
	entry.AddDoid(90000)
	entry.AddDoid(5000)
	entry.AddZone(1500)
	entry.AddUint16(DistributedTestObject1)
	entry.AddUint32(0xDEADBEEF)
	ss.SendDatagram(*entry)

	// The client sees the object, then the interest completes
	client.Timeout = 1000
	expected := NewDatagram()
	expected.AddUint16(CLIENT_CREATE_OBJECT_REQUIRED)
	expected.AddLocation(5000, 1500)
	expected.AddUint16(DistributedTestObject1)
	expected.AddDoid(90000)
	expected.AddUint32(0xDEADBEEF)
	client.Expect(t, expected, true)

	done := NewDatagram()
	done.AddUint16(CLIENT_DONE_INTEREST_RESP)
	done.AddUint16(5)
	done.AddUint32(44)
	client.Expect(t, done, true)
	client.Timeout = 100

	// Broadcasts in the zone reach the client
	update := (&TestDatagram{}).Create([]Channel_t{LocationAsChannel(5000, 1500)}, 90000,
		STATESERVER_OBJECT_UPDATE_FIELD)
	update.AddDoid(90000)
	update.AddUint16(SetB1)
	update.AddUint8(7)
	ss.SendDatagram(*update)

	expected = NewDatagram()
	expected.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	expected.AddDoid(90000)
	expected.AddUint16(SetB1)
	expected.AddUint8(7)
	client.Expect(t, expected, true)

	// The object moving out of the interest disables it on the client
	move := (&TestDatagram{}).Create([]Channel_t{LocationAsChannel(5000, 1500)}, 90000,
		STATESERVER_OBJECT_CHANGE_ZONE)
	move.AddDoid(90000)
	move.AddDoid(5000)
	move.AddZone(1600)
	move.AddDoid(5000)
	move.AddZone(1500)
	ss.SendDatagram(*move)

	expected = NewDatagram()
	expected.AddUint16(CLIENT_OBJECT_DELETE)
	expected.AddDoid(90000)
	client.Expect(t, expected, true)

	// Closing the interest acknowledges the client's context
	dg = NewDatagram()
	dg.AddUint16(CLIENT_REMOVE_INTEREST)
	dg.AddUint32(45)
	dg.AddUint16(5)
	client.SendDatagram(dg)

	done = NewDatagram()
	done.AddUint16(CLIENT_DONE_INTEREST_RESP)
	done.AddUint16(5)
	done.AddUint32(45)
	client.Expect(t, done, true)
}

func TestClientAgent_ServerInterest(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(5000)
	ss.AddChannel(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)
	establish(ss, ch)

	// The server opens an interest on the client's behalf
	add := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_ADD_INTEREST)
	add.AddUint16(9)
	add.AddDoid(5000)
	add.AddZone(1600)
	ss.SendDatagram(*add)

	// The client is told about its new interest
	echo := NewDatagram()
	echo.AddUint16(CLIENT_ADD_INTEREST)
	echo.AddUint32(1)
	echo.AddUint16(9)
	echo.AddDoid(5000)
	echo.AddZone(1600)
	client.Expect(t, echo, true)

	// Empty zone; snapshot completes with zero objects
	recv := ss.ReceiveMaybe()
	if recv == nil {
		t.Fatal("Parent never received the zone objects query")
	}
	dgi := (&TestDatagram{}).Set(recv)
	dgi.SeekPayload()
	dgi.ReadChannel()
	dgi.ReadUint16()
	ssContext := dgi.ReadUint32()

	count := (&TestDatagram{}).Create([]Channel_t{ch}, 5000, STATESERVER_OBJECT_GET_ZONES_COUNT_RESP)
	count.AddUint32(ssContext)
	count.AddDoid(0)
	ss.SendDatagram(*count)

	client.Timeout = 1000
	done := NewDatagram()
	done.AddUint16(CLIENT_DONE_INTEREST_RESP)
	done.AddUint16(9)
	done.AddUint32(1)
	client.Expect(t, done, true)
	client.Timeout = 100

	// The requesting server is notified as well
	notify := (&TestDatagram{}).Create([]Channel_t{70000}, ch, CLIENTAGENT_DONE_INTEREST_RESP)
	notify.AddChannel(ch)
	notify.AddUint16(9)
	ss.Expect(t, *notify, false)

	// And the server may close it again
	remove := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_REMOVE_INTEREST)
	remove.AddUint16(9)
	ss.SendDatagram(*remove)

	// The snapshot consumed a second context internally, so the
	// removal is acknowledged with the third.
	echo = NewDatagram()
	echo.AddUint16(CLIENT_REMOVE_INTEREST)
	echo.AddUint16(9)
	echo.AddUint32(3)
	client.Expect(t, echo, true)

	done = NewDatagram()
	done.AddUint16(CLIENT_DONE_INTEREST_RESP)
	done.AddUint16(9)
	done.AddUint32(3)
	client.Expect(t, done, true)

	notify = (&TestDatagram{}).Create([]Channel_t{70000}, ch, CLIENTAGENT_DONE_INTEREST_RESP)
	notify.AddChannel(ch)
	notify.AddUint16(9)
	ss.Expect(t, *notify, false)
}

func TestClientAgent_Ownership(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)
	establish(ss, ch)

	// The client is granted ownership of an avatar
	enter := (&TestDatagram{}).Create([]Channel_t{ch}, 55000, STATESERVER_OBJECT_ENTER_OWNER_RECV)
	enter.AddDoid(55000)
	enter.AddDoid(5000)
	enter.AddZone(1700)
	enter.AddUint16(DistributedClientTestObject)
	enter.AddString("Whiskers")
	enter.AddUint16(0)
	ss.SendDatagram(*enter)

	expected := NewDatagram()
	expected.AddUint16(CLIENT_CREATE_OBJECT_REQUIRED_OTHER_OWNER)
	expected.AddLocation(5000, 1700)
	expected.AddUint16(DistributedClientTestObject)
	expected.AddDoid(55000)
	expected.AddString("Whiskers")
	expected.AddUint16(0)
	client.Expect(t, expected, true)

	// An ownsend field may now be sent
	ss.AddChannel(55000)
	time.Sleep(50 * time.Millisecond)
	update := NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(55000)
	update.AddUint16(SetColor)
	update.AddUint8(3)
	client.SendDatagram(update)

	routed := (&TestDatagram{}).Create([]Channel_t{55000}, ch, STATESERVER_OBJECT_UPDATE_FIELD)
	routed.AddDoid(55000)
	routed.AddUint16(SetColor)
	routed.AddUint8(3)
	ss.Expect(t, *routed, false)

	// Ownership moves elsewhere; the avatar is disabled on this client
	change := (&TestDatagram{}).Create([]Channel_t{ch}, 55000, STATESERVER_OBJECT_CHANGE_OWNER_RECV)
	change.AddDoid(55000)
	change.AddChannel(123456)
	change.AddChannel(ch)
	ss.SendDatagram(*change)

	expected = NewDatagram()
	expected.AddUint16(CLIENT_OBJECT_DISABLE_OWNER)
	expected.AddDoid(55000)
	client.Expect(t, expected, true)

	// Further updates bounce; the object is gone for this client
	update = NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(55000)
	update.AddUint16(SetColor)
	update.AddUint8(4)
	client.SendDatagram(update)
	expectEject(t, client, CLIENT_DISCONNECT_MISSING_OBJECT)
}

func TestClientAgent_ForbiddenField(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)
	establish(ss, ch)

	declare := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_DECLARE_OBJECT)
	declare.AddDoid(60000)
	declare.AddUint16(DistributedTestObject1)
	ss.SendDatagram(*declare)
	time.Sleep(50 * time.Millisecond)

	// setB1 carries no clsend or ownsend
	update := NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(60000)
	update.AddUint16(SetB1)
	update.AddUint8(1)
	client.SendDatagram(update)
	expectEject(t, client, CLIENT_DISCONNECT_FORBIDDEN_FIELD)
}

func TestClientAgent_FieldsSendable(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)
	establish(ss, ch)

	declare := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_DECLARE_OBJECT)
	declare.AddDoid(61000)
	declare.AddUint16(DistributedTestObject1)
	ss.SendDatagram(*declare)

	// The server explicitly opens setB1 for this client
	sendable := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_SET_FIELDS_SENDABLE)
	sendable.AddDoid(61000)
	sendable.AddUint16(1)
	sendable.AddUint16(SetB1)
	ss.SendDatagram(*sendable)
	time.Sleep(50 * time.Millisecond)

	ss.AddChannel(61000)
	time.Sleep(50 * time.Millisecond)
	update := NewDatagram()
	update.AddUint16(CLIENT_OBJECT_UPDATE_FIELD)
	update.AddDoid(61000)
	update.AddUint16(SetB1)
	update.AddUint8(9)
	client.SendDatagram(update)

	routed := (&TestDatagram{}).Create([]Channel_t{61000}, ch, STATESERVER_OBJECT_UPDATE_FIELD)
	routed.AddDoid(61000)
	routed.AddUint16(SetB1)
	routed.AddUint8(9)
	ss.Expect(t, *routed, false)
}

func TestClientAgent_SessionObjects(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	ch := discoverChannel(t, client, ud1)

	mark := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_ADD_SESSION_OBJECT)
	mark.AddDoid(71000)
	ss.SendDatagram(*mark)
	time.Sleep(50 * time.Millisecond)

	observer := connectServer(71000)
	defer observer.Close()

	// The object dies with its client
	client.Close()

	cleanup := (&TestDatagram{}).Create([]Channel_t{71000}, ch, STATESERVER_OBJECT_DELETE_RAM)
	cleanup.AddDoid(71000)
	observer.Expect(t, *cleanup, false)
}

func TestClientAgent_PostRemoves(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	ch := discoverChannel(t, client, ud1)

	observer := connectServer(80000)
	defer observer.Close()

	inner := (&TestDatagram{}).Create([]Channel_t{80000}, ch, STATESERVER_OBJECT_DELETE_RAM)
	inner.AddDoid(80000)

	post := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_ADD_POST_REMOVE)
	post.AddBlob(inner)
	ss.SendDatagram(*post)
	time.Sleep(50 * time.Millisecond)

	client.Close()
	observer.Expect(t, *inner, false)
}

func TestClientAgent_Eject(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)

	eject := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_EJECT)
	eject.AddUint16(110)
	eject.AddString("You have been banned.")
	ss.SendDatagram(*eject)

	expected := NewDatagram()
	expected.AddUint16(CLIENT_GO_GET_LOST)
	expected.AddUint16(110)
	expected.AddString("You have been banned.")
	client.Expect(t, expected, true)
}

func TestClientAgent_Drop(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)

	drop := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_DROP)
	ss.SendDatagram(*drop)

	// The connection is closed with no parting message
	client.ExpectNone(t)
}

func TestClientAgent_NetworkAddress(t *testing.T) {
	ud1 := connectServer(1234)
	defer ud1.Close()
	ss := connectServer(70000)
	defer ss.Close()

	client := connectClient(t, "127.0.0.1:57125")
	defer client.Close()
	ch := discoverChannel(t, client, ud1)

	query := (&TestDatagram{}).Create([]Channel_t{ch}, 70000, CLIENTAGENT_GET_NETWORK_ADDRESS)
	query.AddUint32(77)
	ss.SendDatagram(*query)

	recv := ss.ReceiveMaybe()
	if recv == nil {
		t.Fatal("Never received a network address response")
	}
	dgi := (&TestDatagram{}).Set(recv)
	ok, why := dgi.MatchesHeader([]Channel_t{70000}, ch, CLIENTAGENT_GET_NETWORK_ADDRESS_RESP, -1)
	assert.True(t, ok, why)
	dgi.SeekPayload()
	dgi.ReadChannel()
	dgi.ReadUint16()
	assert.Equal(t, uint32(77), dgi.ReadUint32())
	assert.Equal(t, "127.0.0.1", dgi.ReadString())
}

func TestClientAgent_Heartbeat(t *testing.T) {
	client := connectClient(t, "127.0.0.1:57126")
	defer client.Close()

	// Regular heartbeats keep the session alive past the timeout window
	for n := 0; n < 6; n++ {
		beat := NewDatagram()
		beat.AddUint16(CLIENT_HEARTBEAT)
		client.SendDatagram(beat)
		time.Sleep(300 * time.Millisecond)
	}
	client.ExpectNone(t)

	// Going quiet does not
	client.Timeout = 1500
	expectEject(t, client, CLIENT_DISCONNECT_NO_HEARTBEAT)
}

func TestClientAgent_Capacity(t *testing.T) {
	first := connectClient(t, "127.0.0.1:57127")

	// The only session channel is taken
	second := (&TestMDConnection{}).Connect("127.0.0.1:57127", "over capacity")
	second.Timeout = 500
	expectEject(t, second, CLIENT_DISCONNECT_GENERIC)
	second.Close()

	// Closing the first connection recycles its channel
	first.Close()
	time.Sleep(100 * time.Millisecond)

	third := connectClient(t, "127.0.0.1:57127")
	third.Close()
}
