package database

import (
	"fmt"

	"shardgo/core"
	"shardgo/eventlogger"
	"shardgo/messagedirector"
	"shardgo/schema"
	. "shardgo/util"

	"github.com/apex/log"
)

// Backend stores and retrieves objects on behalf of the DatabaseServer.
// Calls run on their own goroutines; responses are routed back through
// the server's participant.
type Backend interface {
	CreateStoredObject(class *schema.Class, values map[string][]byte, context uint32, sender Channel_t)
	GetStoredValues(doId Doid_t, fields []string, context uint32, sender Channel_t)
	SetStoredValues(doId Doid_t, values map[string][]byte)
	DeleteStoredObject(doId Doid_t)
}

type DatabaseServer struct {
	messagedirector.MDParticipantBase

	config  core.Role
	log     *log.Entry
	control Channel_t
	min     Doid_t
	max     Doid_t

	backend Backend
}

func NewDatabaseServer(config core.Role) *DatabaseServer {
	db := &DatabaseServer{
		config:  config,
		control: Channel_t(config.Control),
		min:     Doid_t(config.Generate.Min),
		max:     Doid_t(config.Generate.Max),
		log: log.WithFields(log.Fields{
			"name":    fmt.Sprintf("DatabaseServer (%d)", config.Control),
			"modName": "DatabaseServer",
		}),
	}

	switch config.Backend.Type {
	case "mongodb":
		backend, err := NewMongoBackend(db, config.Backend.Server, config.Backend.Database)
		if err != nil {
			db.log.Fatal(err.Error())
		}
		db.backend = backend
	case "yaml":
		backend, err := NewYAMLBackend(db, config.Backend.Directory)
		if err != nil {
			db.log.Fatal(err.Error())
		}
		db.backend = backend
	default:
		db.log.Fatalf("Unknown database backend type: \"%s\"", config.Backend.Type)
	}

	db.Init(db)

	db.SubscribeChannel(db.control)
	db.SubscribeChannel(BCHAN_DBSERVERS)

	return db
}

func (d *DatabaseServer) HandleDatagram(dg Datagram, dgi *DatagramIterator) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(DatagramIteratorEOF); ok {
				d.log.Errorf("Received truncated datagram")
			} else {
				panic(r)
			}
		}
	}()

	sender := dgi.ReadChannel()
	msgType := dgi.ReadUint16()

	switch msgType {
	case DBSERVER_CREATE_STORED_OBJECT:
		d.handleCreateObject(dgi, sender)
	case DBSERVER_GET_STORED_VALUES:
		d.handleGetStoredValues(dgi, sender)
	case DBSERVER_SET_STORED_VALUES:
		d.handleSetStoredValues(dgi, sender)
	case DBSERVER_DELETE_STORED_OBJECT:
		d.handleDeleteObject(dgi, sender)
	default:
		d.log.Warnf("Received unknown msgtype=%d", msgType)
	}
}

func (d *DatabaseServer) handleCreateObject(dgi *DatagramIterator, sender Channel_t) {
	context := dgi.ReadUint32()
	classId := dgi.ReadUint16()

	class, ok := core.Schema.Class(classId)
	if !ok {
		d.log.Errorf("CreateObject: Class %d does not exist", classId)
		d.sendCreateResponse(sender, context, 1, INVALID_DOID)
		return
	}

	count := dgi.ReadUint16()
	values := map[string][]byte{}
	for n := uint16(0); n < count; n++ {
		name := dgi.ReadString()
		value := dgi.ReadBlob()

		field, ok := class.FieldByName(name)
		if !ok {
			d.log.Errorf("CreateObject: Field \"%s\" does not exist for class \"%s\"", name, class.Name)
			d.sendCreateResponse(sender, context, 1, INVALID_DOID)
			return
		}
		if !field.Db {
			d.log.Warnf("CreateObject: Ignoring non-db field \"%s\" for class \"%s\"", name, class.Name)
			continue
		}
		values[name] = value
	}

	go d.backend.CreateStoredObject(class, values, context, sender)
}

func (d *DatabaseServer) handleGetStoredValues(dgi *DatagramIterator, sender Channel_t) {
	context := dgi.ReadUint32()
	doId := dgi.ReadDoid()
	count := dgi.ReadUint16()

	fields := make([]string, count)
	for n := uint16(0); n < count; n++ {
		fields[n] = dgi.ReadString()
	}

	go d.backend.GetStoredValues(doId, fields, context, sender)
}

func (d *DatabaseServer) handleSetStoredValues(dgi *DatagramIterator, sender Channel_t) {
	doId := dgi.ReadDoid()
	count := dgi.ReadUint16()

	values := map[string][]byte{}
	for n := uint16(0); n < count; n++ {
		name := dgi.ReadString()
		values[name] = dgi.ReadBlob()
	}

	go d.backend.SetStoredValues(doId, values)
}

func (d *DatabaseServer) handleDeleteObject(dgi *DatagramIterator, sender Channel_t) {
	doId := dgi.ReadDoid()
	go d.backend.DeleteStoredObject(doId)
}

func (d *DatabaseServer) sendCreateResponse(sender Channel_t, context uint32, code uint8, doId Doid_t) {
	dg := NewDatagram()
	dg.AddServerHeader(sender, d.control, DBSERVER_CREATE_STORED_OBJECT_RESP)
	dg.AddUint32(context)
	dg.AddUint8(code)
	dg.AddDoid(doId)
	d.RouteDatagram(dg)
}

// sendGetFailure answers a GET_STORED_VALUES that could not be served at
// all, echoing the requested field names with no values attached.
func (d *DatabaseServer) sendGetFailure(sender Channel_t, context uint32, doId Doid_t, fields []string, code uint8) {
	dg := NewDatagram()
	dg.AddServerHeader(sender, d.control, DBSERVER_GET_STORED_VALUES_RESP)
	dg.AddUint32(context)
	dg.AddDoid(doId)
	dg.AddUint16(uint16(len(fields)))
	for _, name := range fields {
		dg.AddString(name)
	}
	dg.AddUint8(code)
	d.RouteDatagram(dg)
}

func (d *DatabaseServer) logEvent(eventType string, description string) {
	event := eventlogger.NewLoggedEvent(eventType, "DatabaseServer", fmt.Sprintf("%d", d.control), description)
	event.Send()
}
