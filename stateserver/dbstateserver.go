package stateserver

import (
	"fmt"
	"shardgo/core"
	"shardgo/schema"
	. "shardgo/util"
)

// classNameDbField is the reserved stored-value name under which the
// database keeps an object's class. It is answered by the database role
// even though no schema class declares it.
const classNameDbField = "ClassName"

type LoadingObject struct {
	dbss   *DatabaseStateServer
	do     Doid_t
	parent Doid_t
	zone   Zone_t
	dclass *schema.Class

	requiredFields FieldValues
	ramFields      FieldValues

	fieldUpdates FieldValues

	context uint32
	dgQueue []Datagram

	queryAllFrom    Channel_t
	queryAllContext uint32
}

type FieldQuery struct {
	do      Doid_t
	from    Channel_t
	context uint32

	multiple      bool
	singleFieldId uint16
	name2FieldId  map[string]uint16
}

type DClassQuery struct {
	do      Doid_t
	from    Channel_t
	context uint32
	dg      Datagram
}

type DatabaseStateServer struct {
	StateServer

	database             Channel_t
	loading              map[Doid_t]*LoadingObject
	context              uint32
	contextToLoading     map[uint32]*LoadingObject
	contextToFieldQuery  map[uint32]*FieldQuery
	contextToQueryDClass map[uint32]*DClassQuery
	contextToQueryAll    map[uint32]*LoadingObject
}

func NewDatabaseStateServer(config core.Role) *DatabaseStateServer {
	dbss := &DatabaseStateServer{
		database:             config.Database,
		loading:              map[Doid_t]*LoadingObject{},
		context:              0,
		contextToLoading:     map[uint32]*LoadingObject{},
		contextToFieldQuery:  map[uint32]*FieldQuery{},
		contextToQueryDClass: map[uint32]*DClassQuery{},
		contextToQueryAll:    map[uint32]*LoadingObject{},
	}
	dbss.InitStateServer(config, fmt.Sprintf("DBSS (%d - %d)", dbss.config.Ranges.Min, dbss.config.Ranges.Max), "DBSS", "*")

	dbss.Init(dbss)

	dbss.SubscribeRange(dbss.config.Ranges)

	return dbss
}

func (s *DatabaseStateServer) handleActivate(dgi *DatagramIterator, other bool) {
	do := dgi.ReadDoid()
	parent := dgi.ReadDoid()
	zone := dgi.ReadZone()

	s.log.Debugf("Received activate for object=%d, other=%t", do, other)

	if _, ok := s.objects[do]; ok {
		s.log.Warnf("Received activate for already-active object with id %d", do)
		return
	} else if _, ok := s.loading[do]; ok {
		s.log.Warnf("Received activate for already-loading object with id %d", do)
		return
	}

	classId := dgi.ReadUint16()
	class, ok := core.Schema.Class(classId)
	if !ok {
		s.log.Errorf("Received activate for unknown class id %d", classId)
		return
	}

	obj := LoadingObject{
		dbss:   s,
		do:     do,
		parent: parent,
		zone:   zone,
		dclass: class,

		requiredFields: FieldValues{},
		ramFields:      FieldValues{},

		fieldUpdates: FieldValues{},

		context: s.context,
		dgQueue: []Datagram{},
	}

	if other {
		count := dgi.ReadUint16()
		for i := uint16(0); i < count; i++ {
			fieldId := dgi.ReadUint16()
			field, found := class.Field(fieldId)
			if !found {
				s.log.Errorf("Received invalid field id %d", fieldId)
				return
			}

			data := field.ReadValue(dgi)
			if !(field.Required || field.Ram) {
				s.log.Errorf("Received non-RAM field \"%s\" within an OTHER section", field.Name)
				continue
			}

			obj.fieldUpdates[field] = data
		}
	}

	s.loading[do] = &obj
	s.contextToLoading[s.context] = &obj

	// Populate names of required fields to fetch.
	required := make([]string, 0)
	for _, field := range class.RequiredFields() {
		if !field.Db {
			continue
		}
		if _, ok := obj.fieldUpdates[field]; !ok {
			required = append(required, field.Name)
		}
	}

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_GET_STORED_VALUES)
	dg.AddUint32(s.context)
	dg.AddDoid(do)
	dg.AddUint16(uint16(len(required)))
	for _, field := range required {
		dg.AddString(field)
	}
	s.RouteDatagram(dg)

	s.context++
}

func (s *DatabaseStateServer) initObjectFromDbValues(obj *LoadingObject, dgi *DatagramIterator) {
	do := dgi.ReadDoid()
	if obj.do != do {
		s.log.Warnf("Received GetStoredValues for wrong DOID! %d != %d", obj.do, do)
		s.finalizeLoading(obj)
		return
	}

	count := dgi.ReadUint16()
	fields := make([]string, count)
	for i := uint16(0); i < count; i++ {
		fields[i] = dgi.ReadString()
	}

	code := dgi.ReadUint8()
	if code > 0 {
		if code == 1 {
			s.log.Errorf("Object %d not found in database.", do)
		} else {
			s.log.Errorf("GetStoredValues failed for DOID %d", do)
		}

		s.finalizeLoading(obj)
		return
	}

	for i := uint16(0); i < count; i++ {
		name := fields[i]
		data := dgi.ReadBlob()
		found := dgi.ReadBool()

		field, ok := obj.dclass.FieldByName(name)
		if !ok {
			s.log.Warnf("Field \"%s\" does not exist for class \"%s\"", name, obj.dclass.Name)
			continue
		}

		if !(field.Required || field.Ram) {
			s.log.Errorf("Received non-RAM field \"%s\"", name)
			continue
		}

		if _, ok := obj.fieldUpdates[field]; ok {
			// Already overridden by the activate_other message earlier.
			continue
		}

		if !found {
			s.log.Debugf("Data for field \"%s\" not found", name)
			continue
		}

		if size := field.Type.FixedSize(); size > 0 && len(data) != size {
			s.log.Errorf("Received invalid stored data for field \"%s\"!\n%x", name, data)
			continue
		}

		s.log.Debugf("Got data for field \"%s\": %x", name, data)
		obj.fieldUpdates[field] = data
	}

	// Now let's get the object inited.
	for _, field := range obj.dclass.Fields {
		if field.Required {
			if data, ok := obj.fieldUpdates[field]; ok {
				obj.requiredFields[field] = data
				delete(obj.fieldUpdates, field)
			} else {
				obj.requiredFields[field] = field.DefaultValue()
				s.log.Debugf("Using default value for required field \"%s\"", field.Name)
			}
		} else if field.Ram {
			if data, ok := obj.fieldUpdates[field]; ok {
				obj.ramFields[field] = data
				delete(obj.fieldUpdates, field)
			}
		}
	}

	dobj := s.CreateDistributedObjectWithData(obj.do, obj.parent, obj.zone, obj.dclass,
		obj.requiredFields, obj.ramFields)

	// Replay the datagrams to the object
	s.log.Debugf("Replaying %d datagrams to object", len(obj.dgQueue))
	for _, dg := range obj.dgQueue {
		dgi := NewDatagramIterator(&dg)
		dgi.SeekPayload()
		dobj.HandleDatagram(dg, dgi)
	}

	s.finalizeLoading(obj)
}

func (s *DatabaseStateServer) finalizeLoading(obj *LoadingObject) {
	if _, ok := s.loading[obj.do]; ok {
		// Forward the datagrams to the DBSS
		for _, dg := range obj.dgQueue {
			dgi := NewDatagramIterator(&dg)
			dgi.SeekPayload()
			s.HandleDatagram(dg, dgi)
		}
		delete(s.loading, obj.do)
	}
}

func (s *DatabaseStateServer) handleGetStoredValues(dgi *DatagramIterator) {
	context := dgi.ReadUint32()
	if obj, ok := s.contextToLoading[context]; ok {
		delete(s.contextToLoading, context)
		s.initObjectFromDbValues(obj, dgi)
		return
	}

	if query, ok := s.contextToFieldQuery[context]; ok {
		delete(s.contextToFieldQuery, context)
		s.finishFieldQuery(query, dgi)
		return
	}

	if query, ok := s.contextToQueryDClass[context]; ok {
		delete(s.contextToQueryDClass, context)
		s.handleDClassQuery(dgi, query)
		return
	}

	if obj, ok := s.contextToQueryAll[context]; ok {
		delete(s.contextToQueryAll, context)
		s.initObjectFromDbValues(obj, dgi)

		if dObj, ok := s.objects[obj.do]; ok {
			s.log.Debugf("handleQueryAll: object id %d successfully initialized, calling handleQueryAll", obj.do)
			dObj.handleQueryAll(obj.queryAllFrom, obj.queryAllContext)
			dObj.annihilate(obj.queryAllFrom, false)
			s.doStore.recycleDO(dObj)
		} else {
			s.log.Errorf("handleQueryAll: Failed to init object id=%d", obj.do)
		}
		return
	}

	s.log.Warnf("Received unknown GetStoredValues context=%d", context)
}

func (s *DatabaseStateServer) handleOneUpdate(dgi *DatagramIterator) {
	do := dgi.ReadDoid()
	if obj, ok := s.loading[do]; ok {
		// Add to the queue and leave it alone.  It'll be bounced back
		// when finished.
		obj.dgQueue = append(obj.dgQueue, *dgi.Dg)
		return
	}

	fieldId := dgi.ReadUint16()
	field, found := core.Schema.FieldById(fieldId)
	if !found {
		s.log.Warnf("Update received for unknown field ID=%d", fieldId)
		return
	}

	if !field.Db {
		// Ignore it.
		return
	}

	data := field.ReadValue(dgi)
	if dgi.RemainingSize() > 0 {
		s.log.Errorf("Received invalid update data for field \"%s\"!\n%x", field.Name, dgi.ReadRemainder())
		return
	}

	s.log.Debugf("Forwarding update for field \"%s\" of object id %d to database.", field.Name, do)

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_SET_STORED_VALUES)
	dg.AddDoid(do)
	dg.AddUint16(1) // Field count
	dg.AddString(field.Name)
	dg.AddDataBlob(data)

	s.RouteDatagram(dg)
}

func (s *DatabaseStateServer) handleMultipleUpdates(dgi *DatagramIterator) {
	do := dgi.ReadDoid()
	if obj, ok := s.loading[do]; ok {
		// Add to the queue and leave it alone.  It'll be bounced back
		// when finished.
		obj.dgQueue = append(obj.dgQueue, *dgi.Dg)
		return
	}

	count := dgi.ReadUint16()

	fieldUpdates := map[string][]byte{}

	for i := 0; i < int(count); i++ {
		fieldId := dgi.ReadUint16()
		field, found := core.Schema.FieldById(fieldId)
		if !found {
			s.log.Warnf("Update received for unknown field ID=%d", fieldId)
			return
		}

		data := field.ReadValue(dgi)
		if !field.Db {
			// Skip the data.
			continue
		}

		fieldUpdates[field.Name] = data
	}

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_SET_STORED_VALUES)
	dg.AddDoid(do)
	dg.AddUint16(uint16(len(fieldUpdates)))
	for name, data := range fieldUpdates {
		s.log.Debugf("Forwarding update for field \"%s\" of object id %d to database.", name, do)

		dg.AddString(name)
		dg.AddDataBlob(data)
	}

	s.RouteDatagram(dg)
}

func (s *DatabaseStateServer) HandleDatagram(dg Datagram, dgi *DatagramIterator) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(DatagramIteratorEOF); ok {
				s.log.Errorf("Received truncated datagram")
			} else {
				panic(r)
			}
		}
	}()

	// Go back and get the sent channels, we need them.
	dgi.Seek(0)
	var receivers []Channel_t
	chanCount := dgi.ReadUint8()
	for n := 0; uint8(n) < chanCount; n++ {
		receivers = append(receivers, dgi.ReadChannel())
	}

	sender := dgi.ReadChannel()
	msgType := dgi.ReadUint16()

	switch msgType {
	case DBSERVER_GET_STORED_VALUES_RESP:
		s.handleGetStoredValues(dgi)
	// Accept regular SS generate messages.
	case STATESERVER_OBJECT_GENERATE_WITH_REQUIRED:
		fallthrough
	case STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER:
		s.handleGenerate(dgi, msgType == STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER)
	case STATESERVER_OBJECT_UPDATE_FIELD:
		s.handleOneUpdate(dgi)
	case STATESERVER_OBJECT_UPDATE_FIELD_MULTIPLE:
		s.handleMultipleUpdates(dgi)
	case STATESERVER_OBJECT_QUERY_FIELD:
		fallthrough
	case STATESERVER_OBJECT_QUERY_FIELDS:
		s.handleQueryFields(dgi, sender, msgType == STATESERVER_OBJECT_QUERY_FIELDS)
	case STATESERVER_QUERY_OBJECT_ALL:
		s.handleQueryAll(dgi, sender, Doid_t(receivers[0]))
	case DBSS_OBJECT_ACTIVATE_WITH_DEFAULTS:
		fallthrough
	case DBSS_OBJECT_ACTIVATE_WITH_DEFAULTS_OTHER:
		s.handleActivate(dgi, msgType == DBSS_OBJECT_ACTIVATE_WITH_DEFAULTS_OTHER)
	case DBSS_OBJECT_GET_ACTIVATED:
		context := dgi.ReadUint32()
		doId := dgi.ReadDoid()

		_, ok := s.objects[doId]
		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(doId), DBSS_OBJECT_GET_ACTIVATED_RESP)
		dg.AddUint32(context)
		dg.AddDoid(doId)
		dg.AddBool(ok)
		s.RouteDatagram(dg)
	default:
		// Store it in the loading object datagram queue.
		for _, receiver := range receivers {
			if obj, ok := s.loading[Doid_t(receiver)]; ok {
				obj.dgQueue = append(obj.dgQueue, dg)
				s.log.Debugf("Queued message of type=%d", msgType)
			}
		}
		s.log.Debugf("Ignoring message of type=%d", msgType)
	}
}

func (s *DatabaseStateServer) handleQueryFields(dgi *DatagramIterator, sender Channel_t, multiple bool) {
	do := dgi.ReadDoid()
	if _, ok := s.objects[do]; ok {
		s.log.Debugf("Ignoring handleQueryFields of already activated object=%d", do)
		// Let the object instance handle it.
		return
	}
	if obj, ok := s.loading[do]; ok {
		// Wait till the obj has been initialized before handling this message.
		obj.dgQueue = append(obj.dgQueue, *dgi.Dg)
		s.log.Debugf("Queued handleQueryFields for pending object=%d", do)
		return
	}

	var context uint32
	var fields []*schema.Field

	if !multiple {
		fieldId := dgi.ReadUint16()
		context = dgi.ReadUint32()

		field, found := core.Schema.FieldById(fieldId)
		if !found {
			s.log.Errorf("handleQueryFields: Received invalid field id %d", fieldId)
			return
		}
		fields = []*schema.Field{field}
	} else {
		context = dgi.ReadUint32()
		fields = []*schema.Field{}
		for dgi.RemainingSize() >= Blobsize {
			fieldId := dgi.ReadUint16()
			field, found := core.Schema.FieldById(fieldId)
			if !found {
				s.log.Errorf("handleQueryFields: Received invalid field id %d", fieldId)
				return
			}
			fields = append(fields, field)
		}
	}

	name2FieldId := map[string]uint16{}
	for _, field := range fields {
		name2FieldId[field.Name] = field.Id
	}
	query := &FieldQuery{
		do:      do,
		from:    sender,
		context: context,

		multiple: multiple,
	}

	query.name2FieldId = name2FieldId
	if len(fields) == 1 {
		query.singleFieldId = fields[0].Id
	}

	s.contextToFieldQuery[s.context] = query

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_GET_STORED_VALUES)
	dg.AddUint32(s.context)
	dg.AddDoid(do)
	dg.AddUint16(uint16(len(fields)))
	for _, field := range fields {
		dg.AddString(field.Name)
	}
	s.RouteDatagram(dg)
	s.context++
}

func (s *DatabaseStateServer) finishFieldQuery(query *FieldQuery, dgi *DatagramIterator) {
	var respMsgType uint16
	if query.multiple {
		respMsgType = STATESERVER_OBJECT_QUERY_FIELDS_RESP
	} else {
		respMsgType = STATESERVER_OBJECT_QUERY_FIELD_RESP
	}

	do := dgi.ReadDoid()
	if do != query.do {
		s.log.Warnf("Got GetStoredValuesResp for id=%d, but was expecting id=%d!", do, query.do)
		dg := NewDatagram()
		dg.AddServerHeader(query.from, Channel_t(query.do), respMsgType)
		dg.AddDoid(query.do)
		if !query.multiple {
			dg.AddUint16(query.singleFieldId)
		}
		dg.AddUint32(query.context)
		dg.AddBool(false) // success
		s.RouteDatagram(dg)
		return
	}

	count := dgi.ReadUint16()
	fields := make([]string, count)
	for i := uint16(0); i < count; i++ {
		fields[i] = dgi.ReadString()
	}

	code := dgi.ReadUint8()
	if code > 0 {
		if code == 1 {
			s.log.Errorf("queryFields: Object %d not found in database.", do)
		} else {
			s.log.Errorf("queryFields: GetStoredValues failed for DOID %d", do)
		}

		dg := NewDatagram()
		dg.AddServerHeader(query.from, Channel_t(query.do), respMsgType)
		dg.AddDoid(query.do)
		if !query.multiple {
			dg.AddUint16(query.singleFieldId)
		}
		dg.AddUint32(query.context)
		dg.AddBool(false) // success
		s.RouteDatagram(dg)
		return
	}

	fieldData := map[uint16][]byte{}
	success := true
	for _, field := range fields {
		if fieldId, ok := query.name2FieldId[field]; ok {
			data := dgi.ReadBlob()
			if dgi.ReadBool() { // found
				fieldData[fieldId] = data
			} else {
				s.log.Errorf("queryFields: Data for field \"%s\" not found", field)
				success = false
				break
			}
		} else {
			s.log.Errorf("queryFields: Got unexpected field \"%s\"", field)
			success = false
			break
		}
	}

	dg := NewDatagram()
	dg.AddServerHeader(query.from, Channel_t(query.do), respMsgType)
	dg.AddDoid(query.do)
	if !query.multiple {
		dg.AddUint16(query.singleFieldId)
	}
	dg.AddUint32(query.context)
	dg.AddBool(success)

	if success {
		if !query.multiple {
			dg.AddData(fieldData[query.singleFieldId])
		} else {
			for fieldId, data := range fieldData {
				dg.AddUint16(fieldId)
				dg.AddData(data)
			}
		}
	}
	s.RouteDatagram(dg)
}

func (s *DatabaseStateServer) handleQueryAll(dgi *DatagramIterator, sender Channel_t, do Doid_t) {
	if _, ok := s.objects[do]; ok {
		s.log.Debugf("Ignoring handleQueryAll of already activated object=%d", do)
		// Let the object instance handle it.
		return
	}
	if obj, ok := s.loading[do]; ok {
		// Wait till the obj has been initialized before handling this message.
		obj.dgQueue = append(obj.dgQueue, *dgi.Dg)
		s.log.Debugf("Queued handleQueryAll for pending object=%d", do)
		return
	}

	context := dgi.ReadUint32()
	// First we need the class of the stored object, or else we would not
	// know what fields we're getting.
	query := &DClassQuery{do, sender, context, *dgi.Dg}
	s.contextToQueryDClass[s.context] = query

	s.log.Debugf("handleQueryAll: Querying class name for object id=%d", do)

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_GET_STORED_VALUES)
	dg.AddUint32(s.context)
	dg.AddDoid(do)
	dg.AddUint16(1) // count
	dg.AddString(classNameDbField)
	s.RouteDatagram(dg)

	s.context++
}

func (s *DatabaseStateServer) handleDClassQuery(dgi *DatagramIterator, query *DClassQuery) {
	do := dgi.ReadDoid()
	if do != query.do {
		s.log.Errorf("handleDClassQuery: Got GetStoredValuesResp for id=%d, but was expecting id=%d!", do, query.do)
		return
	}

	// Do the checks again just in case our object gets activated while waiting for the
	// database response
	if _, ok := s.objects[do]; ok {
		s.log.Debugf("Ignoring handleQueryAll of already activated object=%d", do)
		// Let the object instance handle it.
		return
	}
	if obj, ok := s.loading[do]; ok {
		// Wait till the obj has been initialized before handling this message.
		obj.dgQueue = append(obj.dgQueue, query.dg)
		s.log.Debugf("Queued handleQueryAll for pending object=%d", do)
		return
	}

	// Skip count and field name
	dgi.Skip(Blobsize)
	dgi.Skip(Dgsize_t(dgi.ReadUint16()))

	code := dgi.ReadUint8()
	if code > 0 {
		if code == 1 {
			s.log.Errorf("Object %d not found in database.", do)
		} else {
			s.log.Errorf("GetStoredValues failed for DOID %d", do)
		}
		return
	}

	// Skip the outer value size; the value itself is a string field.
	dgi.Skip(Blobsize)
	className := dgi.ReadString()
	if !dgi.ReadBool() { // found
		s.log.Errorf("handleQueryAll: Could not find class name for object %d.", do)
		return
	}

	s.log.Debugf("handleQueryAll: Found class name \"%s\" for object=%d", className, do)
	class, ok := core.Schema.ClassByName(className)
	if !ok {
		s.log.Errorf("handleQueryAll: Retrieved unknown class of name \"%s\"!", className)
		return
	}

	// Now that we've got our name, we can init the object temporarily
	// and call handleQueryAll there when finished.
	obj := LoadingObject{
		dbss:   s,
		do:     do,
		parent: INVALID_DOID,
		zone:   INVALID_ZONE,
		dclass: class,

		requiredFields: FieldValues{},
		ramFields:      FieldValues{},

		fieldUpdates: FieldValues{},

		context: s.context,
		dgQueue: []Datagram{},

		queryAllFrom:    query.from,
		queryAllContext: query.context,
	}

	s.loading[do] = &obj
	s.contextToQueryAll[s.context] = &obj

	// Populate names of required fields to fetch.
	required := make([]string, 0)
	for _, field := range class.RequiredFields() {
		if field.Db {
			required = append(required, field.Name)
		}
	}

	dg := NewDatagram()
	dg.AddServerHeader(s.database, Channel_t(do), DBSERVER_GET_STORED_VALUES)
	dg.AddUint32(s.context)
	dg.AddDoid(do)
	dg.AddUint16(uint16(len(required)))
	for _, field := range required {
		dg.AddString(field)
	}
	s.RouteDatagram(dg)

	s.context++
}
