package stateserver

import (
	"fmt"
	"shardgo/messagedirector"
	"shardgo/schema"
	. "shardgo/util"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
)

type FieldValues map[*schema.Field][]byte

type DistributedObject struct {
	sync.Mutex
	messagedirector.MDParticipantBase

	log *log.Entry

	stateserver *StateServer
	do          Doid_t
	parent      Doid_t
	zone        Zone_t
	dclass      *schema.Class

	requiredFields FieldValues
	ramFields      FieldValues

	aiChannel          Channel_t
	ownerChannel       Channel_t
	explicitAi         bool
	parentSynchronized bool

	zoneObjects map[Zone_t][]Doid_t
}

func NewDistributedObjectWithData(ss *StateServer, doid Doid_t, parent Doid_t,
	zone Zone_t, class *schema.Class, requiredFields FieldValues,
	ramFields FieldValues) *DistributedObject {
	do := &DistributedObject{
		stateserver:    ss,
		do:             doid,
		zone:           0,
		dclass:         class,
		zoneObjects:    make(map[Zone_t][]Doid_t),
		requiredFields: requiredFields,
		ramFields:      ramFields,
		log: log.WithFields(log.Fields{
			"name":    fmt.Sprintf("%s (%d)", class.Name, doid),
			"modName": class.Name,
			"id":      fmt.Sprintf("%d", doid),
		}),
	}

	do.Init(do)

	do.log.Debug("Object instantiated ...")

	do.SubscribeChannel(Channel_t(doid))
	do.Lock()
	do.handleLocationChange(parent, zone, 0)
	do.wakeChildren()
	do.Unlock()

	do.replayHeldDatagrams()

	return do
}

func NewDistributedObject(ss *StateServer, doid Doid_t, parent Doid_t,
	zone Zone_t, class *schema.Class, dgi *DatagramIterator, hasOther bool,
	isMainObj bool) (ok bool, obj *DistributedObject, err error) {
	do := &DistributedObject{
		stateserver:    ss,
		do:             doid,
		zone:           0,
		dclass:         class,
		zoneObjects:    make(map[Zone_t][]Doid_t),
		requiredFields: FieldValues{},
		ramFields:      FieldValues{},
		log: log.WithFields(log.Fields{
			"name":    fmt.Sprintf("%s (%d)", class.Name, doid),
			"modName": class.Name,
			"id":      fmt.Sprintf("%d", doid),
		}),
	}

	defer func() {
		if r := recover(); r != nil {
			if _, eof := r.(DatagramIteratorEOF); eof {
				ok, obj, err = false, nil, fmt.Errorf("received truncated generate data for class \"%s\"", class.Name)
				return
			}
			panic(r)
		}
	}()

	for _, field := range class.RequiredFields() {
		do.requiredFields[field] = field.ReadValue(dgi)
		do.log.Debugf("Stored REQUIRED field \"%s\": %x", field.Name, do.requiredFields[field])
	}

	if hasOther {
		count := dgi.ReadUint16()
		for i := 0; i < int(count); i++ {
			id := dgi.ReadUint16()
			field, found := class.Field(id)
			if !found {
				do.log.Errorf("Received unknown field with ID %d within an OTHER section!  Ignoring.", id)
				break
			}

			if !field.Ram {
				do.log.Errorf("Received non-RAM field %s within an OTHER section!", field.Name)
				field.ReadValue(dgi)
				continue
			}
			do.ramFields[field] = field.ReadValue(dgi)
			do.log.Debugf("Stored optional RAM field \"%s\": %x", field.Name, do.ramFields[field])
		}
	}

	do.Init(do)

	do.log.Debug("Object instantiated ...")

	if !isMainObj {
		do.SubscribeChannel(Channel_t(doid))
		do.Lock()
		dgi.SeekPayload()
		do.handleLocationChange(parent, zone, dgi.ReadChannel())
		do.wakeChildren()
		do.Unlock()
	}

	if strings.HasSuffix(class.Name, "District") {
		// It's a District object, automatically assign the airecv channel to the sender of the
		// generate message.
		dgi.SeekPayload()
		sender := dgi.ReadChannel()
		do.handleAiChange(sender, sender, true)
	}

	do.replayHeldDatagrams()

	return true, do, nil
}

// replayHeldDatagrams drains messages that were addressed to our channel
// before we finished generating.
func (d *DistributedObject) replayHeldDatagrams() {
	dgs := messagedirector.RecallHeldDatagrams(Channel_t(d.do))
	for _, dg := range dgs {
		dgi := NewDatagramIterator(&dg)
		dgi.SeekPayload()
		d.HandleDatagram(dg, dgi)
	}
}

func (d *DistributedObject) appendRequiredData(dg Datagram, client bool, owner bool) {
	dg.AddDoid(d.do)
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.dclass.Id)
	for _, field := range d.dclass.RequiredFields() {
		if !client || field.Broadcast || (owner && field.Ownrecv) {
			dg.AddData(d.requiredFields[field])
		}
	}
}

func (d *DistributedObject) appendRequiredDataDoidLast(dg Datagram, client bool, owner bool) {
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.dclass.Id)
	dg.AddDoid(d.do)
	for _, field := range d.dclass.RequiredFields() {
		if !client || field.Broadcast || (owner && field.Ownrecv) {
			dg.AddData(d.requiredFields[field])
		}
	}
}

func (d *DistributedObject) appendOtherData(dg Datagram, client bool, owner bool) {
	var fields []*schema.Field
	for field := range d.ramFields {
		if !client || field.Broadcast || (owner && field.Ownrecv) {
			fields = append(fields, field)
		}
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Id < fields[j].Id
	})

	dg.AddUint16(uint16(len(fields)))
	for _, field := range fields {
		dg.AddUint16(field.Id)
		dg.AddData(d.ramFields[field])
	}
}

func (d *DistributedObject) sendInterestEntry(location Channel_t, context uint32) {
	msgType := STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED
	if len(d.ramFields) != 0 {
		msgType = STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER
	}
	dg := NewDatagram()
	dg.AddServerHeader(location, Channel_t(d.do), uint16(msgType))
	dg.AddUint32(context)
	d.appendRequiredData(dg, true, false)
	if len(d.ramFields) != 0 {
		d.appendOtherData(dg, true, false)
	}
	d.RouteDatagram(dg)
}

func (d *DistributedObject) sendLocationEntry(location Channel_t) {
	msgType := STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED
	if len(d.ramFields) != 0 {
		msgType = STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER
	}
	dg := NewDatagram()
	dg.AddServerHeader(location, Channel_t(d.do), uint16(msgType))
	d.appendRequiredData(dg, true, false)
	if len(d.ramFields) != 0 {
		d.appendOtherData(dg, true, false)
	}
	d.RouteDatagram(dg)
}

func (d *DistributedObject) sendAiEntry(ai Channel_t, sender Channel_t) {
	if ai == sender {
		// Do not relay the entry back to sender
		return
	}
	d.log.Debugf("Sending AI entry to %d", ai)
	dg := NewDatagram()
	dg.AddServerHeader(ai, Channel_t(d.do), STATESERVER_OBJECT_ENTER_AI_RECV)
	dg.AddUint32(0) // Dummy context
	d.appendRequiredDataDoidLast(dg, false, false)
	d.appendOtherData(dg, false, false)
	d.RouteDatagram(dg)
}

func (d *DistributedObject) sendOwnerEntry(owner Channel_t, client bool) {
	dg := NewDatagram()
	dg.AddServerHeader(owner, Channel_t(d.do), STATESERVER_OBJECT_ENTER_OWNER_RECV)
	d.appendRequiredData(dg, client, client)
	d.appendOtherData(dg, client, client)
	d.RouteDatagram(dg)
}

func (d *DistributedObject) handleLocationChange(parent Doid_t, zone Zone_t, sender Channel_t) {
	var targets []Channel_t
	oldParent := d.parent
	oldZone := d.zone

	if d.ownerChannel != INVALID_CHANNEL {
		targets = append(targets, d.ownerChannel)
	}

	if parent == d.do {
		d.log.Warn("Object cannot be parented to itself.")
		return
	}

	// Parent change
	if parent != oldParent {
		if oldParent != INVALID_DOID {
			d.UnsubscribeChannel(ParentToChildren(d.parent))
			targets = append(targets, Channel_t(oldParent))
			targets = append(targets, LocationAsChannel(oldParent, oldZone))
		}

		d.parent = parent
		d.zone = zone

		if parent != INVALID_DOID {
			d.SubscribeChannel(ParentToChildren(parent))
			if !d.explicitAi {
				// Retrieve parent AI; our sender rides along as the context.
				dg := NewDatagram()
				dg.AddServerHeader(Channel_t(parent), Channel_t(d.do), STATESERVER_OBJECT_GET_AI)
				dg.AddUint32(uint32(sender))
				d.RouteDatagram(dg)
			}
			targets = append(targets, Channel_t(parent))
		} else if !d.explicitAi {
			d.aiChannel = INVALID_CHANNEL
		}
	} else if zone != oldZone {
		d.zone = zone
		targets = append(targets, Channel_t(oldParent))
		targets = append(targets, LocationAsChannel(oldParent, oldZone))

		if d.aiChannel != INVALID_CHANNEL {
			targets = append(targets, d.aiChannel)
		}
	} else {
		return
	}

	// Broadcast location change message
	dg := NewDatagram()
	dg.AddMultipleServerHeader(targets, sender, STATESERVER_OBJECT_CHANGE_ZONE)
	dg.AddDoid(d.do)
	dg.AddLocation(parent, zone)
	dg.AddLocation(oldParent, oldZone)
	d.RouteDatagram(dg)

	d.parentSynchronized = false

	if parent != INVALID_DOID {
		d.sendLocationEntry(LocationAsChannel(parent, zone))
	}
}

func (d *DistributedObject) handleAiChange(ai Channel_t, sender Channel_t, explicit bool) {
	d.log.Debugf("Changing AI channel to %d", ai)

	var targets []Channel_t
	oldAi := d.aiChannel
	if ai == oldAi {
		return
	}

	if oldAi != INVALID_CHANNEL {
		targets = append(targets, oldAi)
	}

	if len(d.zoneObjects) != 0 {
		// Notify children of the change
		targets = append(targets, ParentToChildren(d.do))
	}

	d.aiChannel = ai
	d.explicitAi = explicit

	dg := NewDatagram()
	dg.AddMultipleServerHeader(targets, sender, STATESERVER_OBJECT_LEAVING_AI_INTEREST)
	dg.AddDoid(d.do)
	dg.AddChannel(ai)
	dg.AddChannel(oldAi)
	d.RouteDatagram(dg)

	if ai != INVALID_CHANNEL {
		d.sendAiEntry(ai, sender)
	}
}

func (d *DistributedObject) annihilate(sender Channel_t, notifyParent bool) {
	var targets []Channel_t
	if d.parent != INVALID_DOID {
		targets = append(targets, LocationAsChannel(d.parent, d.zone))
		if notifyParent {
			dg := NewDatagram()
			dg.AddServerHeader(Channel_t(d.parent), sender, STATESERVER_OBJECT_CHANGE_ZONE)
			dg.AddDoid(d.do)
			dg.AddLocation(INVALID_DOID, 0)
			dg.AddLocation(d.parent, d.zone)
			d.RouteDatagram(dg)
		}
	}

	if d.ownerChannel != INVALID_CHANNEL {
		targets = append(targets, d.ownerChannel)
	}

	if d.aiChannel != INVALID_CHANNEL {
		targets = append(targets, d.aiChannel)
	}

	dg := NewDatagram()
	dg.AddMultipleServerHeader(targets, sender, STATESERVER_OBJECT_DELETE_RAM)
	dg.AddDoid(d.do)
	d.RouteDatagram(dg)

	d.deleteChildren(sender)
	delete(d.stateserver.objects, d.do)
	d.log.Debug("Deleted object.")

	d.Cleanup()
}

func (d *DistributedObject) deleteChildren(sender Channel_t) {
	if len(d.zoneObjects) != 0 {
		dg := NewDatagram()
		dg.AddServerHeader(ParentToChildren(d.do), sender, STATESERVER_OBJECT_DELETE_CHILDREN)
		dg.AddDoid(d.do)
		d.RouteDatagram(dg)
	}
}

func (d *DistributedObject) wakeChildren() {
	dg := NewDatagram()
	dg.AddServerHeader(ParentToChildren(d.do), Channel_t(d.do), STATESERVER_OBJECT_LOCATE)
	dg.AddUint32(STATESERVER_CONTEXT_WAKE_CHILDREN)
	d.RouteDatagram(dg)
}

func (d *DistributedObject) saveField(field *schema.Field, data []byte) bool {
	if field.Required {
		d.log.Debugf("Storing REQUIRED field \"%s\": %x", field.Name, data)
		d.requiredFields[field] = data
		return true
	} else if field.Ram {
		d.log.Debugf("Storing RAM field \"%s\": %x", field.Name, data)
		d.ramFields[field] = data
		return true
	}
	return false
}

// allowedUpdate rejects owner-restricted updates from channels that do not
// own the object. Internal senders are the object's AI channel or anything
// outside the restricted keyword set.
func (d *DistributedObject) allowedUpdate(field *schema.Field, sender Channel_t) bool {
	if field.Ownsend && sender != d.ownerChannel && sender != d.aiChannel {
		d.log.Warnf("Rejecting update for ownsend field \"%s\" from non-owner %d (owner is %d)",
			field.Name, sender, d.ownerChannel)
		return false
	}
	return true
}

func (d *DistributedObject) handleOneUpdate(dgi *DatagramIterator, sender Channel_t) bool {
	fieldId := dgi.ReadUint16()
	field, found := d.dclass.Field(fieldId)
	if !found {
		d.log.Warnf("Update received for unknown field ID=%d", fieldId)
		return false
	}

	data := field.ReadValue(dgi)
	if dgi.RemainingSize() > 0 {
		d.log.Errorf("Received invalid update data for field \"%s\"!\n%x", field.Name, dgi.ReadRemainder())
		return false
	}

	if !d.allowedUpdate(field, sender) {
		return false
	}

	d.finishHandleUpdate(field, data, sender)
	return true
}

func (d *DistributedObject) handleMultipleUpdates(dgi *DatagramIterator, count uint16, sender Channel_t) bool {
	for i := 0; i < int(count); i++ {
		fieldId := dgi.ReadUint16()
		field, found := d.dclass.Field(fieldId)
		if !found {
			d.log.Warnf("Update received for unknown field ID=%d", fieldId)
			return false
		}

		data := field.ReadValue(dgi)
		if !d.allowedUpdate(field, sender) {
			continue
		}
		d.finishHandleUpdate(field, data, sender)
	}

	return true
}

func (d *DistributedObject) finishHandleUpdate(field *schema.Field, data []byte, sender Channel_t) {
	d.log.Debugf("Handling update for field \"%s\": %x", field.Name, data)

	d.saveField(field, data)

	var targets []Channel_t
	if field.Broadcast {
		targets = append(targets, LocationAsChannel(d.parent, d.zone))
	}

	if field.Airecv && d.aiChannel != INVALID_CHANNEL && d.aiChannel != sender {
		targets = append(targets, d.aiChannel)
	}

	if field.Ownrecv && d.ownerChannel != INVALID_CHANNEL && d.ownerChannel != sender {
		targets = append(targets, d.ownerChannel)
	}

	if len(targets) != 0 {
		dg := NewDatagram()
		dg.AddMultipleServerHeader(targets, sender, STATESERVER_OBJECT_UPDATE_FIELD)
		dg.AddDoid(d.do)
		dg.AddUint16(field.Id)
		dg.AddData(data)
		d.RouteDatagram(dg)
	}
}

func (d *DistributedObject) handleOneGet(out *Datagram, fieldId uint16, allowUnset bool, subfield bool) bool {
	field, found := d.dclass.Field(fieldId)
	if !found {
		d.log.Warnf("Query received for unknown field ID=%d", fieldId)
		return false
	}

	d.log.Debugf("Handling query for field %s", field.Name)

	if data, ok := d.requiredFields[field]; ok {
		if !subfield {
			out.AddUint16(fieldId)
		}
		out.AddData(data)
	} else if data, ok := d.ramFields[field]; ok {
		if !subfield {
			out.AddUint16(fieldId)
		}
		out.AddData(data)
	} else {
		return allowUnset
	}

	return true
}

func (d *DistributedObject) handleQueryAll(sender Channel_t, context uint32) {
	dg := NewDatagram()
	dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_QUERY_OBJECT_ALL_RESP)
	dg.AddUint32(context)
	d.appendRequiredDataDoidLast(dg, false, false)
	d.appendOtherData(dg, false, false)
	d.RouteDatagram(dg)
}

func (d *DistributedObject) HandleDatagram(dg Datagram, dgi *DatagramIterator) {
	d.Lock()
	defer d.Unlock()

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
	case STATESERVER_SHARD_REST:
		if d.aiChannel != dgi.ReadChannel() {
			d.log.Warnf("Received reset for wrong AI channel!")
			return
		}

		d.annihilate(sender, true)
	case STATESERVER_OBJECT_DELETE_RAM:
		if d.do != dgi.ReadDoid() {
			break
		}

		d.annihilate(sender, true)
	case STATESERVER_OBJECT_DELETE_CHILDREN:
		do := dgi.ReadDoid()
		if d.do == do {
			d.deleteChildren(sender)
		} else if do == d.parent {
			d.annihilate(sender, false)
		}
	case STATESERVER_OBJECT_UPDATE_FIELD:
		if d.do != dgi.ReadDoid() {
			break
		}

		d.handleOneUpdate(dgi, sender)
	case STATESERVER_OBJECT_UPDATE_FIELD_MULTIPLE:
		if d.do != dgi.ReadDoid() {
			break
		}

		count := dgi.ReadUint16()
		d.handleMultipleUpdates(dgi, count, sender)
	case STATESERVER_OBJECT_LEAVING_AI_INTEREST:
		parent := dgi.ReadDoid()
		newChannel := dgi.ReadChannel()
		d.log.Debugf("Received changing AI message from %d", parent)
		if parent != d.parent {
			d.log.Warnf("Received changing AI message from %d, but my parent is %d", parent, d.parent)
			return
		}
		if d.explicitAi {
			break
		}
		d.handleAiChange(newChannel, sender, false)
	case STATESERVER_ADD_AI_RECV:
		newChannel := dgi.ReadChannel()
		d.handleAiChange(newChannel, sender, true)
	case STATESERVER_OBJECT_GET_AI:
		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_OBJECT_GET_AI_RESP)
		dg.AddUint32(dgi.ReadUint32()) // Context
		dg.AddDoid(d.do)
		dg.AddChannel(d.aiChannel)
		d.RouteDatagram(dg)
	case STATESERVER_OBJECT_GET_AI_RESP:
		context := dgi.ReadUint32()
		parent := dgi.ReadDoid()
		d.log.Debugf("Received AI query response from %d", parent)
		if parent != d.parent {
			d.log.Warnf("Received AI channel from %d, but parent is %d", parent, d.parent)
			return
		}

		ai := dgi.ReadChannel()
		if d.explicitAi {
			return
		}
		d.handleAiChange(ai, Channel_t(context), false)
	case STATESERVER_OBJECT_CHANGE_ZONE:
		child := dgi.ReadDoid()
		newParent := dgi.ReadDoid()
		newZone := dgi.ReadZone()
		oldParent := dgi.ReadDoid()
		oldZone := dgi.ReadZone()
		eraseFromSlice := func(slice []Doid_t, element Doid_t) []Doid_t {
			idx := 0
			for _, do := range slice {
				if do != element {
					slice[idx] = do
					idx++
				}
			}
			return slice[:idx]
		}
		if newParent == d.do {
			if d.do == oldParent {
				if newZone == oldZone {
					return // No change
				}
				d.zoneObjects[oldZone] = eraseFromSlice(d.zoneObjects[oldZone], child)
				if len(d.zoneObjects[oldZone]) == 0 {
					delete(d.zoneObjects, oldZone)
				}
			}

			alreadyContains := false
			if slice, ok := d.zoneObjects[newZone]; ok {
				for _, zoneDo := range slice {
					if child == zoneDo {
						alreadyContains = true
						break
					}
				}
			}
			if alreadyContains {
				d.log.Debugf("Zone %d already contains %d!", newZone, child)
			} else {
				d.zoneObjects[newZone] = append(d.zoneObjects[newZone], child)
			}

			dg := NewDatagram()
			dg.AddServerHeader(Channel_t(child), Channel_t(d.do), STATESERVER_OBJECT_LOCATION_ACK)
			dg.AddDoid(d.do)
			dg.AddZone(newZone)
			d.RouteDatagram(dg)
		} else if oldParent == d.do {
			d.zoneObjects[oldZone] = eraseFromSlice(d.zoneObjects[oldZone], child)
			if len(d.zoneObjects[oldZone]) == 0 {
				delete(d.zoneObjects, oldZone)
			}
		} else {
			d.log.Warnf("Received changing location from %d for %d, but my id is %d", child, oldParent, d.do)
		}
	case STATESERVER_OBJECT_LOCATION_ACK:
		parent := dgi.ReadDoid()
		zone := dgi.ReadZone()
		if parent != d.parent {
			d.log.Debugf("Received location acknowledgement from %d but my parent is %d!", parent, d.parent)
		} else if zone != d.zone {
			d.log.Debugf("Received location acknowledgement for zone %d but my zone is %d!", zone, d.zone)
		} else {
			d.log.Debugf("Parent acknowledged my location change!")
			d.parentSynchronized = true
		}
	case STATESERVER_OBJECT_SET_ZONE:
		newParent := dgi.ReadDoid()
		newZone := dgi.ReadZone()
		d.log.Debugf("Updating location; parent=%d, zone=%d", newParent, newZone)
		d.handleLocationChange(newParent, newZone, sender)
	case STATESERVER_OBJECT_LOCATE:
		context := dgi.ReadUint32()

		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_OBJECT_LOCATE_RESP)
		dg.AddUint32(context)
		dg.AddDoid(d.do)
		dg.AddLocation(d.parent, d.zone)
		d.RouteDatagram(dg)
	case STATESERVER_OBJECT_LOCATE_RESP:
		if dgi.ReadUint32() != STATESERVER_CONTEXT_WAKE_CHILDREN {
			d.log.Warnf("Received unexpected locate response from %d", sender)
			return
		}

		do := dgi.ReadDoid()
		parent := dgi.ReadDoid()
		zone := dgi.ReadZone()

		if parent == d.do {
			if slice, ok := d.zoneObjects[zone]; ok {
				for _, zoneDo := range slice {
					if do == zoneDo {
						d.log.Debugf("Zone %d already contains %d!", zone, do)
						return
					}
				}
			}
			d.zoneObjects[zone] = append(d.zoneObjects[zone], do)
		}
	case STATESERVER_QUERY_OBJECT_ALL:
		d.handleQueryAll(sender, dgi.ReadUint32())
	case STATESERVER_OBJECT_QUERY_FIELD:
		if dgi.ReadDoid() != d.do {
			return
		}

		fieldId := dgi.ReadUint16()
		context := dgi.ReadUint32()

		field := NewDatagram()
		success := d.handleOneGet(&field, fieldId, false, true)

		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_OBJECT_QUERY_FIELD_RESP)
		dg.AddDoid(d.do)
		dg.AddUint16(fieldId)
		dg.AddUint32(context)
		dg.AddBool(success)
		if success {
			dg.AddDatagram(&field)
		}
		d.RouteDatagram(dg)
	case STATESERVER_OBJECT_QUERY_FIELDS:
		if dgi.ReadDoid() != d.do {
			return
		}
		context := dgi.ReadUint32()

		var requestedFields []uint16
		for dgi.RemainingSize() >= Blobsize {
			fieldId := dgi.ReadUint16()
			requestedFields = append(requestedFields, fieldId)
		}
		sort.Slice(requestedFields, func(i, j int) bool {
			return requestedFields[i] < requestedFields[j]
		})

		success, found, fields := true, 0, NewDatagram()
		for _, fieldId := range requestedFields {
			sz := fields.Len()
			if !d.handleOneGet(&fields, fieldId, true, false) {
				success = false
				break
			}
			if fields.Len() > sz {
				found++
			}
		}

		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_OBJECT_QUERY_FIELDS_RESP)
		dg.AddDoid(d.do)
		dg.AddUint32(context)
		dg.AddBool(success)
		if success {
			dg.AddUint16(uint16(found))
			dg.AddDatagram(&fields)
		}
		d.RouteDatagram(dg)
	case STATESERVER_OBJECT_SET_OWNER_RECV:
		fallthrough
	case STATESERVER_OBJECT_SET_OWNER_RECV_WITH_ALL:
		newOwner := dgi.ReadChannel()
		if newOwner == d.ownerChannel {
			d.log.Debugf("Received owner change, but owner is the same.")
			return
		}
		d.log.Debugf("Owner changing to %d!", newOwner)

		if d.ownerChannel != INVALID_CHANNEL {
			dg := NewDatagram()
			dg.AddServerHeader(d.ownerChannel, sender, STATESERVER_OBJECT_CHANGE_OWNER_RECV)
			dg.AddDoid(d.do)
			dg.AddChannel(newOwner)
			dg.AddChannel(d.ownerChannel)
			d.RouteDatagram(dg)
		}

		d.ownerChannel = newOwner

		if newOwner != INVALID_CHANNEL {
			d.sendOwnerEntry(newOwner, msgType == STATESERVER_OBJECT_SET_OWNER_RECV)
		}
	case STATESERVER_OBJECT_GET_ZONE_OBJECTS:
		fallthrough
	case STATESERVER_OBJECT_GET_ZONES_OBJECTS:
		context := dgi.ReadUint32()
		queriedParent := dgi.ReadDoid()

		d.log.Debugf("Handling zone objects query; queried parent=%d, id=%d, parent=%d", queriedParent, d.do, d.parent)

		zoneCount := 1
		if msgType == STATESERVER_OBJECT_GET_ZONES_OBJECTS {
			zoneCount = int(dgi.ReadUint16())
		}

		if queriedParent == d.parent {
			// Query was relayed from our parent
			for n := 0; n < zoneCount; n++ {
				if dgi.ReadZone() == d.zone {
					// An interest entry carries the context so the requester
					// can close out its handle; a plain location entry does
					// not, so unsynchronized objects stay out of the count.
					if d.parentSynchronized {
						d.sendInterestEntry(sender, context)
					} else {
						d.sendLocationEntry(sender)
					}
					break
				}
			}
		} else if queriedParent == d.do {
			childCount := 0

			dg := NewDatagram()
			dg.AddServerHeader(ParentToChildren(d.do), sender, STATESERVER_OBJECT_GET_ZONES_OBJECTS)
			dg.AddUint32(context)
			dg.AddDoid(queriedParent)
			dg.AddUint16(uint16(zoneCount))

			for n := 0; n < zoneCount; n++ {
				zone := dgi.ReadZone()
				childCount += len(d.zoneObjects[zone])
				dg.AddZone(zone)
			}

			countDg := NewDatagram()
			countDg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_OBJECT_GET_ZONES_COUNT_RESP)
			countDg.AddUint32(context)
			countDg.AddDoid(Doid_t(childCount))
			d.RouteDatagram(countDg)

			if childCount > 0 {
				d.RouteDatagram(dg)
			}
		}
	case STATESERVER_GET_ACTIVE_ZONES:
		var zones []Zone_t
		context := dgi.ReadUint32()

		for zone := range d.zoneObjects {
			zones = append(zones, zone)
		}
		sort.Slice(zones, func(i, j int) bool {
			return zones[i] < zones[j]
		})

		dg := NewDatagram()
		dg.AddServerHeader(sender, Channel_t(d.do), STATESERVER_GET_ACTIVE_ZONES_RESP)
		dg.AddUint32(context)
		dg.AddUint16(uint16(len(zones)))

		for _, zone := range zones {
			dg.AddZone(zone)
		}

		d.RouteDatagram(dg)
	default:
		if msgType < STATESERVER_MSGTYPE_MIN || msgType > STATESERVER_MSGTYPE_MAX {
			d.log.Warnf("Received unknown message of type %d.", msgType)
		} else {
			d.log.Warnf("Ignoring message of type %d.", msgType)
		}
	}
}
