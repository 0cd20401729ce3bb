package database

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"shardgo/core"
	"shardgo/schema"
	. "shardgo/util"

	"gopkg.in/yaml.v2"
)

type YAMLInfo struct {
	Next Doid_t
}

type YAMLObject struct {
	ID    Doid_t
	Class string
	// MapSlice preserves field declaration order in the output file.
	Fields yaml.MapSlice
}

// YAMLBackend stores each object as <doid>.yaml in the configured
// directory, with the next doId persisted in info.yaml. Backend calls
// arrive on separate goroutines, so all file access is serialized.
type YAMLBackend struct {
	db        *DatabaseServer
	directory string
	next      Doid_t
	mu        sync.Mutex
}

func NewYAMLBackend(db *DatabaseServer, directory string) (*YAMLBackend, error) {
	backend := &YAMLBackend{
		db:        db,
		directory: directory,
	}

	if err := os.MkdirAll(directory, os.ModePerm); err != nil {
		return nil, err
	}

	var info YAMLInfo
	data, err := os.ReadFile(backend.infoPath())
	if errors.Is(err, os.ErrNotExist) {
		info = YAMLInfo{Next: db.min}
		if err := backend.writeInfo(info); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		if err := yaml.Unmarshal(data, &info); err != nil {
			return nil, err
		}
		if info.Next == INVALID_DOID {
			return nil, errors.New("next is missing from info.yaml")
		}
	}

	backend.next = info.Next
	return backend, nil
}

func (b *YAMLBackend) infoPath() string {
	return b.directory + "/info.yaml"
}

func (b *YAMLBackend) objectPath(doId Doid_t) string {
	return fmt.Sprintf("%s/%d.yaml", b.directory, doId)
}

func (b *YAMLBackend) writeInfo(info YAMLInfo) error {
	data, err := yaml.Marshal(&info)
	if err != nil {
		return err
	}
	return os.WriteFile(b.infoPath(), data, 0644)
}

func (b *YAMLBackend) assignDoId() (Doid_t, error) {
	if b.next > b.db.max {
		return INVALID_DOID, errors.New("allocation range exhausted")
	}

	doId := b.next
	b.next++

	if err := b.writeInfo(YAMLInfo{Next: b.next}); err != nil {
		b.next = doId
		return INVALID_DOID, err
	}
	return doId, nil
}

func (b *YAMLBackend) readObject(doId Doid_t) (*YAMLObject, error) {
	data, err := os.ReadFile(b.objectPath(doId))
	if err != nil {
		return nil, err
	}

	var object YAMLObject
	if err := yaml.Unmarshal(data, &object); err != nil {
		return nil, err
	}
	if object.ID != doId {
		return nil, fmt.Errorf("%d.yaml contains data for id %d instead", doId, object.ID)
	}
	return &object, nil
}

func (b *YAMLBackend) writeObject(object *YAMLObject) error {
	data, err := yaml.Marshal(object)
	if err != nil {
		return err
	}
	return os.WriteFile(b.objectPath(object.ID), data, 0644)
}

func (b *YAMLBackend) CreateStoredObject(class *schema.Class, values map[string][]byte,
	ctx uint32, sender Channel_t) {

	b.mu.Lock()
	defer b.mu.Unlock()

	object := &YAMLObject{
		Class:  class.Name,
		Fields: yaml.MapSlice{},
	}

	for _, field := range class.Fields {
		if !field.Db {
			continue
		}
		value, ok := values[field.Name]
		if !ok {
			if !field.HasDefault() && !field.Required {
				continue
			}
			value = field.DefaultValue()
		}
		native, err := field.DecodeValue(value)
		if err != nil {
			b.db.log.Errorf("CreateStoredObject: %s", err.Error())
			b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
			return
		}
		object.Fields = append(object.Fields, yaml.MapItem{Key: field.Name, Value: native})
	}

	doId, err := b.assignDoId()
	if err != nil {
		b.db.log.Errorf("Failed to assign doId: %s", err.Error())
		b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
		return
	}
	object.ID = doId

	if _, err := os.Stat(b.objectPath(doId)); err == nil {
		b.db.log.Errorf("%d.yaml already exists!", doId)
		b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
		return
	}

	if err := b.writeObject(object); err != nil {
		b.db.log.Errorf("Error when writing %d.yaml: %s", doId, err.Error())
		b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
		return
	}

	b.db.log.Debugf("Created new %s object with ID %d", object.Class, doId)
	b.db.logEvent("object-created", fmt.Sprintf("%s|%d", object.Class, doId))
	b.db.sendCreateResponse(sender, ctx, 0, doId)
}

func (b *YAMLBackend) GetStoredValues(doId Doid_t, fields []string, ctx uint32, sender Channel_t) {
	b.mu.Lock()
	defer b.mu.Unlock()

	object, err := b.readObject(doId)
	if err != nil {
		b.db.log.Errorf("GetStoredValues(%d): %s", doId, err.Error())
		b.db.sendGetFailure(sender, ctx, doId, fields, 1)
		return
	}

	class, ok := core.Schema.ClassByName(object.Class)
	if !ok {
		b.db.log.Errorf("Class \"%s\" for object %d does not exist!", object.Class, doId)
		b.db.sendGetFailure(sender, ctx, doId, fields, 2)
		return
	}

	stored := make(map[string]interface{})
	for _, item := range object.Fields {
		stored[item.Key.(string)] = item.Value
	}

	packed := map[string][]byte{}
	for _, name := range fields {
		if name == ClassNameField {
			packed[name] = packString(object.Class)
			continue
		}
		field, ok := class.FieldByName(name)
		if !ok {
			b.db.log.Errorf("Field \"%s\" for class \"%s\" does not exist!", name, object.Class)
			continue
		}
		value, ok := stored[name]
		if !ok {
			continue
		}
		data, err := field.EncodeValue(value)
		if err != nil {
			b.db.log.Errorf("GetStoredValues(%d): %s", doId, err.Error())
			continue
		}
		packed[name] = data
	}

	dg := NewDatagram()
	dg.AddServerHeader(sender, b.db.control, DBSERVER_GET_STORED_VALUES_RESP)
	dg.AddUint32(ctx)
	dg.AddDoid(doId)
	dg.AddUint16(uint16(len(fields)))
	for _, name := range fields {
		dg.AddString(name)
	}
	dg.AddUint8(0)
	for _, name := range fields {
		if value, ok := packed[name]; ok {
			dg.AddDataBlob(value)
			dg.AddBool(true)
		} else {
			dg.AddString("")
			dg.AddBool(false)
		}
	}
	b.db.RouteDatagram(dg)
}

func (b *YAMLBackend) SetStoredValues(doId Doid_t, values map[string][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	object, err := b.readObject(doId)
	if err != nil {
		b.db.log.Errorf("SetStoredValues(%d): %s", doId, err.Error())
		return
	}

	class, ok := core.Schema.ClassByName(object.Class)
	if !ok {
		b.db.log.Errorf("Class \"%s\" for object %d does not exist!", object.Class, doId)
		return
	}

	stored := make(map[string]interface{})
	for _, item := range object.Fields {
		stored[item.Key.(string)] = item.Value
	}

	for name, value := range values {
		if len(value) == 0 {
			delete(stored, name)
			continue
		}
		field, ok := class.FieldByName(name)
		if !ok {
			b.db.log.Errorf("Field \"%s\" for class \"%s\" does not exist!", name, object.Class)
			continue
		}
		native, err := field.DecodeValue(value)
		if err != nil {
			b.db.log.Errorf("SetStoredValues(%d): %s  Update aborted.", doId, err.Error())
			return
		}
		stored[name] = native
	}

	// Rebuild the MapSlice in declaration order.
	object.Fields = yaml.MapSlice{}
	for _, field := range class.Fields {
		if !field.Db {
			continue
		}
		if value, ok := stored[field.Name]; ok {
			object.Fields = append(object.Fields, yaml.MapItem{Key: field.Name, Value: value})
		}
	}

	if err := b.writeObject(object); err != nil {
		b.db.log.Errorf("Error when writing %d.yaml: %s", doId, err.Error())
		return
	}
	b.db.log.Debugf("Successfully updated object %s(%d)", object.Class, doId)
}

func (b *YAMLBackend) DeleteStoredObject(doId Doid_t) {
	b.mu.Lock()
	defer b.mu.Unlock()

	object, err := b.readObject(doId)
	if err != nil {
		b.db.log.Warnf("Tried to delete nonexistent object %d", doId)
		return
	}

	if err := os.Remove(b.objectPath(doId)); err != nil {
		b.db.log.Errorf("DeleteStoredObject(%d): %s", doId, err.Error())
		return
	}

	b.db.log.Debugf("Deleted object %s(%d)", object.Class, doId)
	b.db.logEvent("object-deleted", fmt.Sprintf("%s|%d", object.Class, doId))
}
