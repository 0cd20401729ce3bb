package database

import (
	"context"
	"fmt"
	"time"

	"shardgo/core"
	"shardgo/schema"
	. "shardgo/util"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ClassNameField is the pseudo-field carrying a stored object's class
// name. It can be queried like any field but is never stored alongside
// the regular ones.
const ClassNameField = "ClassName"

type Globals struct {
	ID   string       `bson:"_id"`
	DoId *GlobalsDoId `bson:"doid"`
}

type GlobalsDoId struct {
	Monotonic Doid_t   `bson:"monotonic"`
	Free      []Doid_t `bson:"free"`
}

type StoredObject struct {
	ID     Doid_t `bson:"_id"`
	Class  string `bson:"class"`
	Fields bson.M `bson:"fields"`
}

type MongoBackend struct {
	db      *DatabaseServer
	client  *mongo.Client
	globals *mongo.Collection
	objects *mongo.Collection
}

func NewMongoBackend(db *DatabaseServer, server string, database string) (*MongoBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(server))
	if err != nil {
		return nil, err
	}

	backend := &MongoBackend{
		db:      db,
		client:  client,
		globals: client.Database(database).Collection("globals"),
		objects: client.Database(database).Collection("objects"),
	}

	// Bootstrap the globals document on first run.
	var result Globals
	err = backend.globals.FindOne(context.Background(), bson.D{{Key: "_id", Value: "GLOBALS"}}).Decode(&result)
	if err != nil {
		if err != mongo.ErrNoDocuments {
			return nil, err
		}
		globals := Globals{
			ID: "GLOBALS",
			DoId: &GlobalsDoId{
				Monotonic: db.min,
				Free:      make([]Doid_t, 0),
			},
		}
		res, err := backend.globals.InsertOne(context.Background(), globals)
		if err != nil {
			return nil, err
		}
		db.log.Infof("Inserted new %v document", res.InsertedID)
	}

	return backend, nil
}

func (b *MongoBackend) AssignDoId() Doid_t {
	if doId := b.assignDoIdMonotonic(); doId != INVALID_DOID {
		return doId
	}
	return b.assignDoIdReuse()
}

func (b *MongoBackend) assignDoIdMonotonic() Doid_t {
	filter := bson.D{{Key: "_id", Value: "GLOBALS"},
		{Key: "doid.monotonic", Value: bson.D{{Key: "$gte", Value: b.db.min}}},
		{Key: "doid.monotonic", Value: bson.D{{Key: "$lte", Value: b.db.max}}}}

	update := bson.M{"$inc": bson.M{"doid.monotonic": 1}}

	var globals Globals
	err := b.globals.FindOneAndUpdate(context.Background(), filter, update).Decode(&globals)
	if err != nil {
		b.db.log.Errorf("assignDoIdMonotonic: %s", err.Error())
		return INVALID_DOID
	}
	return globals.DoId.Monotonic
}

// assignDoIdReuse pops a previously freed doId once the monotonic
// counter has run past the allocation range.
func (b *MongoBackend) assignDoIdReuse() Doid_t {
	filter := bson.D{{Key: "_id", Value: "GLOBALS"},
		{Key: "doid.free.0", Value: bson.D{{Key: "$exists", Value: true}}}}

	update := bson.M{"$pop": bson.M{"doid.free": -1}}

	var globals Globals
	err := b.globals.FindOneAndUpdate(context.Background(), filter, update).Decode(&globals)
	if err != nil {
		b.db.log.Errorf("assignDoIdReuse: %s", err.Error())
		return INVALID_DOID
	}
	return globals.DoId.Free[0]
}

func (b *MongoBackend) freeDoId(doId Doid_t) {
	filter := bson.D{{Key: "_id", Value: "GLOBALS"}}
	update := bson.M{"$push": bson.M{"doid.free": doId}}
	if _, err := b.globals.UpdateOne(context.Background(), filter, update); err != nil {
		b.db.log.Errorf("freeDoId(%d): %s", doId, err.Error())
	}
}

func (b *MongoBackend) CreateStoredObject(class *schema.Class, values map[string][]byte,
	ctx uint32, sender Channel_t) {

	doc := bson.M{}
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
		doc[field.Name] = bsonValue(native)
	}

	doId := b.AssignDoId()
	if doId == INVALID_DOID {
		b.db.log.Error("Unable to assign a doId!")
		b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
		return
	}

	object := StoredObject{
		ID:     doId,
		Class:  class.Name,
		Fields: doc,
	}
	res, err := b.objects.InsertOne(context.Background(), object)
	if err != nil {
		b.db.log.Errorf("Insertion of %s object failed: %s", class.Name, err.Error())
		b.freeDoId(doId)
		b.db.sendCreateResponse(sender, ctx, 1, INVALID_DOID)
		return
	}

	b.db.log.Debugf("Created new %s object with ID %v", class.Name, res.InsertedID)
	b.db.logEvent("object-created", fmt.Sprintf("%s|%d", class.Name, doId))
	b.db.sendCreateResponse(sender, ctx, 0, doId)
}

func (b *MongoBackend) GetStoredValues(doId Doid_t, fields []string, ctx uint32, sender Channel_t) {
	var object StoredObject
	err := b.objects.FindOne(context.Background(), bson.M{"_id": doId}).Decode(&object)
	if err != nil {
		b.db.log.Errorf("Failed to retrieve object %d from database: %s", doId, err.Error())
		b.db.sendGetFailure(sender, ctx, doId, fields, 1)
		return
	}

	class, ok := core.Schema.ClassByName(object.Class)
	if !ok {
		b.db.log.Errorf("Class \"%s\" for object %d does not exist!", object.Class, doId)
		b.db.sendGetFailure(sender, ctx, doId, fields, 2)
		return
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
		value, ok := object.Fields[name]
		if !ok {
			// Not stored, reported as absent below.
			continue
		}
		data, err := field.EncodeValue(nativeValue(value))
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

func (b *MongoBackend) SetStoredValues(doId Doid_t, values map[string][]byte) {
	filter := bson.M{"_id": doId}

	var object StoredObject
	err := b.objects.FindOne(context.Background(), filter).Decode(&object)
	if err != nil {
		b.db.log.Errorf("Failed to retrieve object %d from database: %s", doId, err.Error())
		return
	}

	class, ok := core.Schema.ClassByName(object.Class)
	if !ok {
		b.db.log.Errorf("Class \"%s\" for object %d does not exist!", object.Class, doId)
		return
	}

	setDoc := bson.M{}
	unsetDoc := bson.M{}
	for name, value := range values {
		if len(value) == 0 {
			unsetDoc["fields."+name] = ""
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
		setDoc["fields."+name] = bsonValue(native)
	}

	if len(setDoc) == 0 && len(unsetDoc) == 0 {
		b.db.log.Warnf("Nothing to do for update to object %s(%d).", object.Class, doId)
		return
	}
	update := bson.M{}
	if len(setDoc) > 0 {
		update["$set"] = setDoc
	}
	if len(unsetDoc) > 0 {
		update["$unset"] = unsetDoc
	}
	result, err := b.objects.UpdateOne(context.Background(), filter, update)
	if err != nil {
		b.db.log.Errorf("An error has occured when updating %s(%d): %s", object.Class, doId, err.Error())
		return
	}
	if result.MatchedCount == 1 && result.ModifiedCount == 1 {
		b.db.log.Debugf("Successfully updated object %s(%d)", object.Class, doId)
	}
}

func (b *MongoBackend) DeleteStoredObject(doId Doid_t) {
	var object StoredObject
	err := b.objects.FindOneAndDelete(context.Background(), bson.M{"_id": doId}).Decode(&object)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			b.db.log.Warnf("Tried to delete nonexistent object %d", doId)
		} else {
			b.db.log.Errorf("DeleteStoredObject(%d): %s", doId, err.Error())
		}
		return
	}

	b.freeDoId(doId)
	b.db.log.Debugf("Deleted object %s(%d)", object.Class, doId)
	b.db.logEvent("object-deleted", fmt.Sprintf("%s|%d", object.Class, doId))
}

func bsonValue(v interface{}) interface{} {
	switch n := v.(type) {
	case uint64:
		return int64(n)
	case []byte:
		return primitive.Binary{Data: n}
	}
	return v
}

func nativeValue(v interface{}) interface{} {
	if bin, ok := v.(primitive.Binary); ok {
		return bin.Data
	}
	return v
}

func packString(s string) []byte {
	dg := NewDatagram()
	dg.AddString(s)
	return dg.Bytes()
}
