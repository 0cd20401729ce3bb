// A storage for preallocated DistributedObjects.
package stateserver

import (
	"fmt"
	"shardgo/schema"
	. "shardgo/util"
	"sync"

	"github.com/apex/log"
)

type DOStorage struct {
	DOPool sync.Pool
}

func NewDOStorage(preallocNum int) *DOStorage {
	doStore := &DOStorage{
		DOPool: sync.Pool{
			New: func() any {
				return &DistributedObject{
					requiredFields: FieldValues{},
					ramFields:      FieldValues{},
					zoneObjects:    make(map[Zone_t][]Doid_t),
				}
			},
		},
	}

	for i := 0; i < preallocNum; i++ {
		do := &DistributedObject{
			requiredFields: FieldValues{},
			ramFields:      FieldValues{},
			zoneObjects:    make(map[Zone_t][]Doid_t),
		}
		doStore.DOPool.Put(do)
	}

	return doStore
}

func (doStore *DOStorage) recycleDO(do *DistributedObject) {
	do.log = nil
	do.stateserver = nil
	do.do = 0
	do.parent = 0
	do.zone = 0
	do.dclass = nil
	do.requiredFields = FieldValues{}
	do.ramFields = FieldValues{}
	do.zoneObjects = make(map[Zone_t][]Doid_t)
	do.aiChannel = 0
	do.ownerChannel = 0
	do.explicitAi = false
	do.parentSynchronized = false
	do.RecycleParticipant()
	doStore.DOPool.Put(do)
}

func (doStore *DOStorage) createDO(ss *StateServer, doid Doid_t,
	class *schema.Class, requiredFields FieldValues,
	ramFields FieldValues) *DistributedObject {
	do := doStore.DOPool.Get().(*DistributedObject)
	do.log = log.WithFields(log.Fields{
		"name":    fmt.Sprintf("%s (%d)", class.Name, doid),
		"modName": class.Name,
		"id":      fmt.Sprintf("%d", doid),
	})
	do.stateserver = ss
	do.do = doid
	do.zone = INVALID_ZONE
	do.dclass = class

	if requiredFields != nil {
		do.requiredFields = requiredFields
	}

	if ramFields != nil {
		do.ramFields = ramFields
	}

	return do
}
