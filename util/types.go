package util

// Channels are 64-bit routing addresses on the message bus. Object ids
// and zones are 32 bits each, so a (parent, zone) location packs into a
// single channel.
type Channel_t uint64
type Doid_t uint32
type Zone_t uint32
type Dgsize_t uint32

// Wire widths of the primitive types.
const (
	Dgsize   = 4
	Doidsize = 4
	Zonesize = 4
	Chansize = 8
	Blobsize = 2
)

const (
	CHANNEL_MAX = ^Channel_t(0)
	DOID_MAX    = ^Doid_t(0)
	ZONE_MAX    = ^Zone_t(0)
	ZONE_BITS   = 32
)

const INVALID_DOID = Doid_t(0)
const INVALID_ZONE = Zone_t(0)

// Well-known channels. The prefixes carve the channel space into
// per-object bands for location and database addressing.
const (
	INVALID_CHANNEL    = Channel_t(0)
	BCHAN_CLIENTS      = Channel_t(10)
	BCHAN_STATESERVERS = Channel_t(12)
	BCHAN_DBSERVERS    = Channel_t(13)
	PARENT_PREFIX      = Channel_t(1) << ZONE_BITS
	DATABASE_PREFIX    = Channel_t(2) << ZONE_BITS
	CONTROL_MESSAGE    = Channel_t(4001)
)

// LocationAsChannel returns the channel on which objects at the given
// location receive broadcasts.
func LocationAsChannel(parent Doid_t, zone Zone_t) Channel_t {
	return Channel_t(parent)<<ZONE_BITS | Channel_t(zone)
}

// ParentToChildren returns the channel on which an object reaches all
// of its children regardless of zone.
func ParentToChildren(parent Doid_t) Channel_t {
	return PARENT_PREFIX | Channel_t(parent)
}

// DatabaseToObject returns the channel a database-backed object
// listens on while it is activated.
func DatabaseToObject(object Doid_t) Channel_t {
	return DATABASE_PREFIX | Channel_t(object)
}
