package util

// Control messages are sent to CONTROL_MESSAGE with no sender channel and
// are consumed by the local MessageDirector instead of being routed.
const (
	CONTROL_ADD_CHANNEL        = 9000
	CONTROL_REMOVE_CHANNEL     = 9001
	CONTROL_ADD_RANGE          = 9002
	CONTROL_REMOVE_RANGE       = 9003
	CONTROL_ADD_POST_REMOVE    = 9010
	CONTROL_CLEAR_POST_REMOVES = 9011
	CONTROL_SET_CON_NAME       = 9012
	CONTROL_SET_CON_URL        = 9013
	CONTROL_LOG_MESSAGE        = 9014
)

// ClientAgent messages (sent to a session channel by internal components)
const (
	CLIENTAGENT_SET_STATE                = 1000
	CLIENTAGENT_SET_CLIENT_ID            = 1001
	CLIENTAGENT_SEND_DATAGRAM            = 1002
	CLIENTAGENT_EJECT                    = 1004
	CLIENTAGENT_DROP                     = 1005
	CLIENTAGENT_GET_NETWORK_ADDRESS      = 1006
	CLIENTAGENT_GET_NETWORK_ADDRESS_RESP = 1007
	CLIENTAGENT_DECLARE_OBJECT           = 1010
	CLIENTAGENT_UNDECLARE_OBJECT         = 1011
	CLIENTAGENT_ADD_SESSION_OBJECT       = 1012
	CLIENTAGENT_REMOVE_SESSION_OBJECT    = 1013
	CLIENTAGENT_SET_FIELDS_SENDABLE      = 1014
	CLIENTAGENT_GET_TLVS                 = 1015
	CLIENTAGENT_GET_TLVS_RESP            = 1016
	CLIENTAGENT_OPEN_CHANNEL             = 1100
	CLIENTAGENT_CLOSE_CHANNEL            = 1101
	CLIENTAGENT_ADD_POST_REMOVE          = 1110
	CLIENTAGENT_CLEAR_POST_REMOVES       = 1111
	CLIENTAGENT_ADD_INTEREST             = 1200
	CLIENTAGENT_ADD_INTEREST_MULTIPLE    = 1201
	CLIENTAGENT_REMOVE_INTEREST          = 1203
	CLIENTAGENT_DONE_INTEREST_RESP       = 1204
)

// StateServer messages
const (
	STATESERVER_MSGTYPE_MIN = 2000
	STATESERVER_MSGTYPE_MAX = 2999

	STATESERVER_OBJECT_GENERATE_WITH_REQUIRED       = 2000
	STATESERVER_OBJECT_GENERATE_WITH_REQUIRED_OTHER = 2001
	STATESERVER_OBJECT_UPDATE_FIELD                 = 2004
	STATESERVER_OBJECT_UPDATE_FIELD_MULTIPLE        = 2005
	STATESERVER_OBJECT_DELETE_RAM                   = 2007
	STATESERVER_OBJECT_SET_ZONE                     = 2008
	STATESERVER_OBJECT_CHANGE_ZONE                  = 2009
	STATESERVER_OBJECT_LOCATION_ACK                 = 2010
	STATESERVER_OBJECT_NOTFOUND                     = 2015
	STATESERVER_QUERY_OBJECT_ALL                    = 2020
	STATESERVER_QUERY_OBJECT_ALL_RESP               = 2021
	STATESERVER_OBJECT_LOCATE                       = 2022
	STATESERVER_OBJECT_LOCATE_RESP                  = 2023
	STATESERVER_OBJECT_GET_ZONE_OBJECTS             = 2024
	STATESERVER_OBJECT_GET_ZONES_OBJECTS            = 2025
	STATESERVER_OBJECT_GET_ZONE_COUNT_RESP          = 2026
	STATESERVER_OBJECT_GET_ZONES_COUNT_RESP         = 2027
	STATESERVER_OBJECT_QUERY_FIELD                  = 2030
	STATESERVER_OBJECT_QUERY_FIELD_RESP             = 2031
	STATESERVER_OBJECT_QUERY_FIELDS                 = 2032
	STATESERVER_OBJECT_QUERY_FIELDS_RESP            = 2033
	STATESERVER_ADD_AI_RECV                         = 2045
	STATESERVER_OBJECT_ENTER_AI_RECV                = 2046
	STATESERVER_OBJECT_LEAVING_AI_INTEREST          = 2047
	STATESERVER_OBJECT_GET_AI                       = 2048
	STATESERVER_OBJECT_GET_AI_RESP                  = 2049
	STATESERVER_OBJECT_SET_OWNER_RECV               = 2050
	STATESERVER_OBJECT_SET_OWNER_RECV_WITH_ALL      = 2051
	STATESERVER_OBJECT_ENTER_OWNER_RECV             = 2052
	STATESERVER_OBJECT_CHANGE_OWNER_RECV            = 2053
	STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED       = 2060
	STATESERVER_OBJECT_ENTER_LOCATION_WITH_REQUIRED_OTHER = 2061
	STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED       = 2062
	STATESERVER_OBJECT_ENTER_INTEREST_WITH_REQUIRED_OTHER = 2063
	STATESERVER_OBJECT_DELETE_CHILDREN              = 2070
	STATESERVER_GET_ACTIVE_ZONES                    = 2071
	STATESERVER_GET_ACTIVE_ZONES_RESP               = 2072
	STATESERVER_SHARD_REST                          = 2073
)

// Context value attached to the LOCATE a freshly generated parent sends to
// its children so they re-announce themselves.
const STATESERVER_CONTEXT_WAKE_CHILDREN = 1001

// Database-backed StateServer messages
const (
	DBSS_OBJECT_ACTIVATE_WITH_DEFAULTS       = 2200
	DBSS_OBJECT_ACTIVATE_WITH_DEFAULTS_OTHER = 2201
	DBSS_OBJECT_GET_ACTIVATED                = 2207
	DBSS_OBJECT_GET_ACTIVATED_RESP           = 2208
)

// DatabaseServer messages
const (
	DBSERVER_CREATE_STORED_OBJECT      = 3000
	DBSERVER_CREATE_STORED_OBJECT_RESP = 3001
	DBSERVER_DELETE_STORED_OBJECT      = 3002
	DBSERVER_GET_STORED_VALUES         = 3010
	DBSERVER_GET_STORED_VALUES_RESP    = 3011
	DBSERVER_SET_STORED_VALUES         = 3020
)

// Client messages (session wire protocol)
const (
	CLIENT_HELLO      = 1
	CLIENT_HELLO_RESP = 2
	CLIENT_DISCONNECT = 3
	CLIENT_GO_GET_LOST = 4
	CLIENT_HEARTBEAT  = 5

	CLIENT_OBJECT_UPDATE_FIELD = 24
	CLIENT_OBJECT_DELETE       = 25
	CLIENT_OBJECT_DISABLE_OWNER = 26

	CLIENT_CREATE_OBJECT_REQUIRED             = 34
	CLIENT_CREATE_OBJECT_REQUIRED_OTHER       = 35
	CLIENT_CREATE_OBJECT_REQUIRED_OTHER_OWNER = 36

	CLIENT_DONE_INTEREST_RESP = 48

	CLIENT_ADD_INTEREST          = 97
	CLIENT_ADD_INTEREST_MULTIPLE = 98
	CLIENT_REMOVE_INTEREST       = 99
)

// Client session states
const (
	CLIENT_STATE_NEW         = 0
	CLIENT_STATE_ANONYMOUS   = 1
	CLIENT_STATE_ESTABLISHED = 2
)

// Client disconnect reasons
const (
	CLIENT_DISCONNECT_GENERIC                = 1
	CLIENT_DISCONNECT_OVERSIZED_DATAGRAM     = 106
	CLIENT_DISCONNECT_NO_HELLO               = 107
	CLIENT_DISCONNECT_INVALID_MSGTYPE        = 108
	CLIENT_DISCONNECT_TRUNCATED_DATAGRAM     = 109
	CLIENT_DISCONNECT_ANONYMOUS_VIOLATION    = 113
	CLIENT_DISCONNECT_FORBIDDEN_INTEREST     = 115
	CLIENT_DISCONNECT_MISSING_OBJECT         = 117
	CLIENT_DISCONNECT_FORBIDDEN_FIELD        = 118
	CLIENT_DISCONNECT_FORBIDDEN_RELOCATE     = 119
	CLIENT_DISCONNECT_BAD_VERSION            = 124
	CLIENT_DISCONNECT_SESSION_OBJECT_DELETED = 153
	CLIENT_DISCONNECT_NO_HEARTBEAT           = 345
)
