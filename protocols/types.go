package protocols

type ProtocolType uint8

const (
	ProtocolNone ProtocolType = iota
	ProtocolHTTP
	ProtocolDNS
	ProtocolMySQL
	ProtocolRedis
	ProtocolPgSQL
	ProtocolNum
)

const (
	PROTOCOL_NONE  = "none"
	PROTOCOL_HTTP  = "http"
	PROTOCOL_DNS   = "dns"
	PROTOCOL_MYSQL = "mysql"
	PROTOCOL_REDIS = "redis"
	PROTOCOL_PGSQL = "pgsql"
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolHTTP:
		return PROTOCOL_HTTP
	case ProtocolDNS:
		return PROTOCOL_DNS
	case ProtocolMySQL:
		return PROTOCOL_MYSQL
	case ProtocolRedis:
		return PROTOCOL_REDIS
	case ProtocolPgSQL:
		return PROTOCOL_PGSQL
	default:
		return PROTOCOL_NONE
	}
}

// ParseProtocolType is the inverse of String, used by the config file.
func ParseProtocolType(s string) ProtocolType {
	for p := ProtocolHTTP; p < ProtocolNum; p++ {
		if p.String() == s {
			return p
		}
	}
	return ProtocolNone
}

// PacketType is the direction of a packet relative to the observed process.
type PacketType uint8

const (
	PacketNone PacketType = iota
	PacketIn
	PacketOut
)

func (p PacketType) String() string {
	switch p {
	case PacketIn:
		return "in"
	case PacketOut:
		return "out"
	default:
		return "none"
	}
}

type MessageType uint8

const (
	MessageNone MessageType = iota
	MessageRequest
	MessageResponse
)

func (m MessageType) String() string {
	switch m {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	default:
		return "none"
	}
}

type PacketRoleType uint8

const (
	RoleUnknown PacketRoleType = iota
	RoleClient
	RoleServer
)

// String returns the short form written to flushed records.
func (r PacketRoleType) String() string {
	switch r {
	case RoleClient:
		return "c"
	case RoleServer:
		return "s"
	default:
		return "u"
	}
}

type PacketEventType uint8

const (
	EventNone PacketEventType = iota
	EventData
	EventConnected
	EventAccepted
	EventClosed
)

func (e PacketEventType) String() string {
	switch e {
	case EventData:
		return "data"
	case EventConnected:
		return "connected"
	case EventAccepted:
		return "accepted"
	case EventClosed:
		return "closed"
	default:
		return "none"
	}
}

type ParseResult uint8

const (
	ParseSuccess ParseResult = iota
	ParseFail
	ParseDrop
	ParsePending
)

func (r ParseResult) String() string {
	switch r {
	case ParseSuccess:
		return "success"
	case ParseFail:
		return "fail"
	case ParseDrop:
		return "drop"
	default:
		return "pending"
	}
}

// Parser is the state machine a ConnectionObserver keeps for one protocol.
type Parser interface {
	// OnPacket consumes one captured read or write. data may be shorter than
	// realLen when the capture source truncated the payload.
	OnPacket(pktType PacketType, msgType MessageType, header *PacketEventHeader, data []byte, realLen uint32) ParseResult
	// GarbageCollection evicts partial state older than nowNs minus the
	// parser timeout or beyond sizeLimit bytes, and reports whether the
	// parser is empty.
	GarbageCollection(sizeLimit int, nowNs uint64) bool
	// CacheSize is the number of buffered, uncorrelated messages.
	CacheSize() int
}

// HostRecorder learns hostnames seen on the wire, e.g. DNS answers.
type HostRecorder interface {
	AddHostName(pid uint32, host string, ip string)
}
