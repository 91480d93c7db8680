package protocols

import (
	"bytes"
	"encoding/binary"
)

const (
	httpPort  = 80
	dnsPort   = 53
	mysqlPort = 3306
	redisPort = 6379
	pgsqlPort = 5432
)

// MessageTypeByRole derives request/response from who is talking.
func MessageTypeByRole(role PacketRoleType, pkt PacketType) MessageType {
	switch role {
	case RoleClient:
		if pkt == PacketOut {
			return MessageRequest
		} else if pkt == PacketIn {
			return MessageResponse
		}
	case RoleServer:
		if pkt == PacketIn {
			return MessageRequest
		} else if pkt == PacketOut {
			return MessageResponse
		}
	}
	return MessageNone
}

// RoleByMessageType is the inverse of MessageTypeByRole.
func RoleByMessageType(pkt PacketType, msg MessageType) PacketRoleType {
	switch {
	case pkt == PacketOut && msg == MessageRequest, pkt == PacketIn && msg == MessageResponse:
		return RoleClient
	case pkt == PacketIn && msg == MessageRequest, pkt == PacketOut && msg == MessageResponse:
		return RoleServer
	}
	return RoleUnknown
}

// messageTypeByPort reports whether one side of the connection uses the well
// known port and, if so, which way the packet goes.
func messageTypeByPort(h *PacketEventHeader, pkt PacketType, port uint16) (bool, MessageType) {
	if h == nil {
		return false, MessageNone
	}
	if h.DstPort == port {
		return true, MessageTypeByRole(RoleClient, pkt)
	}
	if h.SrcPort == port {
		return true, MessageTypeByRole(RoleServer, pkt)
	}
	return false, MessageNone
}

// InferProtocol classifies the first bytes of a stream. It never fails; an
// inconclusive window yields ProtocolNone and the caller retries on the next
// chunk.
func InferProtocol(h *PacketEventHeader, pkt PacketType, data []byte, realLen uint32) (ProtocolType, MessageType) {
	if ok, m := inferHTTP(h, pkt, data); ok {
		return ProtocolHTTP, m
	}
	if ok, m := inferDNS(h, pkt, data); ok {
		return ProtocolDNS, m
	}
	if ok, m := inferMySQL(h, pkt, data, realLen); ok {
		return ProtocolMySQL, m
	}
	if ok, m := inferRedis(h, pkt, data); ok {
		return ProtocolRedis, m
	}
	if ok, m := inferPgSQL(h, pkt, data, realLen); ok {
		return ProtocolPgSQL, m
	}
	return ProtocolNone, MessageNone
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "), []byte("PUT "),
	[]byte("DELETE "), []byte("PATCH "), []byte("OPTIONS "),
}

func inferHTTP(h *PacketEventHeader, pkt PacketType, data []byte) (bool, MessageType) {
	if len(data) < 16 {
		return false, MessageNone
	}
	if bytes.HasPrefix(data, []byte("HTTP/1.")) {
		return true, MessageResponse
	}
	for _, m := range httpMethods {
		if bytes.HasPrefix(data, m) {
			return true, MessageRequest
		}
	}
	return messageTypeByPort(h, pkt, httpPort)
}

func inferDNS(h *PacketEventHeader, pkt PacketType, data []byte) (bool, MessageType) {
	if len(data) < 12 || len(data) > 512 {
		return false, MessageNone
	}
	if ok, m := messageTypeByPort(h, pkt, dnsPort); ok {
		return true, m
	}
	flags := binary.BigEndian.Uint16(data[2:4])
	opcode := (flags >> 11) & 0x0f
	zero := (flags >> 6) & 0x01
	if opcode != 0 || zero != 0 {
		return false, MessageNone
	}
	questions := binary.BigEndian.Uint16(data[4:6])
	if questions == 0 || questions > 10 {
		return false, MessageNone
	}
	rrs := uint32(binary.BigEndian.Uint16(data[6:8])) +
		uint32(binary.BigEndian.Uint16(data[8:10])) +
		uint32(binary.BigEndian.Uint16(data[10:12]))
	if rrs > 25 {
		return false, MessageNone
	}
	if flags>>15 == 0 {
		return true, MessageRequest
	}
	return true, MessageResponse
}

const (
	mysqlGreeting  = 0x0a
	mysqlMaxComand = 0x1f
)

func inferMySQL(h *PacketEventHeader, pkt PacketType, data []byte, realLen uint32) (bool, MessageType) {
	if len(data) < 5 {
		return false, MessageNone
	}
	if ok, m := messageTypeByPort(h, pkt, mysqlPort); ok {
		return true, m
	}
	pktLen := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
	pktNum := data[3]
	com := data[4]
	if realLen < 4 || pktLen != realLen-4 {
		// column count header of a result set
		if pktNum == 1 && pktLen == 1 {
			return true, MessageResponse
		}
		return false, MessageNone
	}
	switch pktNum {
	case 0:
		if com == mysqlGreeting {
			return true, MessageResponse
		}
		if com <= mysqlMaxComand {
			return true, MessageRequest
		}
	case 1:
		if pktLen > 36 && realLen > 40 && len(data) > 25 && data[18] == 0 && data[25] == 0 {
			return true, MessageRequest
		}
		return true, MessageResponse
	}
	return false, MessageNone
}

func inferRedis(h *PacketEventHeader, pkt PacketType, data []byte) (bool, MessageType) {
	if len(data) < 3 {
		return false, MessageNone
	}
	if ok, m := messageTypeByPort(h, pkt, redisPort); ok {
		return true, m
	}
	switch data[0] {
	case '+', '-', ':', '$', '*':
	default:
		return false, MessageNone
	}
	if data[len(data)-2] != '\r' || data[len(data)-1] != '\n' {
		return false, MessageNone
	}
	var role PacketRoleType
	if h != nil {
		role = h.RoleType
	}
	if m := MessageTypeByRole(role, pkt); m != MessageNone {
		return true, m
	}
	if data[0] == '*' {
		return true, MessageRequest
	}
	return true, MessageResponse
}

var (
	pgFrontendTags = []byte("dcQfCBpPDSEHFX")
	pgBackendTags  = []byte("DZHGEC32IKR1tTnSNAsWcd")
	pgFrontendOnly = []byte("QfBpPFX")
)

func isPgTag(b byte) bool {
	return bytes.IndexByte(pgFrontendTags, b) >= 0 || bytes.IndexByte(pgBackendTags, b) >= 0
}

// IsPgStartup reports a startup message: no tag, length, protocol 3.0.
func IsPgStartup(data []byte, realLen uint32) bool {
	if len(data) < 8 {
		return false
	}
	l := binary.BigEndian.Uint32(data[0:4])
	return data[0] == 0 && l == realLen && bytes.Equal(data[4:8], []byte{0, 3, 0, 0})
}

func inferPgSQL(h *PacketEventHeader, pkt PacketType, data []byte, realLen uint32) (bool, MessageType) {
	if len(data) < 5 {
		return false, MessageNone
	}
	if ok, m := messageTypeByPort(h, pkt, pgsqlPort); ok {
		return true, m
	}
	var role PacketRoleType
	if h != nil {
		role = h.RoleType
	}
	if IsPgStartup(data, realLen) {
		return true, MessageRequest
	}
	truncated := uint32(len(data)) < realLen
	pos := 0
	for pos < len(data) {
		if !isPgTag(data[pos]) {
			return false, MessageNone
		}
		if pos+5 > len(data) {
			if !truncated || pos == 0 {
				return false, MessageNone
			}
			break
		}
		l := binary.BigEndian.Uint32(data[pos+1 : pos+5])
		if l < 4 {
			return false, MessageNone
		}
		pos += 1 + int(l)
	}
	if pos != len(data) && !truncated {
		return false, MessageNone
	}
	if m := MessageTypeByRole(role, pkt); m != MessageNone {
		return true, m
	}
	if bytes.IndexByte(pgFrontendOnly, data[0]) >= 0 {
		return true, MessageRequest
	}
	return true, MessageResponse
}

// ResolveRole prefers the role reported by the capture source.
func ResolveRole(h *PacketEventHeader, pkt PacketType, msg MessageType) PacketRoleType {
	if h != nil && h.RoleType != RoleUnknown {
		return h.RoleType
	}
	return RoleByMessageType(pkt, msg)
}
