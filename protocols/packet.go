package protocols

import (
	"errors"
	"fmt"
	"unsafe"

	"inet.af/netaddr"
)

const (
	AddrIPv4 uint8 = iota
	AddrIPv6
)

// PacketEventHeader is the fixed prefix of every event delivered by a capture
// source. Layout matches the kernel side, little endian, no padding.
type PacketEventHeader struct {
	TimeNano    uint64
	PID         uint32
	SockHash    uint32
	EventType   PacketEventType
	RoleType    PacketRoleType
	SrcAddrType uint8
	DstAddrType uint8
	SrcPort     uint16
	DstPort     uint16
	SrcAddr     [16]byte
	DstAddr     [16]byte
}

// PacketEventData follows the header on data events; BufferLen payload bytes
// come right after it.
type PacketEventData struct {
	PtlType   ProtocolType
	PktType   PacketType
	MsgType   MessageType
	_         uint8
	BufferLen uint32
	RealLen   uint32
}

var (
	PacketEventHeaderSize = int(unsafe.Sizeof(PacketEventHeader{}))
	PacketEventDataSize   = int(unsafe.Sizeof(PacketEventData{}))
)

var ErrShortPacket = errors.New("packet event shorter than header")

// DecodePacketEvent views buf as a packet event without copying. data is nil
// for control events. The returned pointers alias buf.
func DecodePacketEvent(buf []byte) (*PacketEventHeader, *PacketEventData, []byte, error) {
	if len(buf) < PacketEventHeaderSize {
		return nil, nil, nil, ErrShortPacket
	}
	header := (*PacketEventHeader)(unsafe.Pointer(&buf[0]))
	if header.EventType != EventData {
		return header, nil, nil, nil
	}
	if len(buf) < PacketEventHeaderSize+PacketEventDataSize {
		return nil, nil, nil, fmt.Errorf("data event of %d bytes: %w", len(buf), ErrShortPacket)
	}
	data := (*PacketEventData)(unsafe.Pointer(&buf[PacketEventHeaderSize]))
	payload := buf[PacketEventHeaderSize+PacketEventDataSize:]
	if int(data.BufferLen) < len(payload) {
		payload = payload[:data.BufferLen]
	}
	return header, data, payload, nil
}

// EncodePacketEvent lays out header, data and payload contiguously. data may
// be nil for control events.
func EncodePacketEvent(header *PacketEventHeader, data *PacketEventData, payload []byte) []byte {
	return AppendPacketEvent(nil, header, data, payload)
}

// AppendPacketEvent is EncodePacketEvent reusing the capacity of dst.
func AppendPacketEvent(dst []byte, header *PacketEventHeader, data *PacketEventData, payload []byte) []byte {
	size := PacketEventHeaderSize
	if data != nil {
		size += PacketEventDataSize + len(payload)
	}
	if cap(dst) < size {
		dst = make([]byte, size)
	}
	buf := dst[:size]
	*(*PacketEventHeader)(unsafe.Pointer(&buf[0])) = *header
	if data != nil {
		d := *data
		d.BufferLen = uint32(len(payload))
		if d.RealLen < d.BufferLen {
			d.RealLen = d.BufferLen
		}
		*(*PacketEventData)(unsafe.Pointer(&buf[PacketEventHeaderSize])) = d
		copy(buf[PacketEventHeaderSize+PacketEventDataSize:], payload)
	}
	return buf
}

func toIP(typ uint8, raw [16]byte) netaddr.IP {
	if typ == AddrIPv6 {
		return netaddr.IPFrom16(raw)
	}
	return netaddr.IPv4(raw[0], raw[1], raw[2], raw[3])
}

func fromIP(ip netaddr.IP) (uint8, [16]byte) {
	var raw [16]byte
	if ip.Is4() {
		b := ip.As4()
		copy(raw[:], b[:])
		return AddrIPv4, raw
	}
	return AddrIPv6, ip.As16()
}

// RemoteIP is the peer of the observed process.
func (h *PacketEventHeader) RemoteIP() netaddr.IP {
	return toIP(h.DstAddrType, h.DstAddr)
}

func (h *PacketEventHeader) LocalIP() netaddr.IP {
	return toIP(h.SrcAddrType, h.SrcAddr)
}

func (h *PacketEventHeader) SetRemote(ip netaddr.IP, port uint16) {
	h.DstAddrType, h.DstAddr = fromIP(ip)
	h.DstPort = port
}

func (h *PacketEventHeader) SetLocal(ip netaddr.IP, port uint16) {
	h.SrcAddrType, h.SrcAddr = fromIP(ip)
	h.SrcPort = port
}

func (h *PacketEventHeader) String() string {
	return fmt.Sprintf("pid=%d sock=%d event=%s role=%s %s:%d -> %s:%d ts=%d",
		h.PID, h.SockHash, h.EventType, h.RoleType,
		h.LocalIP(), h.SrcPort, h.RemoteIP(), h.DstPort, h.TimeNano)
}
