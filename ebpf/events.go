package ebpf

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"inet.af/netaddr"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/ebpf/proc"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/observer"
	"github.com/ddosify/netobserver/protocols"
)

// address families as the kernel reports them
const (
	familyUnknown = 0
	familyUnix    = 1
	familyInet    = 2
	familyInet6   = 10
)

const (
	ctrlConnect = iota + 1
	ctrlAccept
	ctrlClose
)

// dataEvent is the kernel layout of packet_events records; BufferLen
// payload bytes follow it.
type dataEvent struct {
	TimestampNs uint64 // since boot
	ConnID      uint64
	PID         uint32
	FD          uint32
	Family      uint16
	SrcPort     uint16
	DstPort     uint16
	Role        uint8
	Direction   uint8
	Protocol    uint8
	MsgType     uint8
	_           [2]byte
	SrcAddr     [16]byte
	DstAddr     [16]byte
	BufferLen   uint32
	RealLen     uint32
}

// ctrlEvent is the kernel layout of ctrl_events records.
type ctrlEvent struct {
	TimestampNs uint64
	ConnID      uint64
	PID         uint32
	FD          uint32
	Family      uint16
	SrcPort     uint16
	DstPort     uint16
	Type        uint8
	Role        uint8
	SrcAddr     [16]byte
	DstAddr     [16]byte
}

var (
	dataEventSize = int(unsafe.Sizeof(dataEvent{}))
	ctrlEventSize = int(unsafe.Sizeof(ctrlEvent{}))
)

// SockHash fingerprints a connection. The kernel connection id keeps a
// reused fd from colliding with the socket it had before.
func SockHash(pid, fd uint32, connID uint64) uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], pid)
	binary.LittleEndian.PutUint32(b[4:], fd)
	binary.LittleEndian.PutUint64(b[8:], connID)
	return uint32(xxhash.Sum64(b[:]))
}

type processExit struct {
	pid uint32
	cmd string
}

// decoder turns kernel records into packet events. It runs on the
// observer loop goroutine only.
type decoder struct {
	cfg        *config.NetworkConfig
	conns      *metas.ConnectionMetaManager
	proc       *metas.ProcFS
	bootOffset int64

	stats map[observer.NetStatisticsKey]observer.NetStatisticsValue
	cmds  map[uint32]string
	exits []processExit

	scratch   []byte
	dropped   uint64
	malformed uint64
}

func newDecoder(cfg *config.NetworkConfig, conns *metas.ConnectionMetaManager, procFS *metas.ProcFS, bootOffset int64) *decoder {
	return &decoder{
		cfg:        cfg,
		conns:      conns,
		proc:       procFS,
		bootOffset: bootOffset,
		stats:      make(map[observer.NetStatisticsKey]observer.NetStatisticsValue),
		cmds:       make(map[uint32]string),
	}
}

func rawIP(family uint16, addr [16]byte) netaddr.IP {
	switch family {
	case familyInet:
		return netaddr.IPv4(addr[0], addr[1], addr[2], addr[3])
	case familyInet6:
		return netaddr.IPFrom16(addr)
	}
	return netaddr.IP{}
}

type endpoints struct {
	local, remote netaddr.IPPort
	role          protocols.PacketRoleType
}

// resolve fills what the kernel could not tell about a socket from procfs
// and applies the drop rules. false means the event is dropped.
func (d *decoder) resolve(pid, fd uint32, family uint16, role uint8, src, dst [16]byte, sport, dport uint16) (endpoints, bool) {
	c := &d.cfg.Common
	ep := endpoints{role: protocols.PacketRoleType(role)}
	switch family {
	case familyUnix:
		return ep, !c.DropUnixSocket
	case familyInet, familyInet6:
		ep.local = netaddr.IPPortFrom(rawIP(family, src), sport)
		ep.remote = netaddr.IPPortFrom(rawIP(family, dst), dport)
	default:
		info := d.conns.GetConnectionInfo(pid, fd)
		if info == nil {
			return ep, !c.DropUnknownSocket
		}
		if info.Family == metas.FamilyUnix {
			return ep, !c.DropUnixSocket
		}
		ep.local, ep.remote = info.Local, info.Remote
		if ep.role == protocols.RoleUnknown {
			ep.role = info.Role
		}
	}
	if c.DropLocalConnections && ep.remote.IP().IsLoopback() {
		return ep, false
	}
	return ep, true
}

func (d *decoder) header(ts uint64, pid uint32, sockHash uint32, typ protocols.PacketEventType, ep endpoints) protocols.PacketEventHeader {
	h := protocols.PacketEventHeader{
		TimeNano:  uint64(int64(ts) + d.bootOffset),
		PID:       pid,
		SockHash:  sockHash,
		EventType: typ,
		RoleType:  ep.role,
	}
	if !ep.local.IP().IsZero() {
		h.SetLocal(ep.local.IP(), ep.local.Port())
	}
	if !ep.remote.IP().IsZero() {
		h.SetRemote(ep.remote.IP(), ep.remote.Port())
	}
	return h
}

func (d *decoder) remember(pid uint32) {
	if _, ok := d.cmds[pid]; ok {
		return
	}
	cmd, _ := d.proc.ReadCmdline(pid)
	d.cmds[pid] = cmd
}

func (d *decoder) onData(raw []byte, handle func([]byte)) bool {
	if len(raw) < dataEventSize {
		d.malformed++
		return false
	}
	ev := (*dataEvent)(unsafe.Pointer(&raw[0]))
	ep, ok := d.resolve(ev.PID, ev.FD, ev.Family, ev.Role, ev.SrcAddr, ev.DstAddr, ev.SrcPort, ev.DstPort)
	if !ok {
		d.dropped++
		return false
	}
	d.remember(ev.PID)
	payload := raw[dataEventSize:]
	if int(ev.BufferLen) < len(payload) {
		payload = payload[:ev.BufferLen]
	}
	sockHash := SockHash(ev.PID, ev.FD, ev.ConnID)
	h := d.header(ev.TimestampNs, ev.PID, sockHash, protocols.EventData, ep)
	ptl := protocols.ProtocolType(ev.Protocol)
	if ptl >= protocols.ProtocolNum {
		ptl = protocols.ProtocolNone
	}
	data := protocols.PacketEventData{
		PtlType: ptl,
		PktType: protocols.PacketType(ev.Direction),
		MsgType: protocols.MessageType(ev.MsgType),
		RealLen: ev.RealLen,
	}

	key := observer.NetStatisticsKey{PID: ev.PID, SockHash: sockHash, Remote: ep.remote, Role: ep.role}
	v := d.stats[key]
	if data.PktType == protocols.PacketOut {
		v.SendBytes += uint64(ev.RealLen)
		v.SendPackets++
	} else {
		v.RecvBytes += uint64(ev.RealLen)
		v.RecvPackets++
	}
	d.stats[key] = v

	d.scratch = protocols.AppendPacketEvent(d.scratch, &h, &data, payload)
	handle(d.scratch)
	return true
}

func (d *decoder) onCtrl(raw []byte, handle func([]byte)) bool {
	if len(raw) < ctrlEventSize {
		d.malformed++
		return false
	}
	ev := (*ctrlEvent)(unsafe.Pointer(&raw[0]))
	var typ protocols.PacketEventType
	switch ev.Type {
	case ctrlConnect:
		typ = protocols.EventConnected
	case ctrlAccept:
		typ = protocols.EventAccepted
	case ctrlClose:
		typ = protocols.EventClosed
	default:
		d.malformed++
		return false
	}
	ep, ok := d.resolve(ev.PID, ev.FD, ev.Family, ev.Role, ev.SrcAddr, ev.DstAddr, ev.SrcPort, ev.DstPort)
	if !ok {
		d.dropped++
		return false
	}
	d.remember(ev.PID)
	h := d.header(ev.TimestampNs, ev.PID, SockHash(ev.PID, ev.FD, ev.ConnID), typ, ep)
	d.scratch = protocols.AppendPacketEvent(d.scratch, &h, nil, nil)
	handle(d.scratch)
	return true
}

func (d *decoder) onProc(raw []byte) {
	e, ok := proc.Decode(raw)
	if !ok {
		d.malformed++
		return
	}
	switch {
	case e.Exec():
		if _, seen := d.cmds[e.Pid]; seen {
			cmd, _ := d.proc.ReadCmdline(e.Pid)
			d.cmds[e.Pid] = cmd
		}
	case e.Exit():
		cmd, seen := d.cmds[e.Pid]
		if !seen {
			return
		}
		delete(d.cmds, e.Pid)
		d.exits = append(d.exits, processExit{pid: e.Pid, cmd: cmd})
		log.Logger.Debug().Uint32("pid", e.Pid).Str("cmd", cmd).Msg("observed process exited")
	}
}

func (d *decoder) drainExits(handle func(pid uint32, cmd string)) {
	for _, e := range d.exits {
		handle(e.pid, e.cmd)
	}
	d.exits = d.exits[:0]
}

// drainStatistics hands out the traffic counters and forgets commands of
// pids whose exit event was lost.
func (d *decoder) drainStatistics() map[observer.NetStatisticsKey]observer.NetStatisticsValue {
	out := d.stats
	d.stats = make(map[observer.NetStatisticsKey]observer.NetStatisticsValue, len(out))
	for pid := range d.cmds {
		if !d.proc.Alive(pid) {
			delete(d.cmds, pid)
		}
	}
	return out
}
