package observer

import (
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/protocols"
)

// gcTimeouts are the collection thresholds in nanoseconds. They are
// staggered: connections go first, then processes without connections,
// then any idle process.
type gcTimeouts struct {
	connection       uint64
	connectionClosed uint64
	processNoConn    uint64
	process          uint64
	processDestroyed uint64
}

// ProcessObserver holds the connections of one pid. The aggregators it
// feeds belong to its group; the observer only keeps a handle to it.
type ProcessObserver struct {
	pid        uint32
	meta       *metas.ProcessMeta
	group      metas.GroupHandle
	conns      map[uint32]*ConnectionObserver
	lastDataNs uint64
	deleted    bool
}

func newProcessObserver(pid uint32, meta *metas.ProcessMeta, group metas.GroupHandle, nowNs uint64) *ProcessObserver {
	return &ProcessObserver{
		pid:        pid,
		meta:       meta,
		group:      group,
		conns:      make(map[uint32]*ConnectionObserver),
		lastDataNs: nowNs,
	}
}

func (p *ProcessObserver) PID() uint32 { return p.pid }

func (p *ProcessObserver) Meta() *metas.ProcessMeta { return p.meta }

func (p *ProcessObserver) Group() metas.GroupHandle { return p.group }

func (p *ProcessObserver) Len() int { return len(p.conns) }

func (p *ProcessObserver) MarkDeleted() { p.deleted = true }

func (p *ProcessObserver) Deleted() bool { return p.deleted }

func (p *ProcessObserver) HasConnection(sockHash uint32) bool {
	_, ok := p.conns[sockHash]
	return ok
}

func (p *ProcessObserver) Connection(sockHash uint32) (*ConnectionObserver, bool) {
	c, ok := p.conns[sockHash]
	return c, ok
}

// GetOrCreateConnection returns the connection of header.SockHash, creating
// it on first sight.
func (p *ProcessObserver) GetOrCreateConnection(header *protocols.PacketEventHeader) *ConnectionObserver {
	c, ok := p.conns[header.SockHash]
	if !ok {
		c = newConnectionObserver(header.SockHash, header.TimeNano)
		p.conns[header.SockHash] = c
	}
	return c
}

// ConnectionMarkDeleted soft deletes the connection of a closed socket.
func (p *ProcessObserver) ConnectionMarkDeleted(header *protocols.PacketEventHeader) {
	if c, ok := p.conns[header.SockHash]; ok {
		c.MarkDeleted()
	}
}

// OnData updates the activity time and forwards the packet to its
// connection.
func (p *ProcessObserver) OnData(ptl protocols.ProtocolType, header *protocols.PacketEventHeader, data *protocols.PacketEventData,
	payload []byte, factory ParserFactory) (protocols.ParseResult, bool) {
	if header.TimeNano > p.lastDataNs {
		p.lastDataNs = header.TimeNano
	}
	return p.GetOrCreateConnection(header).OnData(ptl, header, data, payload, factory)
}

// GarbageCollection frees collectable connections and reports whether the
// process itself can go, along with the number of connections released.
// The absolute process timeout applies regardless of open connections.
func (p *ProcessObserver) GarbageCollection(sizeLimit int, nowNs uint64, t gcTimeouts) (bool, int) {
	released := 0
	for hash, c := range p.conns {
		if c.GarbageCollection(sizeLimit, nowNs, t.connectionClosed, t.connection) {
			delete(p.conns, hash)
			released++
		}
	}
	var idle uint64
	if nowNs > p.lastDataNs {
		idle = nowNs - p.lastDataNs
	}
	switch {
	case idle > t.process:
		return true, released
	case p.deleted && idle > t.processDestroyed:
		return true, released
	case len(p.conns) == 0 && idle > t.processNoConn:
		return true, released
	}
	return false, released
}
