package observer

import (
	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
	dnsproto "github.com/ddosify/netobserver/protocols/dns"
	httpproto "github.com/ddosify/netobserver/protocols/http"
	mysqlproto "github.com/ddosify/netobserver/protocols/mysql"
	pgsqlproto "github.com/ddosify/netobserver/protocols/pgsql"
	redisproto "github.com/ddosify/netobserver/protocols/redis"
)

// NewParser builds the parser of p feeding the matching aggregator of aggs.
// It returns nil for protocols without a parser.
func NewParser(p protocols.ProtocolType, aggs *aggregator.ProtocolEventAggregators, hosts protocols.HostRecorder) protocols.Parser {
	switch p {
	case protocols.ProtocolHTTP:
		return httpproto.NewParser(aggs.GetHTTPAggregator(), hosts)
	case protocols.ProtocolDNS:
		return dnsproto.NewParser(aggs.GetDNSAggregator(), hosts)
	case protocols.ProtocolMySQL:
		return mysqlproto.NewParser(aggs.GetMySQLAggregator())
	case protocols.ProtocolRedis:
		return redisproto.NewParser(aggs.GetRedisAggregator())
	case protocols.ProtocolPgSQL:
		return pgsqlproto.NewParser(aggs.GetPgSQLAggregator())
	}
	return nil
}

// ParserFactory returns the parser for a protocol seen on a connection.
type ParserFactory func(p protocols.ProtocolType) protocols.Parser

// ConnectionObserver tracks one socket. It holds at most one parser, always
// of the protocol it last saw.
type ConnectionObserver struct {
	sockHash   uint32
	protocol   protocols.ProtocolType
	parser     protocols.Parser
	lastDataNs uint64
	deleted    bool
	switches   uint32
}

func newConnectionObserver(sockHash uint32, nowNs uint64) *ConnectionObserver {
	return &ConnectionObserver{sockHash: sockHash, lastDataNs: nowNs}
}

func (c *ConnectionObserver) SockHash() uint32 { return c.sockHash }

func (c *ConnectionObserver) Protocol() protocols.ProtocolType { return c.protocol }

// Switches counts how often the connection changed protocol, usually
// because the fd was reused by an unrelated connection.
func (c *ConnectionObserver) Switches() uint32 { return c.switches }

func (c *ConnectionObserver) Deleted() bool { return c.deleted }

// MarkDeleted lets the next collection free the connection after the closed
// connection grace period.
func (c *ConnectionObserver) MarkDeleted() { c.deleted = true }

// OnData feeds a packet of protocol p to the parser, replacing the parser
// first when p differs from the current protocol. switched is true when an
// existing parser was replaced.
func (c *ConnectionObserver) OnData(p protocols.ProtocolType, header *protocols.PacketEventHeader, data *protocols.PacketEventData,
	payload []byte, factory ParserFactory) (res protocols.ParseResult, switched bool) {
	if header.TimeNano > c.lastDataNs {
		c.lastDataNs = header.TimeNano
	}
	if c.parser == nil || c.protocol != p {
		if c.parser != nil {
			c.parser = nil
			c.switches++
			switched = true
		}
		c.protocol = p
		c.parser = factory(p)
		if c.parser == nil {
			c.protocol = protocols.ProtocolNone
			return protocols.ParseDrop, switched
		}
	}
	return c.parser.OnPacket(data.PktType, data.MsgType, header, payload, data.RealLen), switched
}

// GarbageCollection evicts stale parser state and reports whether the
// connection can be freed: its parser holds nothing and it was either
// closed longer than closedTimeoutNs ago or idle longer than timeoutNs.
func (c *ConnectionObserver) GarbageCollection(sizeLimit int, nowNs, closedTimeoutNs, timeoutNs uint64) bool {
	empty := true
	if c.parser != nil {
		empty = c.parser.GarbageCollection(sizeLimit, nowNs)
	}
	if !empty {
		return false
	}
	var idle uint64
	if nowNs > c.lastDataNs {
		idle = nowNs - c.lastDataNs
	}
	if c.deleted && idle > closedTimeoutNs {
		return true
	}
	return idle > timeoutNs
}

// CacheSize is the number of unpaired messages buffered by the parser.
func (c *ConnectionObserver) CacheSize() int {
	if c.parser == nil {
		return 0
	}
	return c.parser.CacheSize()
}
