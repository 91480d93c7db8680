package dns

import (
	"strconv"
	"strings"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"

	"github.com/miekg/dns"
)

const (
	maxPending = 64
	entryBytes = 192
)

type query struct {
	conn     aggregator.ConnKey
	pid      uint32
	timeNano uint64
	qtype    string
	name     string
	bytes    uint64
}

// Parser pairs DNS queries and answers of one socket by transaction id.
type Parser struct {
	agg     *aggregator.DNSAggregator
	hosts   protocols.HostRecorder
	pending map[uint16]*query
}

func NewParser(agg *aggregator.DNSAggregator, hosts protocols.HostRecorder) *Parser {
	return &Parser{
		agg:     agg,
		hosts:   hosts,
		pending: make(map[uint16]*query),
	}
}

func (p *Parser) OnPacket(pktType protocols.PacketType, _ protocols.MessageType,
	header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	m := new(dns.Msg)
	if err := m.Unpack(data); err != nil {
		if uint32(len(data)) < realLen {
			return protocols.ParseDrop
		}
		return protocols.ParseFail
	}
	if len(m.Question) == 0 {
		return protocols.ParseFail
	}
	if !m.Response {
		return p.onQuery(pktType, header, m, realLen)
	}
	return p.onAnswer(header, m, realLen)
}

func (p *Parser) onQuery(pktType protocols.PacketType, header *protocols.PacketEventHeader, m *dns.Msg, realLen uint32) protocols.ParseResult {
	if len(p.pending) >= maxPending {
		if _, ok := p.pending[m.Id]; !ok {
			return protocols.ParseDrop
		}
	}
	q := m.Question[0]
	role := protocols.ResolveRole(header, pktType, protocols.MessageRequest)
	p.pending[m.Id] = &query{
		conn:     aggregator.NewConnKey(header, role),
		pid:      header.PID,
		timeNano: header.TimeNano,
		qtype:    typeString(q.Qtype),
		name:     normalizeName(q.Name),
		bytes:    uint64(realLen),
	}
	return protocols.ParseSuccess
}

func (p *Parser) onAnswer(header *protocols.PacketEventHeader, m *dns.Msg, realLen uint32) protocols.ParseResult {
	q, ok := p.pending[m.Id]
	if !ok {
		// query not seen, e.g. capture started mid flight
		return protocols.ParseSuccess
	}
	delete(p.pending, m.Id)

	if p.hosts != nil && q.conn.Role == protocols.RoleClient {
		for _, rr := range m.Answer {
			switch v := rr.(type) {
			case *dns.A:
				p.hosts.AddHostName(q.pid, q.name, v.A.String())
			case *dns.AAAA:
				p.hosts.AddHostName(q.pid, q.name, v.AAAA.String())
			}
		}
	}

	var latency uint64
	if header.TimeNano > q.timeNano {
		latency = header.TimeNano - q.timeNano
	}
	if !p.agg.AddEvent(aggregator.DNSKey{
		ConnKey:     q.conn,
		ReqType:     q.qtype,
		ReqResource: q.name,
		RespStatus:  m.Rcode,
	}, aggregator.Info{LatencyNs: latency, ReqBytes: q.bytes, RespBytes: uint64(realLen)}) {
		return protocols.ParseDrop
	}
	return protocols.ParseSuccess
}

func (p *Parser) GarbageCollection(sizeLimit int, nowNs uint64) bool {
	if len(p.pending)*entryBytes > sizeLimit {
		p.pending = make(map[uint16]*query)
		return true
	}
	expire := protocols.ExpireBefore(nowNs)
	for id, q := range p.pending {
		if q.timeNano < expire {
			delete(p.pending, id)
		}
	}
	return len(p.pending) == 0
}

func (p *Parser) CacheSize() int { return len(p.pending) }

func typeString(t uint16) string {
	if s, ok := dns.TypeToString[t]; ok {
		return s
	}
	return strconv.Itoa(int(t))
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
