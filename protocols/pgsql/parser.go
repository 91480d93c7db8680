package pgsql

import (
	"bytes"
	"encoding/binary"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
)

const (
	maxPending = 64
	entryBytes = 320
	maxMsgLen  = 1 << 30
)

const (
	tagQuery          = 'Q'
	tagParse          = 'P'
	tagError          = 'E'
	tagReadyForQuery  = 'Z'
	errorFieldSQLCode = 'C'
)

type statement struct {
	conn     aggregator.ConnKey
	timeNano uint64
	query    string
	bytes    uint64
}

// Parser follows the simple and extended query flows of one connection.
// A statement is answered once the backend reports ReadyForQuery; an error
// seen before that sets the status to its SQLSTATE.
type Parser struct {
	agg     *aggregator.PgSQLAggregator
	pending []statement

	respBytes  uint64
	respStatus string
}

func NewParser(agg *aggregator.PgSQLAggregator) *Parser {
	return &Parser{agg: agg}
}

type message struct {
	tag  byte
	body []byte
}

// split walks the tagged messages of a payload. truncated reports that the
// capture ended inside a message.
func split(data []byte, realLen uint32) (msgs []message, truncated bool, res protocols.ParseResult) {
	r := protocols.NewReader(data)
	for r.Len() > 0 {
		tag, _ := r.ReadByte()
		l, err := r.Uint32BE()
		if err != nil {
			if uint32(len(data)) < realLen {
				return msgs, true, protocols.ParseSuccess
			}
			return nil, false, protocols.ParseFail
		}
		if l < 4 {
			return nil, false, protocols.ParseFail
		}
		if l > maxMsgLen {
			return nil, false, protocols.ParseDrop
		}
		body, err := r.Next(int(l) - 4)
		if err != nil {
			if uint32(len(data)) < realLen {
				msgs = append(msgs, message{tag: tag, body: r.Bytes()})
				return msgs, true, protocols.ParseSuccess
			}
			return nil, false, protocols.ParseFail
		}
		msgs = append(msgs, message{tag: tag, body: body})
	}
	return msgs, false, protocols.ParseSuccess
}

func (p *Parser) OnPacket(pktType protocols.PacketType, msgType protocols.MessageType,
	header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	if protocols.IsPgStartup(data, realLen) || isSSLRequest(data) {
		return protocols.ParseSuccess
	}
	msgs, truncated, res := split(data, realLen)
	if res != protocols.ParseSuccess {
		return res
	}
	if len(msgs) == 0 {
		return protocols.ParseFail
	}
	if msgType == protocols.MessageNone {
		msgType = protocols.MessageResponse
		if msgs[0].tag == tagQuery || msgs[0].tag == tagParse {
			msgType = protocols.MessageRequest
		}
	}
	if msgType == protocols.MessageRequest {
		return p.onFrontend(pktType, header, msgs, realLen)
	}
	return p.onBackend(header, msgs, truncated, realLen)
}

func (p *Parser) onFrontend(pktType protocols.PacketType, header *protocols.PacketEventHeader,
	msgs []message, realLen uint32) protocols.ParseResult {
	var query []byte
	found := false
	for _, m := range msgs {
		switch m.tag {
		case tagQuery:
			query, found = m.body, true
		case tagParse:
			// statement name, then the query text
			if i := bytes.IndexByte(m.body, 0); i >= 0 {
				query, found = m.body[i+1:], true
			}
		}
		if found {
			break
		}
	}
	if !found {
		// Bind/Execute/Sync of an already parsed statement, password, etc.
		return protocols.ParseSuccess
	}
	if len(p.pending) >= maxPending {
		p.pending = p.pending[1:]
	}
	role := protocols.ResolveRole(header, pktType, protocols.MessageRequest)
	p.pending = append(p.pending, statement{
		conn:     aggregator.NewConnKey(header, role),
		timeNano: header.TimeNano,
		query:    protocols.NormalizeQuery(query),
		bytes:    uint64(realLen),
	})
	return protocols.ParseSuccess
}

func (p *Parser) onBackend(header *protocols.PacketEventHeader, msgs []message, truncated bool, realLen uint32) protocols.ParseResult {
	p.respBytes += uint64(realLen)
	res := protocols.ParseSuccess
	done := false
	for _, m := range msgs {
		switch m.tag {
		case tagError:
			if p.respStatus == "" {
				p.respStatus = sqlState(m.body)
			}
		case tagReadyForQuery:
			if !p.complete(header) {
				res = protocols.ParseDrop
			}
			done = true
		}
	}
	// the final ReadyForQuery was cut by the capture buffer
	if truncated && !done && p.respStatus != "" {
		if !p.complete(header) {
			res = protocols.ParseDrop
		}
	}
	return res
}

// complete answers the oldest pending statement.
func (p *Parser) complete(header *protocols.PacketEventHeader) bool {
	status := p.respStatus
	if status == "" {
		status = "0"
	}
	respBytes := p.respBytes
	p.respStatus, p.respBytes = "", 0
	if len(p.pending) == 0 {
		return true
	}
	st := p.pending[0]
	p.pending = p.pending[1:]
	var latency uint64
	if header.TimeNano > st.timeNano {
		latency = header.TimeNano - st.timeNano
	}
	return p.agg.AddEvent(aggregator.PgSQLKey{
		ConnKey: st.conn,
		Query:   st.query,
		Status:  status,
	}, aggregator.Info{LatencyNs: latency, ReqBytes: st.bytes, RespBytes: respBytes})
}

// sqlState finds the 'C' field of an ErrorResponse body.
func sqlState(body []byte) string {
	r := protocols.NewReader(body)
	for r.Len() > 0 {
		code, _ := r.ReadByte()
		if code == 0 {
			break
		}
		v, err := r.ReadUntil(0)
		if err != nil {
			break
		}
		if code == errorFieldSQLCode {
			return string(v)
		}
	}
	return "ERROR"
}

func isSSLRequest(data []byte) bool {
	return len(data) == 8 && binary.BigEndian.Uint32(data[0:4]) == 8 &&
		binary.BigEndian.Uint32(data[4:8]) == 80877103
}

func (p *Parser) GarbageCollection(sizeLimit int, nowNs uint64) bool {
	if len(p.pending)*entryBytes > sizeLimit {
		p.pending = nil
		p.respStatus, p.respBytes = "", 0
		return true
	}
	expire := protocols.ExpireBefore(nowNs)
	i := 0
	for i < len(p.pending) && p.pending[i].timeNano < expire {
		i++
	}
	p.pending = p.pending[i:]
	if len(p.pending) == 0 {
		p.pending = nil
		p.respStatus, p.respBytes = "", 0
		return true
	}
	return false
}

func (p *Parser) CacheSize() int { return len(p.pending) }
