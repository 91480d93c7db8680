package mysql

import (
	"encoding/binary"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
)

const (
	cacheCapacity = 32
	entryBytes    = 320
	maxPacketLen  = 0xffffff
	headerLen     = 4
)

// client commands
const (
	comQuit             = 0x01
	comInitDB           = 0x02
	comQuery            = 0x03
	comFieldList        = 0x04
	comCreateDB         = 0x05
	comDropDB           = 0x06
	comStmtPrepare      = 0x16
	comStmtSendLongData = 0x18
	comStmtClose        = 0x19
	comMax              = 0x1f
)

const (
	okPacket  = 0x00
	eofPacket = 0xfe
	errPacket = 0xff
	greeting  = 0x0a
)

type request struct {
	conn     aggregator.ConnKey
	timeNano uint64
	query    string
	collect  bool
	bytes    uint64
}

type response struct {
	timeNano uint64
	status   int
	bytes    uint64
}

// Parser handles the text protocol of one MySQL connection. Only
// statements carrying SQL text produce events; other commands still consume
// their response so pairing stays aligned.
type Parser struct {
	agg   *aggregator.MySQLAggregator
	cache *protocols.StitchCache[request, response]
}

func NewParser(agg *aggregator.MySQLAggregator) *Parser {
	p := &Parser{agg: agg}
	p.cache = protocols.NewStitchCache(cacheCapacity,
		func(r *request) uint64 { return r.timeNano },
		func(r *response) uint64 { return r.timeNano },
		p.stitch)
	return p
}

func (p *Parser) stitch(req *request, resp *response) bool {
	if !req.collect {
		return true
	}
	var latency uint64
	if resp.timeNano > req.timeNano {
		latency = resp.timeNano - req.timeNano
	}
	return p.agg.AddEvent(aggregator.MySQLKey{
		ConnKey: req.conn,
		Query:   req.query,
		Status:  resp.status,
	}, aggregator.Info{LatencyNs: latency, ReqBytes: req.bytes, RespBytes: resp.bytes})
}

func (p *Parser) OnPacket(pktType protocols.PacketType, msgType protocols.MessageType,
	header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	r := protocols.NewReader(data)
	length, err := r.Uint24LE()
	if err != nil {
		return protocols.ParseFail
	}
	seq, err := r.ReadByte()
	if err != nil {
		return protocols.ParseFail
	}
	if length == maxPacketLen {
		// payload split across packets
		return protocols.ParseDrop
	}
	first, err := r.PeekByte()
	if err != nil {
		return protocols.ParseFail
	}
	if msgType == protocols.MessageNone {
		msgType = protocols.MessageResponse
		if seq == 0 && !(first == greeting && length > 60) {
			msgType = protocols.MessageRequest
		}
	}
	if msgType == protocols.MessageRequest {
		return p.onRequest(pktType, header, r, length, seq, realLen)
	}
	return p.onResponse(header, r, length, seq, realLen)
}

func (p *Parser) onRequest(pktType protocols.PacketType, header *protocols.PacketEventHeader,
	r *protocols.Reader, length uint32, seq byte, realLen uint32) protocols.ParseResult {
	if seq != 0 {
		if isLogin(r.Bytes(), length) {
			return protocols.ParseSuccess
		}
		return protocols.ParseFail
	}
	if length == 0 || length+headerLen > realLen {
		return protocols.ParseFail
	}
	com, _ := r.ReadByte()
	var (
		query   string
		collect bool
	)
	switch com {
	case comQuit, comStmtSendLongData, comStmtClose:
		return protocols.ParseSuccess
	case comQuery, comStmtPrepare:
		query, collect = protocols.NormalizeQuery(r.Bytes()), true
	case comCreateDB:
		query, collect = "create database "+protocols.NormalizeQuery(r.Bytes()), true
	case comDropDB:
		query, collect = "drop database "+protocols.NormalizeQuery(r.Bytes()), true
	default:
		if com > comMax {
			return protocols.ParseFail
		}
	}
	role := protocols.ResolveRole(header, pktType, protocols.MessageRequest)
	ok := p.cache.InsertReq(func(req *request) {
		req.conn = aggregator.NewConnKey(header, role)
		req.timeNano = header.TimeNano
		req.query = query
		req.collect = collect
		req.bytes = uint64(realLen)
	})
	if !ok {
		return protocols.ParseDrop
	}
	return protocols.ParseSuccess
}

func (p *Parser) onResponse(header *protocols.PacketEventHeader, r *protocols.Reader,
	length uint32, seq byte, realLen uint32) protocols.ParseResult {
	first, _ := r.PeekByte()
	if seq == 0 {
		if first == greeting {
			return protocols.ParseSuccess
		}
		return protocols.ParseFail
	}
	if seq > 1 {
		// rows of a result set, or auth switch rounds
		return protocols.ParseSuccess
	}
	status := 0
	switch {
	case length == 1:
		// column count of a result set
	case first == okPacket && length >= 7:
	case first == eofPacket && length <= 9:
	case first == errPacket && length >= 3:
		_ = r.Skip(1)
		code, err := r.Uint16LE()
		if err != nil {
			return protocols.ParseFail
		}
		status = int(code)
	default:
		if isLogin(r.Bytes(), length) {
			return protocols.ParseSuccess
		}
		return protocols.ParseFail
	}
	ok := p.cache.InsertResp(func(resp *response) {
		resp.timeNano = header.TimeNano
		resp.status = status
		resp.bytes = uint64(realLen)
	})
	if !ok {
		return protocols.ParseDrop
	}
	return protocols.ParseSuccess
}

// isLogin recognises a HandshakeResponse41 by its zero filled reserved area.
func isLogin(payload []byte, length uint32) bool {
	return length > 31 && len(payload) > 31 && payload[9] == 0 && payload[31] == 0 &&
		binary.LittleEndian.Uint32(payload[4:8]) > 0
}

func (p *Parser) GarbageCollection(sizeLimit int, nowNs uint64) bool {
	if p.CacheSize()*entryBytes > sizeLimit {
		p.cache.Reset()
		return true
	}
	return p.cache.GarbageCollection(protocols.ExpireBefore(nowNs))
}

func (p *Parser) CacheSize() int {
	return p.cache.RequestsSize() + p.cache.ResponsesSize()
}
