package redis

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
)

const (
	maxPending    = 64
	entryBytes    = 128
	maxArrayLen   = 1 << 20
	maxBulkLen    = 512 << 20
	maxCommandLen = 32
)

type command struct {
	conn     aggregator.ConnKey
	timeNano uint64
	name     string
	bytes    uint64
}

type reply struct {
	timeNano uint64
	status   string
	bytes    uint64
	push     bool
}

// Parser correlates RESP commands and replies of one connection. Redis
// answers in command order, so pipelined commands are kept in a FIFO.
// Each direction is framed across reads; a read may carry several
// messages or only part of one.
type Parser struct {
	agg     *aggregator.RedisAggregator
	pending []command

	req, resp respFramer
	header    *protocols.PacketEventHeader
	role      protocols.PacketRoleType
	cmd       command
	rep       reply
	dropped   bool
}

func NewParser(agg *aggregator.RedisAggregator) *Parser {
	return &Parser{agg: agg, req: respFramer{inline: true}}
}

func (p *Parser) OnPacket(pktType protocols.PacketType, msgType protocols.MessageType,
	header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	if len(data) == 0 {
		return protocols.ParseFail
	}
	if msgType == protocols.MessageNone {
		msgType = p.guessMessageType(header, pktType, data)
	}
	p.header = header
	p.dropped = false
	var res protocols.ParseResult
	if msgType == protocols.MessageRequest {
		p.role = protocols.ResolveRole(header, pktType, protocols.MessageRequest)
		res = p.req.feed(data, realLen, (*requests)(p))
	} else {
		res = p.resp.feed(data, realLen, (*replies)(p))
	}
	p.header = nil
	if res == protocols.ParseSuccess && p.dropped {
		return protocols.ParseDrop
	}
	return res
}

func (p *Parser) guessMessageType(header *protocols.PacketEventHeader, pktType protocols.PacketType,
	data []byte) protocols.MessageType {
	if m := protocols.MessageTypeByRole(header.RoleType, pktType); m != protocols.MessageNone {
		return m
	}
	switch {
	case p.req.busy() && !p.resp.busy():
		return protocols.MessageRequest
	case p.resp.busy() && !p.req.busy():
		return protocols.MessageResponse
	case data[0] == '*':
		return protocols.MessageRequest
	}
	return protocols.MessageResponse
}

// requests and replies are the frame handlers of the two directions.
type (
	requests Parser
	replies  Parser
)

func (r *requests) start(msg []byte) protocols.ParseResult {
	name, res := commandName(msg)
	if res != protocols.ParseSuccess {
		return res
	}
	r.cmd = command{
		conn:     aggregator.NewConnKey(r.header, r.role),
		timeNano: r.header.TimeNano,
		name:     name,
	}
	return protocols.ParseSuccess
}

func (r *requests) add(n int64) { r.cmd.bytes += uint64(n) }

func (r *requests) done() {
	if len(r.pending) >= maxPending {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, r.cmd)
}

func (r *replies) start(msg []byte) protocols.ParseResult {
	status := "0"
	switch msg[0] {
	case '+', ':', '$', '*', '_', ',', '#', '%', '~', '(', '=', '!':
	case '-':
		line := msg[1:]
		if i := bytes.Index(line, []byte("\r\n")); i >= 0 {
			line = line[:i]
		}
		status = string(line)
		if i := bytes.IndexByte(line, ' '); i >= 0 {
			status = string(line[:i])
		}
		if status == "" {
			status = "ERR"
		}
	case '>':
	default:
		return protocols.ParseFail
	}
	r.rep = reply{timeNano: r.header.TimeNano, status: status, push: msg[0] == '>'}
	return protocols.ParseSuccess
}

func (r *replies) add(n int64) { r.rep.bytes += uint64(n) }

func (r *replies) done() {
	// out of band pushes answer no command
	if r.rep.push || len(r.pending) == 0 {
		return
	}
	cmd := r.pending[0]
	r.pending = r.pending[1:]
	var latency uint64
	if r.rep.timeNano > cmd.timeNano {
		latency = r.rep.timeNano - cmd.timeNano
	}
	if !r.agg.AddEvent(aggregator.RedisKey{
		ConnKey: cmd.conn,
		Query:   cmd.name,
		Status:  r.rep.status,
	}, aggregator.Info{LatencyNs: latency, ReqBytes: cmd.bytes, RespBytes: r.rep.bytes}) {
		r.dropped = true
	}
}

// commandName returns the lowercased first word of a command, either an
// array of bulk strings or an inline command. A name the read cuts short
// is returned as far as it goes.
func commandName(data []byte) (string, protocols.ParseResult) {
	r := protocols.NewReader(data)
	if data[0] != '*' {
		line, err := r.ReadLine()
		if err != nil {
			return "", protocols.ParseFail
		}
		fields := bytes.Fields(line)
		if len(fields) == 0 || len(fields[0]) > maxCommandLen {
			return "", protocols.ParseFail
		}
		return strings.ToLower(string(fields[0])), protocols.ParseSuccess
	}
	_ = r.Skip(1)
	n, res := readLength(r)
	if res != protocols.ParseSuccess {
		return "", res
	}
	if n <= 0 {
		return "", protocols.ParseFail
	}
	if n > maxArrayLen {
		return "", protocols.ParseDrop
	}
	if r.Len() == 0 {
		return "", protocols.ParseSuccess
	}
	if b, _ := r.ReadByte(); b != '$' {
		return "", protocols.ParseFail
	}
	line, err := r.ReadLine()
	if err != nil {
		return "", protocols.ParseSuccess
	}
	size, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return "", protocols.ParseFail
	}
	if size > maxBulkLen {
		return "", protocols.ParseDrop
	}
	if size <= 0 || size > maxCommandLen {
		return "", protocols.ParseFail
	}
	name := r.Bytes()
	if len(name) > int(size) {
		name = name[:size]
	}
	return strings.ToLower(string(name)), protocols.ParseSuccess
}

func readLength(r *protocols.Reader) (int64, protocols.ParseResult) {
	line, err := r.ReadLine()
	if err != nil {
		return 0, protocols.ParseFail
	}
	n, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, protocols.ParseFail
	}
	return n, protocols.ParseSuccess
}

func (p *Parser) GarbageCollection(sizeLimit int, nowNs uint64) bool {
	if len(p.pending)*entryBytes > sizeLimit {
		p.pending = nil
		p.req.reset()
		p.resp.reset()
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
		return true
	}
	return false
}

func (p *Parser) CacheSize() int { return len(p.pending) }
