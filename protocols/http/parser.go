package http

import (
	"bytes"
	"net"
	"strconv"
	"strings"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"

	"golang.org/x/net/http/httpguts"
)

const (
	cacheCapacity  = 32
	entryBytes     = 320
	maxURLLen      = 8192
	maxResourceLen = 256
	maxDomainLen   = 128
)

type request struct {
	conn     aggregator.ConnKey
	timeNano uint64
	method   string
	domain   string
	resource string
	version  int
	bytes    uint64
}

type response struct {
	timeNano uint64
	code     int
	bytes    uint64
}

// Parser correlates HTTP/1.x requests and responses of one connection.
// Payloads that do not start a message are treated as body continuation
// of the previous one.
type Parser struct {
	agg   *aggregator.HTTPAggregator
	hosts protocols.HostRecorder
	cache *protocols.StitchCache[request, response]
}

func NewParser(agg *aggregator.HTTPAggregator, hosts protocols.HostRecorder) *Parser {
	p := &Parser{agg: agg, hosts: hosts}
	p.cache = protocols.NewStitchCache(cacheCapacity,
		func(r *request) uint64 { return r.timeNano },
		func(r *response) uint64 { return r.timeNano },
		p.stitch)
	return p
}

func (p *Parser) stitch(req *request, resp *response) bool {
	var latency uint64
	if resp.timeNano > req.timeNano {
		latency = resp.timeNano - req.timeNano
	}
	return p.agg.AddEvent(aggregator.HTTPKey{
		ConnKey:     req.conn,
		ReqType:     req.method,
		ReqDomain:   req.domain,
		ReqResource: req.resource,
		Version:     strconv.Itoa(req.version),
		RespCode:    resp.code,
	}, aggregator.Info{LatencyNs: latency, ReqBytes: req.bytes, RespBytes: resp.bytes})
}

func (p *Parser) OnPacket(pktType protocols.PacketType, msgType protocols.MessageType,
	header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	if msgType == protocols.MessageNone {
		if bytes.HasPrefix(data, []byte("HTTP/")) {
			msgType = protocols.MessageResponse
		} else {
			msgType = protocols.MessageRequest
		}
	}
	if msgType == protocols.MessageRequest {
		return p.onRequest(pktType, header, data, realLen)
	}
	return p.onResponse(header, data, realLen)
}

func (p *Parser) onRequest(pktType protocols.PacketType, header *protocols.PacketEventHeader,
	data []byte, realLen uint32) protocols.ParseResult {
	if !startsRequest(data) {
		if last := p.cache.LastRequest(); last != nil {
			last.bytes += uint64(realLen)
			return protocols.ParseSuccess
		}
		return protocols.ParseFail
	}
	r := protocols.NewReader(data)
	line, err := r.ReadLine()
	if err != nil {
		if len(data) > maxURLLen {
			return protocols.ParseDrop
		}
		return protocols.ParseFail
	}
	method, target, version, ok := parseRequestLine(line)
	if !ok {
		return protocols.ParseFail
	}
	if len(target) > maxURLLen {
		return protocols.ParseDrop
	}
	headers, ok := readHeaders(r)
	if !ok {
		return protocols.ParseFail
	}
	domain := hostOnly(headers["host"])
	role := protocols.ResolveRole(header, pktType, protocols.MessageRequest)
	conn := aggregator.NewConnKey(header, role)
	if p.hosts != nil && domain != "" && role == protocols.RoleClient {
		p.hosts.AddHostName(header.PID, domain, conn.RemoteIP)
	}
	ok = p.cache.InsertReq(func(req *request) {
		req.conn = conn
		req.timeNano = header.TimeNano
		req.method = method
		req.domain = domain
		req.resource = resource(target)
		req.version = version
		req.bytes = uint64(realLen)
	})
	if !ok {
		return protocols.ParseDrop
	}
	return protocols.ParseSuccess
}

func (p *Parser) onResponse(header *protocols.PacketEventHeader, data []byte, realLen uint32) protocols.ParseResult {
	if !bytes.HasPrefix(data, []byte("HTTP/")) {
		// body of a response that was already paired
		return protocols.ParseSuccess
	}
	r := protocols.NewReader(data)
	line, err := r.ReadLine()
	if err != nil {
		return protocols.ParseFail
	}
	code, ok := parseStatusLine(line)
	if !ok {
		return protocols.ParseFail
	}
	if _, ok := readHeaders(r); !ok {
		return protocols.ParseFail
	}
	ok = p.cache.InsertResp(func(resp *response) {
		resp.timeNano = header.TimeNano
		resp.code = code
		resp.bytes = uint64(realLen)
	})
	if !ok {
		return protocols.ParseDrop
	}
	return protocols.ParseSuccess
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

func startsRequest(data []byte) bool {
	sp := bytes.IndexByte(data, ' ')
	if sp <= 0 || sp > 16 {
		return false
	}
	return httpguts.ValidHeaderFieldName(string(data[:sp]))
}

// parseRequestLine splits "METHOD target HTTP/1.x".
func parseRequestLine(line []byte) (method, target string, minor int, ok bool) {
	first := bytes.IndexByte(line, ' ')
	last := bytes.LastIndexByte(line, ' ')
	if first <= 0 || last <= first {
		return "", "", 0, false
	}
	minor, ok = parseVersion(line[last+1:])
	if !ok {
		return "", "", 0, false
	}
	method = string(line[:first])
	if !httpguts.ValidHeaderFieldName(method) {
		return "", "", 0, false
	}
	return method, string(line[first+1 : last]), minor, true
}

// parseStatusLine reads the code of "HTTP/1.x 200 reason".
func parseStatusLine(line []byte) (int, bool) {
	if len(line) < 12 {
		return 0, false
	}
	if _, ok := parseVersion(line[:8]); !ok || line[8] != ' ' {
		return 0, false
	}
	code, err := strconv.Atoi(string(line[9:12]))
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}
	return code, true
}

func parseVersion(v []byte) (int, bool) {
	if len(v) != 8 || !bytes.HasPrefix(v, []byte("HTTP/1.")) {
		return 0, false
	}
	if v[7] < '0' || v[7] > '9' {
		return 0, false
	}
	return int(v[7] - '0'), true
}

// readHeaders collects the header fields until the blank line or the end of
// the captured bytes. Only the lowercased names needed later are kept.
func readHeaders(r *protocols.Reader) (map[string]string, bool) {
	out := make(map[string]string, 1)
	for r.Len() > 0 {
		line, err := r.ReadLine()
		if err != nil {
			// headers cut by the capture buffer
			return out, true
		}
		if len(line) == 0 {
			return out, true
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return nil, false
		}
		name := string(line[:colon])
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, false
		}
		if len(name) == 4 && bytes.EqualFold(line[:colon], []byte("host")) {
			out["host"] = value
		}
	}
	return out, true
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if len(host) > maxDomainLen {
		host = host[:maxDomainLen]
	}
	return host
}

func resource(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if len(target) > maxResourceLen {
		target = target[:maxResourceLen]
	}
	return target
}
