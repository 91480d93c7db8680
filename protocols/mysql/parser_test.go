package mysql

import (
	"encoding/hex"
	"testing"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

func packet(seq byte, payload []byte) []byte {
	n := len(payload)
	return append([]byte{byte(n), byte(n >> 8), byte(n >> 16), seq}, payload...)
}

func query(sql string) []byte {
	return packet(0, append([]byte{comQuery}, sql...))
}

var (
	okResp  = packet(1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
	errResp = packet(1, append([]byte{0xff, 0x7a, 0x04, '#', '4', '2', 'S', '0', '2'}, "Table 'a.b' doesn't exist"...))
)

func header(ts uint64) *protocols.PacketEventHeader {
	h := &protocols.PacketEventHeader{TimeNano: ts, PID: 1, RoleType: protocols.RoleClient}
	h.SetRemote(netaddr.MustParseIP("192.168.1.8"), 3306)
	return h
}

func newParser() (*Parser, *aggregator.MySQLAggregator) {
	agg := aggregator.NewAggregator[aggregator.MySQLKey](protocols.ProtocolMySQL, 10, 10)
	return NewParser(agg), agg
}

func send(p *Parser, msg protocols.MessageType, ts uint64, data []byte) protocols.ParseResult {
	pkt := protocols.PacketOut
	if msg == protocols.MessageResponse {
		pkt = protocols.PacketIn
	}
	return p.OnPacket(pkt, msg, header(ts), data, uint32(len(data)))
}

func TestQueryOK(t *testing.T) {
	p, agg := newParser()
	q := query("select 1")
	assert.Equal(t, protocols.ParseSuccess, send(p, protocols.MessageRequest, 10, q))
	assert.Equal(t, protocols.ParseSuccess, send(p, protocols.MessageResponse, 30, okResp))

	r, ok := agg.Get(aggregator.MySQLKey{
		ConnKey: aggregator.ConnKey{RemoteIP: "192.168.1.8", RemotePort: 3306, Role: protocols.RoleClient, PID: 1},
		Query:   "select 1",
	})
	require.True(t, ok)
	assert.Equal(t, aggregator.Result{Count: 1, TotalLatencyNs: 20, TotalReqBytes: uint64(len(q)), TotalRespBytes: uint64(len(okResp))}, r)
}

func TestQueryHexVector(t *testing.T) {
	p, agg := newParser()
	q, err := hex.DecodeString("210000000373656c65637420404076657273696f6e5f636f6d6d656e74206c696d69742031")
	require.NoError(t, err)
	assert.Equal(t, protocols.ParseSuccess, p.OnPacket(protocols.PacketOut, protocols.MessageNone, header(1), q, uint32(len(q))))
	assert.Equal(t, protocols.ParseSuccess, p.OnPacket(protocols.PacketIn, protocols.MessageNone, header(2), packet(1, []byte{1}), 5))

	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "select @@version_comment limit 1", recs[0]["query"])
	assert.Equal(t, "0", recs[0]["status"])
}

func TestErrorCode(t *testing.T) {
	p, agg := newParser()
	send(p, protocols.MessageRequest, 10, query("select * from b"))
	send(p, protocols.MessageResponse, 11, errResp)
	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "1146", recs[0]["status"])
}

func TestIgnoredCommandsKeepAlignment(t *testing.T) {
	p, agg := newParser()
	// COM_PING is answered but not recorded
	send(p, protocols.MessageRequest, 1, packet(0, []byte{0x0e}))
	send(p, protocols.MessageResponse, 2, okResp)
	send(p, protocols.MessageRequest, 3, query("  update t   set a = 1 ;"))
	send(p, protocols.MessageResponse, 4, okResp)
	// COM_QUIT is never answered
	assert.Equal(t, protocols.ParseSuccess, send(p, protocols.MessageRequest, 5, packet(0, []byte{comQuit})))

	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "update t set a = 1", recs[0]["query"])
	assert.Equal(t, 0, p.CacheSize())
}

func TestMalformedAndDrop(t *testing.T) {
	p, _ := newParser()
	assert.Equal(t, protocols.ParseFail, send(p, protocols.MessageRequest, 1, []byte{0x01}))
	assert.Equal(t, protocols.ParseFail, send(p, protocols.MessageRequest, 1, packet(0, []byte{0x7f})))
	// declared length beyond the bytes written
	assert.Equal(t, protocols.ParseFail, send(p, protocols.MessageRequest, 1, []byte{0x40, 0, 0, 0, comQuery, 's'}))
	assert.Equal(t, protocols.ParseFail, send(p, protocols.MessageResponse, 1, packet(1, []byte{0x42, 0x42})))
	assert.Equal(t, protocols.ParseDrop, send(p, protocols.MessageRequest, 1, []byte{0xff, 0xff, 0xff, 0, comQuery}))
}

func TestGreetingAndLogin(t *testing.T) {
	p, _ := newParser()
	greet := packet(0, append([]byte{greeting}, make([]byte, 70)...))
	assert.Equal(t, protocols.ParseSuccess, p.OnPacket(protocols.PacketIn, protocols.MessageNone, header(1), greet, uint32(len(greet))))

	login := make([]byte, 40)
	login[0] = 0x8d
	login[4] = 0x01
	login[8] = 0x21
	assert.Equal(t, protocols.ParseSuccess, send(p, protocols.MessageRequest, 2, packet(1, login)))
	assert.Equal(t, 0, p.CacheSize())
}
