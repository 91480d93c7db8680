package pgsql

import (
	"encoding/binary"
	"testing"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/protocols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

func msg(tag byte, body string) []byte {
	b := []byte{tag, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(b[1:], uint32(len(body)+4))
	return append(b, body...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func header(ts uint64) *protocols.PacketEventHeader {
	h := &protocols.PacketEventHeader{TimeNano: ts, PID: 2, RoleType: protocols.RoleClient}
	h.SetRemote(netaddr.MustParseIP("10.3.0.7"), 5432)
	return h
}

func newParser() (*Parser, *aggregator.PgSQLAggregator) {
	agg := aggregator.NewAggregator[aggregator.PgSQLKey](protocols.ProtocolPgSQL, 10, 10)
	return NewParser(agg), agg
}

func feed(p *Parser, msgType protocols.MessageType, ts uint64, data []byte) protocols.ParseResult {
	return p.OnPacket(protocols.PacketNone, msgType, header(ts), data, uint32(len(data)))
}

func TestSimpleQuery(t *testing.T) {
	p, agg := newParser()
	q := []byte("Q\x00\x00\x00\x1bselect * from account;\x00")
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageNone, 100, q))
	assert.Equal(t, 1, p.CacheSize())

	rows := concat(msg('T', "\x00\x01id\x00"), msg('D', "\x00\x01\x00\x00\x00\x011"))
	done := concat(msg('C', "SELECT 1\x00"), msg('Z', "I"))
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageResponse, 150, rows))
	assert.Equal(t, 1, p.CacheSize())
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageResponse, 180, done))
	assert.Equal(t, 0, p.CacheSize())

	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "select * from account", recs[0]["query"])
	assert.Equal(t, "0", recs[0]["status"])
	assert.Equal(t, "80", recs[0]["latency_ns"])
	assert.Equal(t, "28", recs[0]["req_bytes"])
	assert.Equal(t, "42", recs[0]["resp_bytes"])
}

func TestErrorStatus(t *testing.T) {
	p, agg := newParser()
	feed(p, protocols.MessageRequest, 1, msg('Q', "select * from missing\x00"))
	errResp := concat(msg('E', "SERROR\x00VERROR\x00C42P01\x00Mrelation does not exist\x00\x00"), msg('Z', "I"))
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageResponse, 2, errResp))

	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "42P01", recs[0]["status"])
}

func TestExtendedQuery(t *testing.T) {
	p, agg := newParser()
	req := concat(msg('P', "s1\x00update t set a = $1\x00\x00\x00"), msg('B', "\x00s1\x00\x00\x00"), msg('E', "\x00\x00\x00\x00\x00"), msg('S', ""))
	feed(p, protocols.MessageRequest, 10, req)
	resp := concat(msg('1', ""), msg('2', ""), msg('C', "UPDATE 1\x00"), msg('Z', "I"))
	feed(p, protocols.MessageResponse, 25, resp)

	recs := agg.FlushLogs(nil, &aggregator.FlushContext{})
	require.Len(t, recs, 1)
	assert.Equal(t, "update t set a = $1", recs[0]["query"])
	assert.Equal(t, "0", recs[0]["status"])
}

func TestStartupIgnored(t *testing.T) {
	p, _ := newParser()
	startup := []byte{0, 0, 0, 8, 0, 3, 0, 0}
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageRequest, 1, startup))
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageRequest, 1, []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}))
	// auth exchange ending in ReadyForQuery answers nothing
	assert.Equal(t, protocols.ParseSuccess, feed(p, protocols.MessageResponse, 2, concat(msg('R', "\x00\x00\x00\x00"), msg('Z', "I"))))
	assert.Equal(t, 0, p.CacheSize())
}

func TestMalformed(t *testing.T) {
	p, _ := newParser()
	assert.Equal(t, protocols.ParseFail, feed(p, protocols.MessageRequest, 1, []byte("Q\x00\x00\x00\x02")))
	assert.Equal(t, protocols.ParseFail, feed(p, protocols.MessageRequest, 1, []byte("Q\x00\x00\x00\x40abc")))
	assert.Equal(t, protocols.ParseDrop, feed(p, protocols.MessageRequest, 1, []byte("Q\x7f\x00\x00\x00abc")))

	// the same bytes cut by the capture are tolerated
	q := []byte("Q\x00\x00\x00\x40select")
	assert.Equal(t, protocols.ParseSuccess, p.OnPacket(protocols.PacketNone, protocols.MessageRequest, header(2), q, 65))
	assert.Equal(t, 1, p.CacheSize())
}

func TestGarbageCollection(t *testing.T) {
	p, _ := newParser()
	feed(p, protocols.MessageRequest, 3, msg('Q', "select 1\x00"))
	assert.False(t, p.GarbageCollection(1<<20, 3+protocols.MessageTimeoutNs))
	assert.True(t, p.GarbageCollection(1<<20, 4+protocols.MessageTimeoutNs))
}
