package aggregator

import (
	"encoding/json"
	"testing"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/protocols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHosts map[string]string

func (s staticHosts) HostName(_ uint32, ip string) string { return s[ip] }

func mysqlKey(query string, status int) MySQLKey {
	return MySQLKey{
		ConnKey: ConnKey{RemoteIP: "10.0.0.2", RemotePort: 3306, Role: protocols.RoleClient, PID: 1},
		Query:   query,
		Status:  status,
	}
}

func TestAddEventCommutative(t *testing.T) {
	e1 := Info{LatencyNs: 100, ReqBytes: 10, RespBytes: 20}
	e2 := Info{LatencyNs: 300, ReqBytes: 1, RespBytes: 2}
	k := mysqlKey("select 1", 0)

	a := NewAggregator[MySQLKey](protocols.ProtocolMySQL, 10, 10)
	a.AddEvent(k, e1)
	a.AddEvent(k, e2)
	b := NewAggregator[MySQLKey](protocols.ProtocolMySQL, 10, 10)
	b.AddEvent(k, e2)
	b.AddEvent(k, e1)

	ra, _ := a.Get(k)
	rb, _ := b.Get(k)
	assert.Equal(t, ra, rb)
	assert.Equal(t, Result{Count: 2, TotalLatencyNs: 400, TotalReqBytes: 11, TotalRespBytes: 22}, ra)
}

func TestFlushResetsWindow(t *testing.T) {
	a := NewAggregator[MySQLKey](protocols.ProtocolMySQL, 10, 10)
	k := mysqlKey("select 1", 0)
	a.AddEvent(k, Info{LatencyNs: 5})
	a.AddEvent(k, Info{LatencyNs: 5})

	fc := &FlushContext{LocalInfo: `{"_process_pid_":"1"}`, Interval: 30}
	recs := a.FlushLogs(nil, fc)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0]["count"])

	a.AddEvent(k, Info{LatencyNs: 7})
	r, ok := a.Get(k)
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.Count)
	assert.Equal(t, uint64(7), r.TotalLatencyNs)
}

func TestFlushDropsIdleBuckets(t *testing.T) {
	a := NewAggregator[MySQLKey](protocols.ProtocolMySQL, 1, 1)
	a.AddEvent(mysqlKey("select 1", 0), Info{})
	fc := &FlushContext{}
	assert.Len(t, a.FlushLogs(nil, fc), 1)
	assert.Equal(t, 1, a.Len())

	// idle for one window: released and the slot is free again
	assert.Empty(t, a.FlushLogs(nil, fc))
	assert.Equal(t, 0, a.Len())
	assert.True(t, a.AddEvent(mysqlKey("select 2", 0), Info{}))
}

func TestAggregatorCaps(t *testing.T) {
	a := NewAggregator[MySQLKey](protocols.ProtocolMySQL, 1, 2)
	assert.True(t, a.AddEvent(mysqlKey("q1", 0), Info{}))
	assert.False(t, a.AddEvent(mysqlKey("q2", 0), Info{}))
	// existing keys still merge when full
	assert.True(t, a.AddEvent(mysqlKey("q1", 0), Info{}))

	server := mysqlKey("q3", 0)
	server.Role = protocols.RoleServer
	server.RemotePort = 0
	assert.True(t, a.AddEvent(server, Info{}))
	assert.Equal(t, 2, a.Len())
}

func TestRecordShape(t *testing.T) {
	a := NewAggregator[HTTPKey](protocols.ProtocolHTTP, 10, 10)
	key := HTTPKey{
		ConnKey:     ConnKey{RemoteIP: "1.2.3.4", RemotePort: 80, Role: protocols.RoleClient, PID: 9},
		ReqType:     "GET",
		ReqDomain:   "example.com",
		ReqResource: "/index",
		Version:     "1.1",
		RespCode:    200,
	}
	a.AddEvent(key, Info{LatencyNs: 10, ReqBytes: 3, RespBytes: 4})
	recs := a.FlushLogs(nil, &FlushContext{
		Tags:      []config.Tag{{Key: "cluster", Value: "east"}},
		LocalInfo: "{}",
		Interval:  30,
		Hosts:     staticHosts{"1.2.3.4": "example.com"},
	})
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, datastore.Record{
		"cluster":      "east",
		"local_info":   "{}",
		"type":         "l7",
		"protocol":     "http",
		"role":         "c",
		"interval":     "30",
		"remote_info":  `{"remote_host":"example.com","remote_ip":"1.2.3.4","remote_port":"80","remote_type":"http"}`,
		"req_type":     "GET",
		"req_domain":   "example.com",
		"req_resource": "/index",
		"version":      "1.1",
		"resp_code":    "200",
		"count":        "1",
		"latency_ns":   "10",
		"req_bytes":    "3",
		"resp_bytes":   "4",
	}, rec)
}

func TestServerRemoteInfo(t *testing.T) {
	a := NewAggregator[RedisKey](protocols.ProtocolRedis, 10, 10)
	a.AddEvent(RedisKey{ConnKey: ConnKey{RemoteIP: "10.1.1.1", Role: protocols.RoleServer}, Query: "get", Status: "0"}, Info{})
	recs := a.FlushLogs(nil, &FlushContext{})
	require.Len(t, recs, 1)
	var remote map[string]string
	require.NoError(t, json.Unmarshal([]byte(recs[0]["remote_info"]), &remote))
	assert.Equal(t, map[string]string{"remote_ip": "10.1.1.1", "remote_port": "0"}, remote)
	assert.Equal(t, "s", recs[0]["role"])
}

func TestNewConnKey(t *testing.T) {
	h := &protocols.PacketEventHeader{PID: 3}
	h.SetRemote(mustIP("10.0.0.9"), 5432)
	assert.Equal(t, ConnKey{RemoteIP: "10.0.0.9", RemotePort: 5432, Role: protocols.RoleClient, PID: 3},
		NewConnKey(h, protocols.RoleClient))
	assert.Equal(t, uint16(0), NewConnKey(h, protocols.RoleServer).RemotePort)
}

type sizer struct{ c, s int }

func (z sizer) GetProtocolAggSize(protocols.ProtocolType) (int, int) { return z.c, z.s }

func TestBundleLazyAndSized(t *testing.T) {
	b := NewProtocolEventAggregators(sizer{1, 1})
	assert.Equal(t, 0, b.Len())
	assert.Same(t, b.GetDNSAggregator(), b.GetDNSAggregator())

	m := b.GetMySQLAggregator()
	assert.True(t, m.AddEvent(mysqlKey("a", 0), Info{}))
	assert.False(t, m.AddEvent(mysqlKey("b", 0), Info{}))

	b.GetPgSQLAggregator().AddEvent(PgSQLKey{ConnKey: ConnKey{Role: protocols.RoleClient}, Query: "select 1", Status: "0"}, Info{})
	recs := b.FlushLogs(nil, &FlushContext{})
	assert.Len(t, recs, 2)
	assert.Equal(t, "mysql", recs[0]["protocol"])
	assert.Equal(t, "pgsql", recs[1]["protocol"])
}
