package aggregator

import (
	"strconv"

	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/protocols"
)

type HTTPKey struct {
	ConnKey
	ReqType     string
	ReqDomain   string
	ReqResource string
	Version     string
	RespCode    int
}

func (k HTTPKey) WriteFields(rec datastore.Record) {
	rec["req_type"] = k.ReqType
	rec["req_domain"] = k.ReqDomain
	rec["req_resource"] = k.ReqResource
	rec["version"] = k.Version
	rec["resp_code"] = strconv.Itoa(k.RespCode)
}

type DNSKey struct {
	ConnKey
	ReqType     string
	ReqResource string
	RespStatus  int
}

func (k DNSKey) WriteFields(rec datastore.Record) {
	rec["req_type"] = k.ReqType
	rec["req_resource"] = k.ReqResource
	rec["resp_status"] = strconv.Itoa(k.RespStatus)
}

// MySQLKey status is the server error code, 0 on success.
type MySQLKey struct {
	ConnKey
	Query  string
	Status int
}

func (k MySQLKey) WriteFields(rec datastore.Record) {
	rec["query"] = k.Query
	rec["status"] = strconv.Itoa(k.Status)
}

// RedisKey status is "0" on success or the error prefix of the reply.
type RedisKey struct {
	ConnKey
	Query  string
	Status string
}

func (k RedisKey) WriteFields(rec datastore.Record) {
	rec["query"] = k.Query
	rec["status"] = k.Status
}

// PgSQLKey status is "0" on success or the SQLSTATE of the error.
type PgSQLKey struct {
	ConnKey
	Query  string
	Status string
}

func (k PgSQLKey) WriteFields(rec datastore.Record) {
	rec["query"] = k.Query
	rec["status"] = k.Status
}

type (
	HTTPAggregator  = Aggregator[HTTPKey]
	DNSAggregator   = Aggregator[DNSKey]
	MySQLAggregator = Aggregator[MySQLKey]
	RedisAggregator = Aggregator[RedisKey]
	PgSQLAggregator = Aggregator[PgSQLKey]
)

// Sizer returns the client and server key caps of a protocol.
type Sizer interface {
	GetProtocolAggSize(p protocols.ProtocolType) (int, int)
}

// ProtocolEventAggregators is the per group bundle. Each aggregator is
// built on the first event of its protocol.
type ProtocolEventAggregators struct {
	sizer Sizer

	http  *HTTPAggregator
	dns   *DNSAggregator
	mysql *MySQLAggregator
	redis *RedisAggregator
	pgsql *PgSQLAggregator
}

func NewProtocolEventAggregators(sizer Sizer) *ProtocolEventAggregators {
	return &ProtocolEventAggregators{sizer: sizer}
}

func newSized[K Key](s Sizer, p protocols.ProtocolType) *Aggregator[K] {
	c, srv := 500, 5000
	if s != nil {
		c, srv = s.GetProtocolAggSize(p)
	}
	return NewAggregator[K](p, c, srv)
}

func (p *ProtocolEventAggregators) GetHTTPAggregator() *HTTPAggregator {
	if p.http == nil {
		p.http = newSized[HTTPKey](p.sizer, protocols.ProtocolHTTP)
	}
	return p.http
}

func (p *ProtocolEventAggregators) GetDNSAggregator() *DNSAggregator {
	if p.dns == nil {
		p.dns = newSized[DNSKey](p.sizer, protocols.ProtocolDNS)
	}
	return p.dns
}

func (p *ProtocolEventAggregators) GetMySQLAggregator() *MySQLAggregator {
	if p.mysql == nil {
		p.mysql = newSized[MySQLKey](p.sizer, protocols.ProtocolMySQL)
	}
	return p.mysql
}

func (p *ProtocolEventAggregators) GetRedisAggregator() *RedisAggregator {
	if p.redis == nil {
		p.redis = newSized[RedisKey](p.sizer, protocols.ProtocolRedis)
	}
	return p.redis
}

func (p *ProtocolEventAggregators) GetPgSQLAggregator() *PgSQLAggregator {
	if p.pgsql == nil {
		p.pgsql = newSized[PgSQLKey](p.sizer, protocols.ProtocolPgSQL)
	}
	return p.pgsql
}

// FlushLogs drains every built aggregator in protocol order.
func (p *ProtocolEventAggregators) FlushLogs(out []datastore.Record, fc *FlushContext) []datastore.Record {
	if p.http != nil {
		out = p.http.FlushLogs(out, fc)
	}
	if p.dns != nil {
		out = p.dns.FlushLogs(out, fc)
	}
	if p.mysql != nil {
		out = p.mysql.FlushLogs(out, fc)
	}
	if p.redis != nil {
		out = p.redis.FlushLogs(out, fc)
	}
	if p.pgsql != nil {
		out = p.pgsql.FlushLogs(out, fc)
	}
	return out
}

// Len is the total number of buckets across protocols.
func (p *ProtocolEventAggregators) Len() int {
	n := 0
	if p.http != nil {
		n += p.http.Len()
	}
	if p.dns != nil {
		n += p.dns.Len()
	}
	if p.mysql != nil {
		n += p.mysql.Len()
	}
	if p.redis != nil {
		n += p.redis.Len()
	}
	if p.pgsql != nil {
		n += p.pgsql.Len()
	}
	return n
}
