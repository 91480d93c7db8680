package aggregator

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/protocols"

	"golang.org/x/time/rate"
)

// ConnKey is the connection part shared by every aggregation key. Server
// side keys carry no remote port so that ephemeral client ports collapse
// into one bucket.
type ConnKey struct {
	RemoteIP   string
	RemotePort uint16
	Role       protocols.PacketRoleType
	PID        uint32
}

func NewConnKey(h *protocols.PacketEventHeader, role protocols.PacketRoleType) ConnKey {
	k := ConnKey{
		RemoteIP: h.RemoteIP().String(),
		Role:     role,
		PID:      h.PID,
	}
	if role != protocols.RoleServer {
		k.RemotePort = h.DstPort
	}
	return k
}

func (c ConnKey) Connection() ConnKey { return c }

// Key is implemented by the per protocol key structs.
type Key interface {
	comparable
	Connection() ConnKey
	WriteFields(rec datastore.Record)
}

// Info is one correlated request/response pair.
type Info struct {
	LatencyNs uint64
	ReqBytes  uint64
	RespBytes uint64
}

type Result struct {
	Count          uint64
	TotalLatencyNs uint64
	TotalReqBytes  uint64
	TotalRespBytes uint64
}

func (r *Result) merge(info Info) {
	r.Count++
	r.TotalLatencyNs += info.LatencyNs
	r.TotalReqBytes += info.ReqBytes
	r.TotalRespBytes += info.RespBytes
}

// HostResolver maps a remote address back to a hostname seen by pid.
type HostResolver interface {
	HostName(pid uint32, ip string) string
}

// FlushContext carries the identity of the group being flushed.
type FlushContext struct {
	Tags      []config.Tag
	LocalInfo string
	Interval  int
	Hosts     HostResolver
}

// Aggregator keeps one bucket per distinct key. Client and server keys are
// capped separately; events for new keys beyond the cap are dropped.
type Aggregator[K Key] struct {
	protocol    protocols.ProtocolType
	clientMax   int
	serverMax   int
	clientCount int
	serverCount int
	buckets     map[K]*Result

	fullLimiter *rate.Limiter
}

func NewAggregator[K Key](p protocols.ProtocolType, clientMax, serverMax int) *Aggregator[K] {
	return &Aggregator[K]{
		protocol:    p,
		clientMax:   clientMax,
		serverMax:   serverMax,
		buckets:     make(map[K]*Result),
		fullLimiter: rate.NewLimiter(rate.Every(60*time.Second), 1),
	}
}

func (a *Aggregator[K]) Protocol() protocols.ProtocolType { return a.protocol }

// AddEvent merges info into the bucket of key and reports whether it was
// recorded.
func (a *Aggregator[K]) AddEvent(key K, info Info) bool {
	if r, ok := a.buckets[key]; ok {
		r.merge(info)
		return true
	}
	server := key.Connection().Role == protocols.RoleServer
	if server && a.serverCount >= a.serverMax || !server && a.clientCount >= a.clientMax {
		log.Logger.Debug().Str("protocol", a.protocol.String()).Bool("server", server).Msg("aggregator full, event dropped")
		if a.fullLimiter.Allow() {
			log.Logger.Error().Str("protocol", a.protocol.String()).
				Int("client", a.clientCount).Int("server", a.serverCount).
				Msg("aggregator full")
		}
		return false
	}
	r := &Result{}
	r.merge(info)
	a.buckets[key] = r
	if server {
		a.serverCount++
	} else {
		a.clientCount++
	}
	return true
}

// Get returns a copy of the bucket of key.
func (a *Aggregator[K]) Get(key K) (Result, bool) {
	r, ok := a.buckets[key]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

func (a *Aggregator[K]) Len() int { return len(a.buckets) }

// FlushLogs appends one record per non empty bucket and starts the next
// window. Buckets that stayed empty during the window are released.
func (a *Aggregator[K]) FlushLogs(out []datastore.Record, fc *FlushContext) []datastore.Record {
	for key, r := range a.buckets {
		conn := key.Connection()
		if r.Count == 0 {
			delete(a.buckets, key)
			if conn.Role == protocols.RoleServer {
				a.serverCount--
			} else {
				a.clientCount--
			}
			continue
		}
		rec := newRecord(fc, a.protocol, conn)
		key.WriteFields(rec)
		rec["count"] = strconv.FormatUint(r.Count, 10)
		rec["latency_ns"] = strconv.FormatUint(r.TotalLatencyNs, 10)
		rec["req_bytes"] = strconv.FormatUint(r.TotalReqBytes, 10)
		rec["resp_bytes"] = strconv.FormatUint(r.TotalRespBytes, 10)
		out = append(out, rec)
		*r = Result{}
	}
	return out
}

func newRecord(fc *FlushContext, p protocols.ProtocolType, conn ConnKey) datastore.Record {
	rec := make(datastore.Record, len(fc.Tags)+16)
	for _, t := range fc.Tags {
		rec[t.Key] = t.Value
	}
	rec["local_info"] = fc.LocalInfo
	rec["type"] = "l7"
	rec["protocol"] = p.String()
	rec["role"] = conn.Role.String()
	rec["interval"] = strconv.Itoa(fc.Interval)

	remote := map[string]string{
		"remote_ip":   conn.RemoteIP,
		"remote_port": strconv.Itoa(int(conn.RemotePort)),
	}
	if conn.Role == protocols.RoleClient {
		remote["remote_type"] = p.String()
		if fc.Hosts != nil {
			remote["remote_host"] = fc.Hosts.HostName(conn.PID, conn.RemoteIP)
		}
	}
	b, _ := json.Marshal(remote)
	rec["remote_info"] = string(b)
	return rec
}
