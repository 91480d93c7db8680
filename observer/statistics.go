package observer

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/protocols"
)

const metricsNamespace = "netobs"

// Statistics are written by the event loop and read by anyone through
// Snapshot or the registered collectors.
type Statistics struct {
	InputEvents  atomic.Uint64
	InputBytes   atomic.Uint64
	OutputEvents atomic.Uint64
	OutputBytes  atomic.Uint64

	ProtocolMatched   atomic.Uint64
	ProtocolUnmatched atomic.Uint64
	ParseFail         [protocols.ProtocolNum]atomic.Uint64
	ParseDrop         [protocols.ProtocolNum]atomic.Uint64

	ConnectionSwitches    atomic.Uint64
	GCRuns                atomic.Uint64
	GCReleasedConnections atomic.Uint64
	GCReleasedProcesses   atomic.Uint64
	Processes             atomic.Uint64

	EBPFLostEvents        atomic.Uint64
	EBPFGCRuns            atomic.Uint64
	EBPFGCReleasedFDs     atomic.Uint64
	EBPFUsingConnections  atomic.Uint64
	EBPFDisabledProcesses atomic.Uint64

	MetaCgroupPaths       atomic.Uint64
	MetaCgroupInvalid     atomic.Uint64
	MetaWatchProcesses    atomic.Uint64
	MetaFetchContainer    atomic.Uint64
	MetaFetchContainerErr atomic.Uint64
	SocketInfoGet         atomic.Uint64
	SocketInfoFail        atomic.Uint64
}

type counterDesc struct {
	name  string
	help  string
	gauge bool
	value *atomic.Uint64
}

func (s *Statistics) descs() []counterDesc {
	return []counterDesc{
		{"input_events_total", "Packet events received from sources.", false, &s.InputEvents},
		{"input_bytes_total", "Bytes of packet events received from sources.", false, &s.InputBytes},
		{"output_events_total", "Records handed to the sink.", false, &s.OutputEvents},
		{"output_bytes_total", "Approximate bytes of records handed to the sink.", false, &s.OutputBytes},
		{"protocol_matched_total", "Data events with a known protocol.", false, &s.ProtocolMatched},
		{"protocol_unmatched_total", "Data events whose protocol could not be inferred.", false, &s.ProtocolUnmatched},
		{"connection_switch_total", "Protocol switches on a tracked connection.", false, &s.ConnectionSwitches},
		{"gc_total", "Garbage collection runs.", false, &s.GCRuns},
		{"gc_released_connections_total", "Connections released by garbage collection.", false, &s.GCReleasedConnections},
		{"gc_released_processes_total", "Processes released by garbage collection.", false, &s.GCReleasedProcesses},
		{"processes", "Processes currently observed.", true, &s.Processes},
		{"ebpf_lost_events_total", "Events lost by the eBPF source.", false, &s.EBPFLostEvents},
		{"ebpf_gc_total", "eBPF connection garbage collection runs.", false, &s.EBPFGCRuns},
		{"ebpf_gc_released_fds_total", "eBPF connections released by garbage collection.", false, &s.EBPFGCReleasedFDs},
		{"ebpf_using_connections", "Connections tracked by the eBPF source.", true, &s.EBPFUsingConnections},
		{"ebpf_disabled_processes", "Processes disabled in the eBPF source.", true, &s.EBPFDisabledProcesses},
		{"meta_cgroup_paths", "Cgroup paths seen by the last meta flush.", true, &s.MetaCgroupPaths},
		{"meta_cgroup_invalid", "Cgroup paths that failed to parse in the last meta flush.", true, &s.MetaCgroupInvalid},
		{"meta_watch_processes", "Processes resolved by the last meta flush.", true, &s.MetaWatchProcesses},
		{"meta_fetch_container", "Container meta fetches in the last meta flush.", true, &s.MetaFetchContainer},
		{"meta_fetch_container_fail", "Failed container meta fetches in the last meta flush.", true, &s.MetaFetchContainerErr},
		{"socket_info_get_total", "Socket lookups through procfs.", false, &s.SocketInfoGet},
		{"socket_info_fail_total", "Failed socket lookups through procfs.", false, &s.SocketInfoFail},
	}
}

// NewStatistics registers the counters in reg when it is not nil.
func NewStatistics(reg prometheus.Registerer) *Statistics {
	s := &Statistics{}
	if reg == nil {
		return s
	}
	for _, d := range s.descs() {
		v := d.value
		opts := prometheus.Opts{Namespace: metricsNamespace, Name: d.name, Help: d.help}
		if d.gauge {
			reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), func() float64 { return float64(v.Load()) }))
		} else {
			reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts(opts), func() float64 { return float64(v.Load()) }))
		}
	}
	for p := protocols.ProtocolHTTP; p < protocols.ProtocolNum; p++ {
		labels := prometheus.Labels{"protocol": p.String()}
		fail, drop := &s.ParseFail[p], &s.ParseDrop[p]
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "parse_fail_total", Help: "Messages that did not parse.", ConstLabels: labels,
		}, func() float64 { return float64(fail.Load()) }))
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "parse_drop_total", Help: "Messages dropped by size or cache limits.", ConstLabels: labels,
		}, func() float64 { return float64(drop.Load()) }))
	}
	return s
}

func (s *Statistics) onParse(p protocols.ProtocolType, res protocols.ParseResult) {
	if p >= protocols.ProtocolNum {
		return
	}
	switch res {
	case protocols.ParseFail:
		s.ParseFail[p].Add(1)
	case protocols.ParseDrop:
		s.ParseDrop[p].Add(1)
	}
}

func (s *Statistics) setMeta(m metas.MetaStatistics) {
	s.MetaCgroupPaths.Store(uint64(m.CgroupPathTotal))
	s.MetaCgroupInvalid.Store(uint64(m.CgroupPathParseFail))
	s.MetaWatchProcesses.Store(uint64(m.WatchProcess))
	s.MetaFetchContainer.Store(uint64(m.FetchContainerMeta))
	s.MetaFetchContainerErr.Store(uint64(m.FetchContainerMetaFail))
}

func (s *Statistics) setConnectionMeta(c metas.ConnectionMetaStatistics) {
	s.SocketInfoGet.Store(uint64(c.GetSocketInfo))
	s.SocketInfoFail.Store(uint64(c.GetSocketInfoFail))
}

// Snapshot copies every counter, keyed by its metric name without the
// namespace. Per protocol counters are suffixed with the protocol.
func (s *Statistics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, 40)
	for _, d := range s.descs() {
		out[d.name] = d.value.Load()
	}
	for p := protocols.ProtocolHTTP; p < protocols.ProtocolNum; p++ {
		out["parse_fail_total_"+p.String()] = s.ParseFail[p].Load()
		out["parse_drop_total_"+p.String()] = s.ParseDrop[p].Load()
	}
	return out
}

// Record renders a snapshot as one statistics record.
func (s *Statistics) Record(tags []config.Tag) datastore.Record {
	rec := datastore.Record{"type": "statistics"}
	for _, t := range tags {
		rec[t.Key] = t.Value
	}
	for k, v := range s.Snapshot() {
		rec[k] = strconv.FormatUint(v, 10)
	}
	return rec
}
