package observer

import (
	"encoding/json"
	"strconv"

	"inet.af/netaddr"

	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/protocols"
)

// l4Key merges the per socket counters of one pid talking to one remote.
type l4Key struct {
	pid    uint32
	remote netaddr.IPPort
	role   protocols.PacketRoleType
}

const hostLocalInfo = `{"_process_pid_":"0"}`

// FlushL4 drains the traffic counters of every source into one record per
// pid, remote and role. Counters of filtered out pids are discarded and the
// pid is disabled at the source.
func (n *NetworkObserver) FlushL4() []datastore.Record {
	merged := make(map[l4Key]*NetStatisticsValue)
	for _, s := range n.sources {
		r, ok := s.(StatisticsReporter)
		if !ok {
			continue
		}
		for k, v := range r.DrainStatistics() {
			key := l4Key{pid: k.PID, remote: k.Remote, role: k.Role}
			m, ok := merged[key]
			if !ok {
				m = &NetStatisticsValue{}
				merged[key] = m
			}
			m.Merge(v)
		}
	}
	if len(merged) == 0 {
		return nil
	}

	interval := strconv.Itoa(n.cfg.Common.FlushInterval)
	disabled := make(map[uint32]bool)
	out := make([]datastore.Record, 0, len(merged))
	for k, v := range merged {
		localInfo := hostLocalInfo
		if k.pid != 0 {
			if disabled[k.pid] {
				continue
			}
			meta := n.groups.GetProcessMeta(k.pid)
			if !meta.PassFilterRules(&n.cfg.Filters) {
				disabled[k.pid] = true
				n.disableProcess(k.pid)
				continue
			}
			localInfo = meta.LocalInfo()
		}
		rec := make(datastore.Record, len(n.cfg.Tags)+10)
		for _, t := range n.cfg.Tags {
			rec[t.Key] = t.Value
		}
		remoteIP := k.remote.IP().String()
		remote := map[string]string{
			"remote_ip":   remoteIP,
			"remote_port": strconv.Itoa(int(k.remote.Port())),
		}
		if k.role == protocols.RoleClient {
			if host := n.services.HostName(k.pid, remoteIP); host != "" {
				remote["remote_host"] = host
			}
		}
		b, _ := json.Marshal(remote)
		rec["type"] = "l4"
		rec["local_info"] = localInfo
		rec["remote_info"] = string(b)
		rec["role"] = k.role.String()
		rec["interval"] = interval
		rec["send_bytes"] = strconv.FormatUint(v.SendBytes, 10)
		rec["recv_bytes"] = strconv.FormatUint(v.RecvBytes, 10)
		rec["send_packets"] = strconv.FormatUint(v.SendPackets, 10)
		rec["recv_packets"] = strconv.FormatUint(v.RecvPackets, 10)
		out = append(out, rec)
	}
	return out
}
