package observer

import (
	"time"

	"inet.af/netaddr"

	"github.com/ddosify/netobserver/protocols"
)

// Source produces packet events laid out as protocols.DecodePacketEvent
// expects. The event slice is only valid during the handle call.
type Source interface {
	Name() string
	// Poll hands at most max events to handle within roughly maxWait and
	// returns how many were delivered. It must not block longer than maxWait.
	Poll(max int, maxWait time.Duration, handle func(event []byte)) (int, error)
	Close() error
}

// ProcessDisabler is implemented by sources able to stop capturing a pid.
type ProcessDisabler interface {
	DisableProcess(pid uint32)
	// ProbeDisabledProcesses re-enables disabled pids that exited or whose
	// start time changed, i.e. pids reused by another process.
	ProbeDisabledProcesses()
	CleanDisabledProcesses()
	DisabledProcessCount() int
}

// ConnectionID identifies a connection tracked on the capture side.
type ConnectionID struct {
	PID      uint32
	FD       uint32
	SockHash uint32
}

// ConnectionTracker is implemented by sources keeping per connection state
// that can outlive the socket, such as eBPF maps.
type ConnectionTracker interface {
	Connections() ([]ConnectionID, error)
	DeleteConnections(ids []ConnectionID) error
}

type NetStatisticsKey struct {
	PID      uint32
	SockHash uint32
	Remote   netaddr.IPPort
	Role     protocols.PacketRoleType
}

type NetStatisticsValue struct {
	SendBytes   uint64
	RecvBytes   uint64
	SendPackets uint64
	RecvPackets uint64
}

func (v *NetStatisticsValue) Merge(o NetStatisticsValue) {
	v.SendBytes += o.SendBytes
	v.RecvBytes += o.RecvBytes
	v.SendPackets += o.SendPackets
	v.RecvPackets += o.RecvPackets
}

// StatisticsReporter is implemented by sources counting L4 traffic.
// DrainStatistics returns the counters since the previous call.
type StatisticsReporter interface {
	DrainStatistics() map[NetStatisticsKey]NetStatisticsValue
}

// LossReporter is implemented by sources that can lose events, e.g. on a
// full perf buffer.
type LossReporter interface {
	LostEvents() uint64
}

// ProcessExitSource is implemented by sources that see process exits. The
// callback runs on the loop goroutine.
type ProcessExitSource interface {
	DrainExits(handle func(pid uint32, cmd string))
}
