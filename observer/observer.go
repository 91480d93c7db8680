package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/protocols"
)

const (
	// ebpfGCMinConnections is the tracked connection count below which the
	// eBPF connection collection is skipped.
	ebpfGCMinConnections = 64
	nsPerSecond          = uint64(time.Second)
)

// EventDumper records raw packet events, see replay.Writer.
type EventDumper interface {
	Dump(event []byte) error
}

// SourceFactory builds the capture sources a configuration asks for.
type SourceFactory func(cfg *config.NetworkConfig) ([]Source, error)

// NetworkObserver runs the event loop: it polls the sources, dispatches
// packet events to process and connection observers and periodically
// collects garbage, refreshes metadata and flushes records to the sink.
// All state is owned by the loop goroutine; HoldOn and Resume are the only
// way in from outside while it runs.
type NetworkObserver struct {
	cfg      *config.NetworkConfig
	sink     datastore.Sink
	stats    *Statistics
	groups   *metas.ContainerProcessGroupManager
	services *metas.ServiceMetaManager
	conns    *metas.ConnectionMetaManager
	proc     *metas.ProcFS

	loader        *config.Loader
	sourceFactory SourceFactory
	sources       []Source
	dumper        EventDumper

	processes map[uint32]*ProcessObserver

	mu   sync.RWMutex
	exit atomic.Bool

	lastGC            time.Time
	lastEBPFGC        time.Time
	lastFlushMeta     time.Time
	lastFlushNetlink  time.Time
	lastFlushL4       time.Time
	lastFlushL7       time.Time
	lastStatistics    time.Time
	lastProbeDisabled time.Time
	lastCleanDisabled time.Time

	noSourceLimiter *rate.Limiter
	now             func() time.Time
}

// NewNetworkObserver builds an observer around cfg. cfg is shared with the
// aggregators it creates and is only ever updated in place. reg may be nil.
func NewNetworkObserver(cfg *config.NetworkConfig, sink datastore.Sink, fetcher metas.ContainerMetaFetcher,
	reg prometheus.Registerer) *NetworkObserver {
	proc := metas.NewProcFS(cfg.Common.ProcRoot)
	return &NetworkObserver{
		cfg:             cfg,
		sink:            sink,
		stats:           NewStatistics(reg),
		groups:          metas.NewContainerProcessGroupManager(cfg, fetcher, proc),
		services:        metas.NewServiceMetaManager(time.Duration(cfg.Common.HostnameTimeout) * time.Second),
		conns:           metas.NewConnectionMetaManager(cfg.Common.ProcRoot),
		proc:            proc,
		processes:       make(map[uint32]*ProcessObserver),
		noSourceLimiter: rate.NewLimiter(rate.Every(60*time.Second), 1),
		now:             time.Now,
	}
}

func (n *NetworkObserver) Config() *config.NetworkConfig { return n.cfg }

func (n *NetworkObserver) Statistics() *Statistics { return n.stats }

func (n *NetworkObserver) Groups() *metas.ContainerProcessGroupManager { return n.groups }

func (n *NetworkObserver) Services() *metas.ServiceMetaManager { return n.services }

// ConnectionMetas is shared with sources that resolve sockets through
// procfs; it must only be used from the loop goroutine.
func (n *NetworkObserver) ConnectionMetas() *metas.ConnectionMetaManager { return n.conns }

// SetLoader makes Reload read the configuration through l and rebuild the
// sources with factory when a source setting changed.
func (n *NetworkObserver) SetLoader(l *config.Loader, factory SourceFactory) {
	n.loader = l
	n.sourceFactory = factory
}

// SetSources replaces the sources; call it before Run or between HoldOn
// and Resume.
func (n *NetworkObserver) SetSources(sources ...Source) {
	n.sources = sources
}

func (n *NetworkObserver) SetDumper(d EventDumper) { n.dumper = d }

func (n *NetworkObserver) ProcessCount() int { return len(n.processes) }

func (n *NetworkObserver) Process(pid uint32) (*ProcessObserver, bool) {
	p, ok := n.processes[pid]
	return p, ok
}

// HoldOn blocks until the current loop iteration is done and keeps the loop
// suspended until Resume. With exit set the loop returns instead and Resume
// must not be called.
func (n *NetworkObserver) HoldOn(exit bool) {
	if exit {
		n.exit.Store(true)
	}
	n.mu.Lock()
	log.Logger.Info().Bool("exit", exit).Msg("observer hold on")
	if exit {
		n.closeSources()
		n.mu.Unlock()
	}
}

// Resume reloads the configuration and restarts the loop.
func (n *NetworkObserver) Resume() {
	n.reload()
	n.mu.Unlock()
	log.Logger.Info().Msg("observer resumed")
}

// Reload applies the current configuration between two loop iterations.
func (n *NetworkObserver) Reload() {
	n.HoldOn(false)
	n.Resume()
}

func (n *NetworkObserver) reload() {
	if n.loader == nil {
		n.applyConfig(n.cfg)
		return
	}
	n.loader.BeginLoad()
	if err := n.loader.Load(); err != nil {
		log.Logger.Error().Err(err).Str("path", n.loader.Path()).Msg("config reload failed, keeping the previous one")
	}
	n.applyConfig(n.loader.EndLoad())
	if !n.loader.NeedReload() || n.sourceFactory == nil {
		return
	}
	n.closeSources()
	sources, err := n.sourceFactory(n.cfg)
	if err != nil {
		log.Logger.Error().Err(err).Msg("reload sources failed")
		return
	}
	n.sources = sources
	log.Logger.Info().Int("sources", len(sources)).Msg("sources reloaded")
}

func (n *NetworkObserver) applyConfig(cfg *config.NetworkConfig) {
	if cfg != n.cfg {
		*n.cfg = *cfg
	}
	n.groups.ResetFilters()
	n.services.SetTimeout(time.Duration(n.cfg.Common.HostnameTimeout) * time.Second)
}

func (n *NetworkObserver) closeSources() {
	for _, s := range n.sources {
		if err := s.Close(); err != nil {
			log.Logger.Warn().Err(err).Str("source", s.Name()).Msg("closing source")
		}
	}
	n.sources = nil
}

// OnPacketEvent dispatches one event laid out as header, data and payload.
// It never blocks.
func (n *NetworkObserver) OnPacketEvent(event []byte) error {
	header, data, payload, err := protocols.DecodePacketEvent(event)
	if err != nil {
		log.Logger.Error().Err(err).Int("len", len(event)).Msg("invalid packet event")
		return err
	}
	n.stats.InputEvents.Add(1)
	n.stats.InputBytes.Add(uint64(len(event)))
	n.dump(header, event)

	switch header.EventType {
	case protocols.EventData:
		n.onData(header, data, payload)
	case protocols.EventConnected, protocols.EventAccepted:
		n.getProcess(header, true)
	case protocols.EventClosed:
		if p := n.getProcess(header, false); p != nil {
			p.ConnectionMarkDeleted(header)
		}
	}
	return nil
}

func (n *NetworkObserver) dump(header *protocols.PacketEventHeader, event []byte) {
	if n.dumper == nil {
		return
	}
	r := n.cfg.Replay
	partial := r.DumpPID >= 0 || r.DumpSockHash != 0 || r.DumpPort != 0
	if partial && !(r.DumpPID >= 0 && header.PID == uint32(r.DumpPID) ||
		r.DumpSockHash != 0 && header.SockHash == r.DumpSockHash ||
		r.DumpPort != 0 && (header.SrcPort == r.DumpPort || header.DstPort == r.DumpPort)) {
		return
	}
	if err := n.dumper.Dump(event); err != nil {
		log.Logger.Warn().Err(err).Msg("packet dump stopped")
		n.dumper = nil
	}
}

func (n *NetworkObserver) onData(header *protocols.PacketEventHeader, data *protocols.PacketEventData, payload []byte) {
	if !n.cfg.Sampled(header.SockHash) {
		return
	}
	if n.cfg.Common.PID >= 0 && header.PID != uint32(n.cfg.Common.PID) {
		return
	}
	ptl, msg := data.PtlType, data.MsgType
	if ptl == protocols.ProtocolNone {
		if p, ok := n.processes[header.PID]; ok {
			if c, ok := p.Connection(header.SockHash); ok {
				ptl = c.Protocol()
			}
		}
		if ptl == protocols.ProtocolNone {
			var inferred protocols.MessageType
			ptl, inferred = protocols.InferProtocol(header, data.PktType, payload, data.RealLen)
			if msg == protocols.MessageNone {
				msg = inferred
			}
		}
	}
	if ptl == protocols.ProtocolNone {
		n.stats.ProtocolUnmatched.Add(1)
		return
	}
	if !n.cfg.IsLegalProtocol(ptl) {
		return
	}
	n.stats.ProtocolMatched.Add(1)

	p := n.getProcess(header, true)
	if !p.meta.PassFilterRules(&n.cfg.Filters) {
		n.disableProcess(header.PID)
		return
	}
	if _, ok := n.groups.Group(p.group); !ok {
		n.rebind(p, n.groups.GetContainerProcessGroup(p.meta, p.pid))
	}
	d := *data
	d.PtlType, d.MsgType = ptl, msg
	res, switched := p.OnData(ptl, header, &d, payload, n.parserFactory(p))
	if switched {
		n.stats.ConnectionSwitches.Add(1)
	}
	n.stats.onParse(ptl, res)
}

func (n *NetworkObserver) parserFactory(p *ProcessObserver) ParserFactory {
	return func(ptl protocols.ProtocolType) protocols.Parser {
		return NewParser(ptl, n.aggregators(p), n.services)
	}
}

func (n *NetworkObserver) aggregators(p *ProcessObserver) *aggregator.ProtocolEventAggregators {
	g, ok := n.groups.Group(p.group)
	if !ok {
		p.group = n.groups.GetContainerProcessGroup(p.meta, p.pid)
		g, _ = n.groups.Group(p.group)
	}
	return g.Aggregators
}

// rebind moves p to group h. Parsers of the old group are dropped so that
// new events land in the aggregators of h.
func (n *NetworkObserver) rebind(p *ProcessObserver, h metas.GroupHandle) {
	if p.group == h {
		return
	}
	p.group = h
	for _, c := range p.conns {
		c.parser = nil
		c.protocol = protocols.ProtocolNone
	}
}

func (n *NetworkObserver) disableProcess(pid uint32) {
	for _, s := range n.sources {
		if d, ok := s.(ProcessDisabler); ok {
			d.DisableProcess(pid)
		}
	}
}

func (n *NetworkObserver) getProcess(header *protocols.PacketEventHeader, create bool) *ProcessObserver {
	if p, ok := n.processes[header.PID]; ok || !create {
		return p
	}
	meta := n.groups.GetProcessMeta(header.PID)
	p := newProcessObserver(header.PID, meta, n.groups.GetContainerProcessGroup(meta, header.PID), header.TimeNano)
	n.processes[header.PID] = p
	n.stats.Processes.Store(uint64(len(n.processes)))
	return p
}

// OnProcessDestroyed marks the observer of pid deleted when it still runs
// cmd; a pid reused by another command is left alone.
func (n *NetworkObserver) OnProcessDestroyed(pid uint32, cmd string) {
	p, ok := n.processes[pid]
	if !ok {
		return
	}
	if p.meta != nil && p.meta.ProcessCMD == cmd {
		p.MarkDeleted()
		log.Logger.Debug().Uint32("pid", pid).Str("cmd", cmd).Msg("process destroyed, mark deleted")
		return
	}
	actual := ""
	if p.meta != nil {
		actual = p.meta.ProcessCMD
	}
	log.Logger.Info().Uint32("pid", pid).Str("cmd", cmd).Str("actual", actual).
		Msg("process destroyed but command does not match")
}

func (n *NetworkObserver) timeouts() gcTimeouts {
	c := n.cfg.Common
	return gcTimeouts{
		connection:       uint64(c.ConnectionTimeout) * nsPerSecond,
		connectionClosed: uint64(c.ConnectionClosedTimeout) * nsPerSecond,
		processNoConn:    uint64(c.ProcessNoConnectionTimeout) * nsPerSecond,
		process:          uint64(c.ProcessTimeout) * nsPerSecond,
		processDestroyed: uint64(c.ProcessDestroyedTimeout) * nsPerSecond,
	}
}

// GarbageCollection releases idle connections and processes at nowNs.
func (n *NetworkObserver) GarbageCollection(nowNs uint64) {
	n.stats.GCRuns.Add(1)
	t := n.timeouts()
	limit := n.cfg.Common.ConnectionGCBytes
	for pid, p := range n.processes {
		done, released := p.GarbageCollection(limit, nowNs, t)
		n.stats.GCReleasedConnections.Add(uint64(released))
		if !done {
			continue
		}
		log.Logger.Debug().Uint32("pid", pid).Str("meta", p.meta.LocalInfo()).Msg("delete process observer")
		// the group is keyed by this pid, not by the meta's, which may
		// belong to another pid of the same container
		n.groups.OnProcessDestroy(p.meta, pid)
		delete(n.processes, pid)
		n.stats.GCReleasedProcesses.Add(1)
	}
	n.stats.Processes.Store(uint64(len(n.processes)))
}

// EBPFConnectionGC drops capture side connection state of sockets that are
// gone, returning the number of connections still tracked.
func (n *NetworkObserver) EBPFConnectionGC() int {
	using := 0
	for _, s := range n.sources {
		tracker, ok := s.(ConnectionTracker)
		if !ok {
			continue
		}
		ids, err := tracker.Connections()
		if err != nil {
			log.Logger.Warn().Err(err).Str("source", s.Name()).Msg("listing connections")
			continue
		}
		if len(ids) < ebpfGCMinConnections {
			using += len(ids)
			continue
		}
		var remove []ConnectionID
		for _, id := range ids {
			if p, ok := n.processes[id.PID]; ok && p.HasConnection(id.SockHash) {
				continue
			}
			if !n.proc.Alive(id.PID) {
				log.Logger.Debug().Uint32("pid", id.PID).Uint32("fd", id.FD).Msg("delete conn because pid not exist")
				remove = append(remove, id)
				continue
			}
			if !n.proc.FDExists(id.PID, id.FD) {
				log.Logger.Debug().Uint32("pid", id.PID).Uint32("fd", id.FD).Msg("delete conn because fd not exist")
				remove = append(remove, id)
			}
		}
		n.stats.EBPFGCRuns.Add(1)
		n.stats.EBPFGCReleasedFDs.Add(uint64(len(remove)))
		log.Logger.Info().Int("count", len(ids)).Int("delete", len(remove)).Msg("ebpf connection gc")
		if len(remove) > 0 {
			if err := tracker.DeleteConnections(remove); err != nil {
				log.Logger.Warn().Err(err).Msg("deleting connections")
			}
		}
		using += len(ids) - len(remove)
	}
	n.stats.EBPFUsingConnections.Store(uint64(using))
	return using
}

// FlushMetas rescans the cgroup tree and moves processes whose container
// changed to their new group.
func (n *NetworkObserver) FlushMetas() {
	if err := n.groups.Init(); err != nil {
		log.Logger.Debug().Err(err).Msg("cgroup base path not found")
	}
	n.groups.FlushMetas()
	for pid, p := range n.processes {
		n.rebind(p, n.groups.GetContainerProcessGroup(p.meta, pid))
	}
	n.stats.setMeta(n.groups.Statistics())
}

// FlushL7 drains the aggregators of every group.
func (n *NetworkObserver) FlushL7() []datastore.Record {
	return n.groups.FlushOutMetrics(nil, n.cfg.Tags, n.cfg.Common.FlushInterval, n.services)
}

func (n *NetworkObserver) send(ctx context.Context, records []datastore.Record) {
	if len(records) == 0 || n.sink == nil {
		return
	}
	if err := n.sink.Send(ctx, records); err != nil {
		log.Logger.Error().Err(err).Int("records", len(records)).Msg("sending records")
		return
	}
	n.stats.OutputEvents.Add(uint64(len(records)))
	var size uint64
	for _, r := range records {
		for k, v := range r {
			size += uint64(len(k) + len(v))
		}
	}
	n.stats.OutputBytes.Add(size)
}

func elapsed(now, last time.Time, interval int) bool {
	return now.Sub(last) >= time.Duration(interval)*time.Second
}

// Run drives the loop until ctx is done or HoldOn(true) is called.
func (n *NetworkObserver) Run(ctx context.Context) {
	log.Logger.Info().Msg("start observer network event loop")
	if err := n.groups.Init(); err != nil {
		log.Logger.Debug().Err(err).Msg("running without cgroup metas")
	}
	for ctx.Err() == nil && !n.exit.Load() {
		if n.step(ctx) {
			continue
		}
		n.mu.RLock()
		idle := time.Duration(n.cfg.Common.NoDataSleepMs) * time.Millisecond
		n.mu.RUnlock()
		select {
		case <-ctx.Done():
		case <-time.After(idle):
		}
	}
	log.Logger.Info().Msg("observer network event loop stopped")
}

// step runs one loop iteration and reports whether the sources had more
// data than one batch.
func (n *NetworkObserver) step(ctx context.Context) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.exit.Load() {
		return false
	}
	if len(n.sources) == 0 {
		if n.noSourceLimiter.Allow() {
			log.Logger.Warn().Msg("no observer datasource working")
		}
		return false
	}
	now := n.now()
	more := n.poll(now)
	n.periodic(ctx, now)
	return more
}

func (n *NetworkObserver) poll(now time.Time) bool {
	c := n.cfg.Common
	more := false
	var lost uint64
	disabled := 0
	for _, s := range n.sources {
		if d, ok := s.(ProcessDisabler); ok {
			if elapsed(now, n.lastCleanDisabled, c.CleanAllDisableProcessInterval) {
				n.lastCleanDisabled = now
				d.CleanDisabledProcesses()
			}
			if elapsed(now, n.lastProbeDisabled, c.ProbeDisableProcessInterval) {
				n.lastProbeDisabled = now
				d.ProbeDisabledProcesses()
			}
			disabled += d.DisabledProcessCount()
		}
		cnt, err := s.Poll(c.PollBatchSize, time.Duration(c.PollMaxDurationMs)*time.Millisecond, func(event []byte) {
			_ = n.OnPacketEvent(event)
		})
		if err != nil {
			log.Logger.Warn().Err(err).Str("source", s.Name()).Msg("polling source")
		}
		if cnt >= c.PollBatchSize {
			more = true
		}
		if e, ok := s.(ProcessExitSource); ok {
			e.DrainExits(n.OnProcessDestroyed)
		}
		if l, ok := s.(LossReporter); ok {
			lost += l.LostEvents()
		}
	}
	n.stats.EBPFDisabledProcesses.Store(uint64(disabled))
	n.stats.EBPFLostEvents.Store(lost)
	return more
}

func (n *NetworkObserver) periodic(ctx context.Context, now time.Time) {
	c := n.cfg.Common
	nowNs := uint64(now.UnixNano())
	if elapsed(now, n.lastFlushMeta, c.FlushMetaInterval) {
		n.lastFlushMeta = now
		n.FlushMetas()
	}
	if elapsed(now, n.lastGC, c.GCInterval) {
		n.lastGC = now
		n.GarbageCollection(nowNs)
	}
	if now.Sub(n.lastEBPFGC) > time.Duration(c.EBPFConnectionGCInterval)*time.Second {
		n.lastEBPFGC = now
		n.EBPFConnectionGC()
	}
	if elapsed(now, n.lastFlushNetlink, c.FlushNetlinkInterval) {
		n.lastFlushNetlink = now
		n.stats.setConnectionMeta(n.conns.Statistics())
		n.conns.GarbageCollection()
	}
	if elapsed(now, n.lastFlushL4, c.FlushInterval) {
		n.lastFlushL4 = now
		n.send(ctx, n.FlushL4())
	}
	if elapsed(now, n.lastFlushL7, c.FlushInterval) {
		n.lastFlushL7 = now
		n.send(ctx, n.FlushL7())
	}
	if elapsed(now, n.lastStatistics, c.StatisticsInterval) {
		n.lastStatistics = now
		pure, containers := n.groups.GroupCount()
		log.Logger.Debug().Interface("statistics", n.stats.Snapshot()).Int("pure_groups", pure).
			Int("container_groups", containers).Str("container_type", n.groups.ContainerType().String()).
			Msg("observer statistics")
		n.send(ctx, []datastore.Record{n.stats.Record(n.cfg.Tags)})
	}
}
