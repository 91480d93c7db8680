package metas

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ddosify/netobserver/aggregator"
	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/datastore"
	"github.com/ddosify/netobserver/log"
)

// Results of ParseCgroupPath.
const (
	CgroupParseOK          = 0
	CgroupParseEmpty       = -1
	CgroupParseUnreadable  = -2
	CgroupParseTooShort    = -3
	CgroupParseNoContainer = -4
)

// MetaStatistics are gauges of the last meta flush plus fetch counters.
type MetaStatistics struct {
	CgroupPathTotal        int
	CgroupPathParseFail    int
	WatchProcess           int
	FetchContainerMeta     int
	FetchContainerMetaFail int
}

// ContainerProcessGroup aggregates the traffic of one container, or of
// one process that runs outside of any container.
type ContainerProcessGroup struct {
	Meta        *ProcessMeta
	Aggregators *aggregator.ProtocolEventAggregators

	containerID string
	pids        map[uint32]struct{}
}

func (g *ContainerProcessGroup) ContainerID() string { return g.containerID }

func (g *ContainerProcessGroup) Len() int { return len(g.pids) }

func (g *ContainerProcessGroup) Has(pid uint32) bool {
	_, ok := g.pids[pid]
	return ok
}

// ContainerProcessGroupManager owns the pid to identity map and the
// aggregation groups built on it. It is not safe for concurrent use.
type ContainerProcessGroupManager struct {
	cfg     *config.NetworkConfig
	fetcher ContainerMetaFetcher
	proc    *ProcFS

	basePath      string
	containerType ContainerType
	matcher       *CGroupMatcher

	metas      map[uint32]*ProcessMeta
	pure       map[uint32]GroupHandle
	containers map[string]GroupHandle
	members    map[uint32]GroupHandle
	arena      groupArena

	stats          MetaStatistics
	lastPidsUpdate time.Time
	alarmed        bool
	now            func() time.Time
}

func NewContainerProcessGroupManager(cfg *config.NetworkConfig, fetcher ContainerMetaFetcher, proc *ProcFS) *ContainerProcessGroupManager {
	if proc == nil {
		proc = NewProcFS(cfg.Common.ProcRoot)
	}
	return &ContainerProcessGroupManager{
		cfg:           cfg,
		fetcher:       fetcher,
		proc:          proc,
		containerType: ContainerTypeUnknown,
		metas:         make(map[uint32]*ProcessMeta),
		pure:          make(map[uint32]GroupHandle),
		containers:    make(map[string]GroupHandle),
		members:       make(map[uint32]GroupHandle),
		now:           time.Now,
	}
}

// Init resolves the cgroup base path. Without one the manager keeps
// working on pids and command lines only; the failure is logged once.
func (m *ContainerProcessGroupManager) Init() error {
	if m.basePath != "" {
		return nil
	}
	base, err := CGroupBasePath(m.cfg.Common.CgroupRoot)
	if err != nil {
		if !m.alarmed {
			m.alarmed = true
			log.Logger.Error().Err(err).Str("root", m.cfg.Common.CgroupRoot).
				Msg("observer init alarm: fail to find cgroup path, running in pid only mode")
		}
		return err
	}
	m.basePath = base
	log.Logger.Info().Str("path", base).Msg("found cgroup base path")
	return nil
}

func (m *ContainerProcessGroupManager) BasePath() string { return m.basePath }

func (m *ContainerProcessGroupManager) ContainerType() ContainerType { return m.containerType }

// ResetContainerType forgets the detected runtime so that the next meta
// flush detects it again.
func (m *ContainerProcessGroupManager) ResetContainerType() {
	m.containerType = ContainerTypeUnknown
	m.matcher = nil
}

func (m *ContainerProcessGroupManager) Statistics() MetaStatistics { return m.stats }

// DetectContainerType memoizes the runtime and the path layout of procsPath.
func (m *ContainerProcessGroupManager) DetectContainerType(procsPath string) int {
	m.containerType = ExtractContainerType(procsPath)
	if m.containerType == ContainerTypeUnknown {
		return -1
	}
	if len(procsPath) <= len(m.basePath) {
		m.containerType = ContainerTypeUnknown
		return -2
	}
	m.matcher = GetCGroupMatcher(procsPath[len(m.basePath)+1:], m.containerType)
	if m.matcher == nil {
		m.containerType = ContainerTypeUnknown
		return -3
	}
	log.Logger.Info().Str("type", m.containerType.String()).Str("path", procsPath).
		Msg("detected container type by cgroup path")
	return 0
}

// ParseCgroupPath reads the pids of a cgroup.procs file and extracts the
// container and pod ids from its location.
func (m *ContainerProcessGroupManager) ParseCgroupPath(path string) (pids []uint32, containerID, podID string, code int) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", CgroupParseUnreadable
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, "", "", CgroupParseEmpty
	}
	for _, l := range lines {
		n, err := strconv.ParseUint(strings.TrimSpace(l), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(n))
	}
	if len(path) <= len(m.basePath) {
		return pids, "", "", CgroupParseTooShort
	}
	if m.matcher != nil {
		containerID, podID = m.matcher.ExtractProcessMeta(path[len(m.basePath)+1:])
	}
	if containerID == "" {
		return pids, "", "", CgroupParseNoContainer
	}
	return pids, containerID, podID, CgroupParseOK
}

func (m *ContainerProcessGroupManager) fetch(containerID string) ContainerMeta {
	m.stats.FetchContainerMeta++
	var cm ContainerMeta
	if m.fetcher != nil {
		cm = m.fetcher.FetchContainerMeta(containerID)
	}
	if cm.Empty() {
		m.stats.FetchContainerMetaFail++
	}
	log.Logger.Debug().Str("id", containerID).Str("name", cm.ContainerName).Str("pod", cm.PodName).
		Msg("fetched container meta")
	return cm
}

// FlushMetas rescans the cgroup tree and refreshes the identity of every
// pid found in it. Container metadata is fetched once per container whose
// members changed or are still unnamed.
func (m *ContainerProcessGroupManager) FlushMetas() {
	m.stats = MetaStatistics{}
	existing := make(map[uint32]struct{})
	var paths []string
	if m.basePath != "" {
		paths = ResolveAllCGroupProcsPaths(m.basePath)
	}
	if len(paths) == 0 {
		log.Logger.Warn().Msg("no valid cgroup procs paths, flushing process metas only")
		m.FlushPids(existing)
		return
	}
	if m.containerType == ContainerTypeUnknown {
		// the longest path carries the full slice hierarchy
		longest := paths[0]
		for _, p := range paths[1:] {
			if len(p) > len(longest) {
				longest = p
			}
		}
		if res := m.DetectContainerType(longest); res != 0 {
			log.Logger.Error().Str("path", longest).Int("result", res).Msg("unknown container type from path")
			m.FlushPids(existing)
			return
		}
	}
	ignored := 0
	for _, p := range paths {
		pids, containerID, podID, res := m.ParseCgroupPath(p)
		if res == CgroupParseEmpty {
			ignored++
			continue
		}
		if res < CgroupParseEmpty {
			m.stats.CgroupPathParseFail++
			log.Logger.Debug().Str("path", p).Int("result", res).Msg("parse cgroup path failed")
			continue
		}
		fetched := false
		var cm ContainerMeta
		for _, pid := range pids {
			if pid == 0 {
				continue
			}
			existing[pid] = struct{}{}
			meta, ok := m.metas[pid]
			if !ok {
				meta = &ProcessMeta{PID: pid}
				m.metas[pid] = meta
			}
			if meta.PodUID != podID || meta.ContainerID != containerID || meta.ContainerName == "" {
				meta.Clear()
				meta.ContainerID = containerID
				meta.PodUID = podID
				if !fetched {
					fetched = true
					cm = m.fetch(containerID)
				}
				meta.apply(cm)
				m.refreshGroup(meta)
			}
		}
	}
	m.stats.CgroupPathTotal = len(paths) - ignored
	m.stats.WatchProcess = len(existing)
	log.Logger.Info().Int("cgroup_paths", m.stats.CgroupPathTotal).Int("parse_fail", m.stats.CgroupPathParseFail).
		Int("processes", m.stats.WatchProcess).Int("fetch", m.stats.FetchContainerMeta).
		Int("fetch_fail", m.stats.FetchContainerMetaFail).Msg("flush meta success")
	m.FlushPids(existing)
}

// FlushPids purges metas of dead pids and resets those whose command
// changed, at most once per process update interval. Pids in existing were
// just refreshed from the cgroup tree and are left alone.
func (m *ContainerProcessGroupManager) FlushPids(existing map[uint32]struct{}) {
	now := m.now()
	interval := time.Duration(m.cfg.Common.ProcessUpdateInterval) * time.Second
	if !m.lastPidsUpdate.IsZero() && now.Sub(m.lastPidsUpdate) < interval {
		return
	}
	m.lastPidsUpdate = now
	for pid, meta := range m.metas {
		if pid == 0 {
			continue
		}
		if _, ok := existing[pid]; ok {
			continue
		}
		cmd, ok := m.proc.ReadCmdline(pid)
		if !ok {
			delete(m.metas, pid)
			continue
		}
		if meta.ProcessCMD != cmd {
			meta.Clear()
			meta.ProcessCMD = cmd
		}
	}
}

// GetProcessMeta returns the identity of pid, resolving it from the pid's
// own cgroup or, failing that, from its command line.
func (m *ContainerProcessGroupManager) GetProcessMeta(pid uint32) *ProcessMeta {
	if meta, ok := m.metas[pid]; ok {
		return meta
	}
	if m.basePath != "" {
		if path := m.proc.CgroupProcsPath(pid, m.basePath); path != "" {
			pids, containerID, podID, res := m.ParseCgroupPath(path)
			if res == CgroupParseOK && containsPID(pids, pid) {
				m.stats.CgroupPathTotal++
				m.stats.WatchProcess += len(pids)
				cm := m.fetch(containerID)
				for _, p := range pids {
					meta, ok := m.metas[p]
					if !ok {
						meta = &ProcessMeta{}
						m.metas[p] = meta
					}
					meta.Clear()
					meta.PID = p
					meta.ContainerID = containerID
					meta.PodUID = podID
					meta.apply(cm)
				}
				m.refreshGroup(m.metas[pid])
				return m.metas[pid]
			} else if res < CgroupParseEmpty {
				m.stats.CgroupPathTotal++
				m.stats.CgroupPathParseFail++
			}
		}
	}
	meta := &ProcessMeta{PID: pid}
	if cmd, ok := m.proc.ReadCmdline(pid); ok {
		meta.ProcessCMD = cmd
	}
	m.stats.WatchProcess++
	m.metas[pid] = meta
	return meta
}

// LookupProcessMeta returns the cached identity of pid without resolving it.
func (m *ContainerProcessGroupManager) LookupProcessMeta(pid uint32) (*ProcessMeta, bool) {
	meta, ok := m.metas[pid]
	return meta, ok
}

func containsPID(pids []uint32, pid uint32) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

// GetContainerProcessGroup returns the group of pid, creating it on first
// use. A pid belongs to exactly one group; when its identity moved to
// another container it leaves the old group first.
func (m *ContainerProcessGroupManager) GetContainerProcessGroup(meta *ProcessMeta, pid uint32) GroupHandle {
	if h, ok := m.members[pid]; ok {
		if g, live := m.arena.get(h); live && g.containerID == meta.ContainerID {
			return h
		}
		m.detach(pid, h)
	}
	var h GroupHandle
	if meta.ContainerID == "" {
		h = m.arena.alloc(m.newGroup(meta, ""))
		m.pure[pid] = h
	} else if existing, ok := m.containers[meta.ContainerID]; ok {
		h = existing
	} else {
		h = m.arena.alloc(m.newGroup(meta, meta.ContainerID))
		m.containers[meta.ContainerID] = h
	}
	g, _ := m.arena.get(h)
	g.pids[pid] = struct{}{}
	m.members[pid] = h
	return h
}

// refreshGroup hands the container group of meta the identity just fetched
// for its container.
func (m *ContainerProcessGroupManager) refreshGroup(meta *ProcessMeta) {
	h, ok := m.containers[meta.ContainerID]
	if !ok {
		return
	}
	if g, live := m.arena.get(h); live {
		g.Meta = meta.snapshot()
	}
}

// newGroup keeps its own copy of meta. Pid metas are cleared in place when
// a pid is reused, the group identity must not follow.
func (m *ContainerProcessGroupManager) newGroup(meta *ProcessMeta, containerID string) *ContainerProcessGroup {
	return &ContainerProcessGroup{
		Meta:        meta.snapshot(),
		Aggregators: aggregator.NewProtocolEventAggregators(m.cfg),
		containerID: containerID,
		pids:        make(map[uint32]struct{}),
	}
}

// Group resolves a handle; false once the group was released.
func (m *ContainerProcessGroupManager) Group(h GroupHandle) (*ContainerProcessGroup, bool) {
	return m.arena.get(h)
}

// OnProcessDestroy removes pid from its group and releases the group, with
// whatever it aggregated since the last flush, once it is empty.
func (m *ContainerProcessGroupManager) OnProcessDestroy(meta *ProcessMeta, pid uint32) {
	if h, ok := m.members[pid]; ok {
		m.detach(pid, h)
		return
	}
	if meta == nil {
		return
	}
	var h GroupHandle
	if meta.ContainerID == "" {
		h = m.pure[pid]
	} else {
		h = m.containers[meta.ContainerID]
	}
	m.detach(pid, h)
}

func (m *ContainerProcessGroupManager) detach(pid uint32, h GroupHandle) {
	delete(m.members, pid)
	g, ok := m.arena.get(h)
	if !ok {
		return
	}
	delete(g.pids, pid)
	if len(g.pids) > 0 {
		return
	}
	if g.containerID == "" {
		delete(m.pure, pid)
	} else {
		delete(m.containers, g.containerID)
	}
	m.arena.release(h)
}

// GroupCount returns the number of pure process groups and container groups.
func (m *ContainerProcessGroupManager) GroupCount() (pure, container int) {
	return len(m.pure), len(m.containers)
}

// FlushOutMetrics drains every group, pure process groups first.
func (m *ContainerProcessGroupManager) FlushOutMetrics(out []datastore.Record, tags []config.Tag, interval int,
	hosts aggregator.HostResolver) []datastore.Record {
	fc := aggregator.FlushContext{Tags: tags, Interval: interval, Hosts: hosts}
	flush := func(h GroupHandle) {
		g, ok := m.arena.get(h)
		if !ok {
			return
		}
		fc.LocalInfo = g.Meta.LocalInfo()
		out = g.Aggregators.FlushLogs(out, &fc)
	}
	for _, h := range m.pure {
		flush(h)
	}
	for _, h := range m.containers {
		flush(h)
	}
	return out
}

// ResetFilters drops every cached filter verdict, after a configuration
// reload.
func (m *ContainerProcessGroupManager) ResetFilters() {
	for _, meta := range m.metas {
		meta.ResetFilter()
	}
}
