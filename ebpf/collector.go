// Package ebpf captures packet events with the kernel probes of a compiled
// capture object and serves them to the observer loop.
package ebpf

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/ddosify/netobserver/config"
	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
	"github.com/ddosify/netobserver/observer"
)

const (
	mapPacketEvents = "packet_events"
	mapCtrlEvents   = "ctrl_events"
	mapProcEvents   = "proc_events"
	mapDisabledPids = "disabled_pids"
	mapConnections  = "connections"

	samplesBufferSize = 100000
)

var errUnsupportedSection = errors.New("unsupported program section")

type sampleKind uint8

const (
	kindData sampleKind = iota
	kindCtrl
	kindProc
)

type sample struct {
	kind sampleKind
	raw  []byte
}

// connKey and connValue are the layout of the connections map.
type connKey struct {
	PID uint32
	FD  uint32
}

type connValue struct {
	ConnID  uint64
	StartNs uint64
}

// Collector reads the perf buffers of the capture object on one goroutine
// per buffer; everything else runs on the observer loop through Poll and
// the optional source interfaces.
type Collector struct {
	cfg      *config.NetworkConfig
	coll     *ebpf.Collection
	links    map[string]link.Link
	readers  []*perf.Reader
	conns    *ebpf.Map
	dec      *decoder
	disabled *disabledPids

	samples chan sample
	lost    atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
}

var (
	_ observer.Source             = (*Collector)(nil)
	_ observer.ProcessDisabler    = (*Collector)(nil)
	_ observer.ConnectionTracker  = (*Collector)(nil)
	_ observer.StatisticsReporter = (*Collector)(nil)
	_ observer.ProcessExitSource  = (*Collector)(nil)
	_ observer.LossReporter       = (*Collector)(nil)
)

// NewCollector loads cfg.EBPF.ObjectPath, attaches every program by its
// section name and starts reading. conns resolves sockets the kernel could
// not classify and must only be used from the observer loop.
func NewCollector(cfg *config.NetworkConfig, conns *metas.ConnectionMetaManager) (*Collector, error) {
	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}
	spec, err := ebpf.LoadCollectionSpec(cfg.EBPF.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("load capture object: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	procFS := metas.NewProcFS(cfg.Common.ProcRoot)
	c := &Collector{
		cfg:     cfg,
		coll:    coll,
		links:   make(map[string]link.Link),
		conns:   coll.Maps[mapConnections],
		dec:     newDecoder(cfg, conns, procFS, bootTimeOffset()),
		samples: make(chan sample, samplesBufferSize),
	}
	if m, ok := coll.Maps[mapDisabledPids]; ok {
		c.disabled = newDisabledPids(m, procFS)
	}
	if err := c.attach(spec); err != nil {
		c.Close()
		return nil, err
	}
	for name, kind := range map[string]sampleKind{mapPacketEvents: kindData, mapCtrlEvents: kindCtrl, mapProcEvents: kindProc} {
		m, ok := coll.Maps[name]
		if !ok {
			if kind == kindData {
				c.Close()
				return nil, fmt.Errorf("capture object has no %s map", name)
			}
			log.Logger.Warn().Str("map", name).Msg("capture object map missing")
			continue
		}
		r, err := perf.NewReader(m, 64*os.Getpagesize())
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("perf reader %s: %w", name, err)
		}
		c.readers = append(c.readers, r)
		c.wg.Add(1)
		go c.consume(name, r, kind)
	}
	log.Logger.Info().Str("object", cfg.EBPF.ObjectPath).Int("links", len(c.links)).Msg("ebpf collector started")
	return c, nil
}

func attachProgram(section string, prog *ebpf.Program) (link.Link, error) {
	kind, target, _ := strings.Cut(section, "/")
	switch kind {
	case "kprobe":
		return link.Kprobe(target, prog, nil)
	case "kretprobe":
		return link.Kretprobe(target, prog, nil)
	case "tracepoint", "tp":
		group, name, ok := strings.Cut(target, "/")
		if !ok {
			break
		}
		return link.Tracepoint(group, name, prog, nil)
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedSection, section)
}

func (c *Collector) attach(spec *ebpf.CollectionSpec) error {
	for name, ps := range spec.Programs {
		prog, ok := c.coll.Programs[name]
		if !ok {
			continue
		}
		l, err := attachProgram(ps.SectionName, prog)
		if errors.Is(err, errUnsupportedSection) {
			log.Logger.Debug().Str("program", name).Str("section", ps.SectionName).Msg("program not attached")
			continue
		}
		if err != nil {
			return fmt.Errorf("attach %s: %w", name, err)
		}
		c.links[ps.SectionName] = l
	}
	return nil
}

func (c *Collector) consume(name string, r *perf.Reader, kind sampleKind) {
	defer c.wg.Done()
	for {
		record, err := r.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			log.Logger.Warn().Err(err).Str("map", name).Msg("error reading from perf map")
			continue
		}
		if record.LostSamples > 0 {
			c.lost.Add(record.LostSamples)
			continue
		}
		if len(record.RawSample) == 0 {
			log.Logger.Debug().Str("map", name).Msg("read sample nil or empty")
			continue
		}
		select {
		case c.samples <- sample{kind: kind, raw: record.RawSample}:
		default:
			c.lost.Add(1)
		}
	}
}

func (c *Collector) Name() string { return "ebpf" }

// Poll drains buffered samples without waiting for new ones.
func (c *Collector) Poll(max int, maxWait time.Duration, handle func(event []byte)) (int, error) {
	deadline := time.Now().Add(maxWait)
	n := 0
	for n < max {
		var s sample
		select {
		case s = <-c.samples:
		default:
			return n, nil
		}
		switch s.kind {
		case kindData:
			if c.dec.onData(s.raw, handle) {
				n++
			}
		case kindCtrl:
			if c.dec.onCtrl(s.raw, handle) {
				n++
			}
		case kindProc:
			c.dec.onProc(s.raw)
		}
		if n%16 == 0 && time.Now().After(deadline) {
			break
		}
	}
	return n, nil
}

func (c *Collector) DisableProcess(pid uint32) {
	if c.disabled != nil {
		c.disabled.disable(pid)
	}
}

func (c *Collector) ProbeDisabledProcesses() {
	if c.disabled != nil {
		c.disabled.probe()
	}
}

func (c *Collector) CleanDisabledProcesses() {
	if c.disabled != nil {
		c.disabled.clean()
	}
}

func (c *Collector) DisabledProcessCount() int {
	if c.disabled == nil {
		return 0
	}
	return c.disabled.len()
}

func (c *Collector) Connections() ([]observer.ConnectionID, error) {
	if c.conns == nil {
		return nil, nil
	}
	var (
		k   connKey
		v   connValue
		out []observer.ConnectionID
	)
	it := c.conns.Iterate()
	for it.Next(&k, &v) {
		out = append(out, observer.ConnectionID{PID: k.PID, FD: k.FD, SockHash: SockHash(k.PID, k.FD, v.ConnID)})
	}
	return out, it.Err()
}

func (c *Collector) DeleteConnections(ids []observer.ConnectionID) error {
	if c.conns == nil {
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := c.conns.Delete(connKey{PID: id.PID, FD: id.FD}); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) DrainStatistics() map[observer.NetStatisticsKey]observer.NetStatisticsValue {
	return c.dec.drainStatistics()
}

func (c *Collector) DrainExits(handle func(pid uint32, cmd string)) {
	c.dec.drainExits(handle)
}

func (c *Collector) LostEvents() uint64 {
	return c.lost.Load() + c.dec.malformed
}

// Close detaches the programs and stops the readers.
func (c *Collector) Close() error {
	c.once.Do(func() {
		for _, r := range c.readers {
			r.Close()
		}
		c.wg.Wait()
		for hook, l := range c.links {
			log.Logger.Info().Msgf("unattach %s", hook)
			l.Close()
		}
		c.coll.Close()
		log.Logger.Info().Uint64("lost", c.lost.Load()).Uint64("dropped", c.dec.dropped).Msg("ebpf collector closed")
	})
	return nil
}
