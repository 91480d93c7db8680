package ebpf

import (
	"errors"

	"github.com/cilium/ebpf"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
)

// pidMap is the subset of *ebpf.Map the pid filter uses.
type pidMap interface {
	Put(key, value interface{}) error
	Delete(key interface{}) error
}

// disabledPids keeps the kernel side pid filter along with the start time
// of every disabled pid, so that a reused pid can be told apart.
type disabledPids struct {
	m    pidMap
	proc *metas.ProcFS
	pids map[uint32]uint64
}

func newDisabledPids(m pidMap, procFS *metas.ProcFS) *disabledPids {
	return &disabledPids{m: m, proc: procFS, pids: make(map[uint32]uint64)}
}

func (d *disabledPids) disable(pid uint32) {
	if _, ok := d.pids[pid]; ok {
		return
	}
	start, ok := d.proc.StartTime(pid)
	if !ok {
		return
	}
	if err := d.m.Put(pid, uint8(1)); err != nil {
		log.Logger.Warn().Err(err).Uint32("pid", pid).Msg("disabling process")
		return
	}
	d.pids[pid] = start
	log.Logger.Debug().Uint32("pid", pid).Msg("process disabled")
}

func (d *disabledPids) enable(pid uint32) {
	if err := d.m.Delete(pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		log.Logger.Warn().Err(err).Uint32("pid", pid).Msg("enabling process")
	}
	delete(d.pids, pid)
}

// probe re-enables pids that exited or now belong to another process.
func (d *disabledPids) probe() {
	for pid, start := range d.pids {
		if cur, ok := d.proc.StartTime(pid); !ok || cur != start {
			d.enable(pid)
		}
	}
}

func (d *disabledPids) clean() {
	for pid := range d.pids {
		d.enable(pid)
	}
}

func (d *disabledPids) len() int { return len(d.pids) }
