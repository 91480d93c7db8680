package metas

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const maxCmdlineLen = 1024

// ProcFS reads process state from a procfs mount, /proc unless a test
// points it elsewhere.
type ProcFS struct {
	root string
	fs   procfs.FS
	ok   bool
}

func NewProcFS(root string) *ProcFS {
	r := &ProcFS{root: root}
	if fs, err := procfs.NewFS(root); err == nil {
		r.fs, r.ok = fs, true
	}
	return r
}

// ReadCmdline reports false when the process is gone. Only the binary is
// kept, unless it is a java or python interpreter whose arguments name the
// real program.
func (r *ProcFS) ReadCmdline(pid uint32) (string, bool) {
	if !r.ok {
		return "", false
	}
	p, err := r.fs.Proc(int(pid))
	if err != nil {
		return "", false
	}
	args, err := p.CmdLine()
	if err != nil {
		return "", false
	}
	if len(args) == 0 {
		return "", true
	}
	if len(args) > 1 && !strings.Contains(args[0], "java") && !strings.Contains(args[0], "python") {
		return args[0], true
	}
	cmd := strings.Join(args, " ")
	if len(cmd) > maxCmdlineLen {
		cmd = cmd[:maxCmdlineLen]
	}
	return cmd, true
}

// CgroupProcsPath returns the cgroup.procs file of pid below base, from
// the cpu/cpuacct or pids hierarchy, or the unified one.
func (r *ProcFS) CgroupProcsPath(pid uint32, base string) string {
	if !r.ok {
		return ""
	}
	p, err := r.fs.Proc(int(pid))
	if err != nil {
		return ""
	}
	groups, err := p.Cgroups()
	if err != nil {
		return ""
	}
	unified := ""
	for _, g := range groups {
		if g.Path == "" || g.Path == "/" {
			continue
		}
		if g.HierarchyID == 0 {
			unified = g.Path
			continue
		}
		for _, c := range g.Controllers {
			if c == "cpu" || c == "cpuacct" || c == "pids" {
				return filepath.Join(base, g.Path, "cgroup.procs")
			}
		}
	}
	if unified != "" {
		return filepath.Join(base, unified, "cgroup.procs")
	}
	return ""
}

// StartTime is the start of pid in clock ticks since boot, used to tell a
// reused pid apart.
func (r *ProcFS) StartTime(pid uint32) (uint64, bool) {
	if !r.ok {
		return 0, false
	}
	p, err := r.fs.Proc(int(pid))
	if err != nil {
		return 0, false
	}
	st, err := p.Stat()
	if err != nil {
		return 0, false
	}
	return st.Starttime, true
}

func (r *ProcFS) Alive(pid uint32) bool {
	_, err := os.Stat(filepath.Join(r.root, strconv.FormatUint(uint64(pid), 10)))
	return err == nil
}

func (r *ProcFS) FDExists(pid uint32, fd uint32) bool {
	_, err := os.Lstat(filepath.Join(r.root, strconv.FormatUint(uint64(pid), 10), "fd", strconv.FormatUint(uint64(fd), 10)))
	return err == nil
}
