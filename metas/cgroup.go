package metas

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ddosify/netobserver/log"
)

var ErrNoCgroupBase = errors.New("cannot find the base cgroup path")

type ContainerType uint8

const (
	ContainerTypeDocker ContainerType = iota
	ContainerTypeCRIContainerd
	ContainerTypeCRIO
	ContainerTypeK8sOthers
	ContainerTypeUnknown
)

var (
	containerTypeMarks   = [...]string{"docker", "cri-containerd", "crio", "kubepods"}
	containerTypePrefix  = [...]string{"docker", "cri-containerd", "crio", `\S+`, "unknow"}
	containerTypeStrings = [...]string{"docker", "cri_contianerd", "crio", "k8s_others", "unknown"}
)

func (t ContainerType) String() string {
	if t > ContainerTypeUnknown {
		t = ContainerTypeUnknown
	}
	return containerTypeStrings[t]
}

// ExtractContainerType guesses the runtime from a cgroup.procs path.
func ExtractContainerType(path string) ContainerType {
	for i, mark := range containerTypeMarks {
		if strings.Contains(path, mark) {
			return ContainerType(i)
		}
	}
	return ContainerTypeUnknown
}

const (
	podIDPattern       = `([0-9a-f]{8}[-_][0-9a-f]{4}[-_][0-9a-f]{4}[-_][0-9a-f]{4}[-_][0-9a-f]{12})`
	containerIDPattern = `([0-9a-f]{64})`
)

// CGroupMatcher extracts pod and container ids from cgroup.procs paths
// relative to the cgroup base. One pattern per QoS class.
type CGroupMatcher struct {
	guaranteed *regexp.Regexp
	besteffort *regexp.Regexp
	burstable  *regexp.Regexp
}

func (m *CGroupMatcher) pick(path string) *regexp.Regexp {
	switch {
	case strings.Contains(path, "burstable"):
		return m.burstable
	case strings.Contains(path, "besteffort"):
		return m.besteffort
	default:
		return m.guaranteed
	}
}

func (m *CGroupMatcher) IsMatch(path string) bool {
	r := m.pick(path)
	return r != nil && r.MatchString(path)
}

// ExtractProcessMeta returns empty ids when path does not match.
func (m *CGroupMatcher) ExtractProcessMeta(path string) (containerID, podID string) {
	r := m.pick(path)
	if r == nil {
		return "", ""
	}
	sub := r.FindStringSubmatch(path)
	switch len(sub) {
	case 3:
		return sub[2], sub[1]
	case 2:
		return sub[1], ""
	}
	log.Logger.Debug().Str("path", path).Msg("extract container meta failed")
	return "", ""
}

// GetCGroupMatcher returns the first layout, systemd slices, GKE cgroupfs
// or plain docker, that matches path. nil when none does.
func GetCGroupMatcher(path string, t ContainerType) *CGroupMatcher {
	if t > ContainerTypeUnknown {
		t = ContainerTypeUnknown
	}
	prefix := containerTypePrefix[t]
	slices := &CGroupMatcher{
		guaranteed: regexp.MustCompile(`^kubepods.slice/kubepods-pod` + podIDPattern + `.slice/` +
			prefix + `-` + containerIDPattern + `\.scope/cgroup\.procs$`),
		besteffort: regexp.MustCompile(`^kubepods.slice/kubepods-besteffort.slice/kubepods-besteffort-pod` +
			podIDPattern + `.slice/` + prefix + `-` + containerIDPattern + `\.scope/cgroup\.procs$`),
		burstable: regexp.MustCompile(`^kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod` +
			podIDPattern + `.slice/` + prefix + `-` + containerIDPattern + `\.scope/cgroup\.procs$`),
	}
	if slices.IsMatch(path) {
		return slices
	}
	gke := &CGroupMatcher{
		guaranteed: regexp.MustCompile(`^kubepods/pod` + podIDPattern + `/` + containerIDPattern + `/cgroup\.procs$`),
		besteffort: regexp.MustCompile(`^kubepods/besteffort/pod` + podIDPattern + `/` + containerIDPattern + `/cgroup\.procs$`),
		burstable:  regexp.MustCompile(`^kubepods/burstable/pod` + podIDPattern + `/` + containerIDPattern + `/cgroup\.procs$`),
	}
	if gke.IsMatch(path) {
		return gke
	}
	docker := &CGroupMatcher{
		guaranteed: regexp.MustCompile(`^docker/` + containerIDPattern + `/cgroup\.procs$`),
	}
	if docker.IsMatch(path) {
		return docker
	}
	return nil
}

// CGroupBasePath finds the hierarchy used to list container processes
// under root, usually /sys/fs/cgroup. A unified hierarchy falls back to
// root itself.
func CGroupBasePath(root string) (string, error) {
	for _, dir := range []string{"cpu,cpuacct", "cpu", "pids"} {
		p := filepath.Join(root, dir)
		if isDir(p) {
			return p, nil
		}
	}
	if isDir(filepath.Join(root, "kubepods.slice")) || isDir(filepath.Join(root, "kubepods")) {
		return filepath.Clean(root), nil
	}
	return "", ErrNoCgroupBase
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}

func walkProcs(base string, out []string) []string {
	_ = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				log.Logger.Debug().Err(err).Str("path", base).Msg("open cgroup dir failed")
			}
			return nil
		}
		if d.Type().IsRegular() && d.Name() == "cgroup.procs" {
			out = append(out, p)
		}
		return nil
	})
	return out
}

// ResolveAllCGroupProcsPaths lists cgroup.procs files below base, trying
// the kubernetes slices, GKE, docker and finally the whole tree.
func ResolveAllCGroupProcsPaths(base string) []string {
	for _, sub := range []string{"kubepods.slice", "kubepods", "docker"} {
		if paths := walkProcs(filepath.Join(base, sub), nil); len(paths) > 0 {
			return paths
		}
	}
	return walkProcs(base, nil)
}

var (
	deploymentPodReg  = regexp.MustCompile(`^([\w\-]+)\-([0-9a-z]{9,10})\-([0-9a-z]{5})$`)
	setPodReg         = regexp.MustCompile(`^([\w\-]+)\-([0-9a-z]{5})$`)
	statefulSetPodReg = regexp.MustCompile(`^([\w\-]+)\-(\d+)$`)
)

// ExtractPodWorkloadName strips replica set and pod hash suffixes.
func ExtractPodWorkloadName(podName string) string {
	if podName == "" {
		return ""
	}
	for _, r := range []*regexp.Regexp{deploymentPodReg, setPodReg, statefulSetPodReg} {
		if sub := r.FindStringSubmatch(podName); len(sub) > 1 {
			return sub[1]
		}
	}
	return podName
}
