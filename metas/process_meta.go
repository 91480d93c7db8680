package metas

import (
	"encoding/json"
	"strconv"

	"github.com/ddosify/netobserver/config"
)

const (
	RunningModeKubernetes = "kubernetes"
	RunningModeContainer  = "container"
	RunningModeHost       = "host"
)

const (
	tagProcessPID    = "_process_pid_"
	tagProcessCmd    = "_process_cmd_"
	tagRunningMode   = "_running_mode_"
	tagContainerName = "_container_name_"
	tagNamespace     = "_namespace_"
	tagPodName       = "_pod_name_"
	tagWorkloadName  = "_workload_name_"
)

// ContainerMeta is what a runtime or the API server knows about a
// container. An empty ContainerName means not found.
type ContainerMeta struct {
	ContainerName   string
	Image           string
	PodName         string
	Namespace       string
	K8sLabels       map[string]string
	ContainerLabels map[string]string
	Envs            map[string]string
}

func (c ContainerMeta) Empty() bool { return c.ContainerName == "" }

// ProcessMeta is the resolved identity of a pid.
type ProcessMeta struct {
	PID        uint32
	ProcessCMD string

	ContainerID     string
	ContainerName   string
	Image           string
	ContainerLabels map[string]string
	Envs            map[string]string

	PodUID       string
	PodName      string
	Namespace    string
	WorkloadName string
	PodLabels    map[string]string

	formatted  []config.Tag
	localInfo  string
	passFilter int8
}

// Clear drops everything but the pid, including the cached tags and the
// filter verdict.
func (m *ProcessMeta) Clear() {
	pid := m.PID
	*m = ProcessMeta{PID: pid}
}

// snapshot returns a copy sharing only the immutable label maps.
func (m *ProcessMeta) snapshot() *ProcessMeta {
	c := *m
	return &c
}

func (m *ProcessMeta) apply(c ContainerMeta) {
	m.Namespace = c.Namespace
	m.PodName = c.PodName
	m.WorkloadName = ExtractPodWorkloadName(c.PodName)
	m.ContainerName = c.ContainerName
	m.Image = c.Image
	m.PodLabels = c.K8sLabels
	m.ContainerLabels = c.ContainerLabels
	m.Envs = c.Envs
	m.formatted, m.localInfo = nil, ""
	m.passFilter = 0
}

func (m *ProcessMeta) RunningMode() string {
	switch {
	case m.PodName != "":
		return RunningModeKubernetes
	case m.ContainerName != "":
		return RunningModeContainer
	default:
		return RunningModeHost
	}
}

// GetFormattedMeta returns the identity tags of the populated running mode.
// The slice is cached until Clear.
func (m *ProcessMeta) GetFormattedMeta() []config.Tag {
	if m.formatted != nil {
		return m.formatted
	}
	mode := m.RunningMode()
	switch {
	case m.PID == 0 && mode == RunningModeHost:
		m.formatted = []config.Tag{{Key: tagProcessPID, Value: "0"}}
	case mode == RunningModeKubernetes:
		m.formatted = []config.Tag{
			{Key: tagNamespace, Value: m.Namespace},
			{Key: tagPodName, Value: m.PodName},
			{Key: tagWorkloadName, Value: m.WorkloadName},
			{Key: tagContainerName, Value: m.ContainerName},
			{Key: tagRunningMode, Value: mode},
		}
	case mode == RunningModeContainer:
		m.formatted = []config.Tag{
			{Key: tagContainerName, Value: m.ContainerName},
			{Key: tagRunningMode, Value: mode},
		}
	default:
		m.formatted = []config.Tag{
			{Key: tagProcessPID, Value: strconv.FormatUint(uint64(m.PID), 10)},
			{Key: tagProcessCmd, Value: m.ProcessCMD},
			{Key: tagRunningMode, Value: mode},
		}
	}
	return m.formatted
}

// LocalInfo is the formatted meta as a JSON object with sorted keys.
func (m *ProcessMeta) LocalInfo() string {
	if m.localInfo != "" && m.formatted != nil {
		return m.localInfo
	}
	tags := m.GetFormattedMeta()
	obj := make(map[string]string, len(tags))
	for _, t := range tags {
		obj[t.Key] = t.Value
	}
	b, _ := json.Marshal(obj)
	m.localInfo = string(b)
	return m.localInfo
}

// PassFilterRules evaluates the filters once and caches the verdict until
// ResetFilter or Clear. Host processes are matched on their command,
// containers on container and pod rules.
func (m *ProcessMeta) PassFilterRules(f *config.FilterConfig) bool {
	if m.passFilter == 0 {
		if m.evaluate(f) {
			m.passFilter = 1
		} else {
			m.passFilter = -1
		}
	}
	return m.passFilter > 0
}

func (m *ProcessMeta) ResetFilter() { m.passFilter = 0 }

func (m *ProcessMeta) evaluate(f *config.FilterConfig) bool {
	if f == nil {
		return true
	}
	if m.ContainerName == "" {
		return f.Cmd.Pass(m.ProcessCMD)
	}
	if !f.ContainerName.Pass(m.ContainerName) ||
		!f.ContainerLabels.Pass(m.ContainerLabels) ||
		!f.Envs.Pass(m.Envs) {
		return false
	}
	if m.PodName == "" {
		return true
	}
	return f.PodName.Pass(m.PodName) &&
		f.Namespace.Pass(m.Namespace) &&
		f.K8sLabels.Pass(m.PodLabels)
}
