package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ddosify/netobserver/protocols"
)

var ErrIllegalRegex = errors.New("regex illegal")

const (
	defaultClientAggSize = 500
	defaultServerAggSize = 5000
)

type Tag struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type EBPFConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ObjectPath string `yaml:"object_path"`
}

// ReplayConfig drives the file based source and the packet dump.
type ReplayConfig struct {
	Path         string `yaml:"path"`
	DumpPath     string `yaml:"dump_path"`
	DumpPID      int    `yaml:"dump_pid"`
	DumpSockHash uint32 `yaml:"dump_sock_hash"`
	DumpPort     uint16 `yaml:"dump_port"`
	DumpMaxBytes int64  `yaml:"dump_max_bytes"`
}

// CommonConfig intervals and timeouts are in seconds.
type CommonConfig struct {
	Sampling int `yaml:"sampling"`
	PID      int `yaml:"pid"`

	FlushInterval                  int `yaml:"flush_interval"`
	FlushMetaInterval              int `yaml:"flush_meta_interval"`
	FlushNetlinkInterval           int `yaml:"flush_netlink_interval"`
	GCInterval                     int `yaml:"gc_interval"`
	EBPFConnectionGCInterval       int `yaml:"ebpf_connection_gc_interval"`
	ProbeDisableProcessInterval    int `yaml:"probe_disable_process_interval"`
	CleanAllDisableProcessInterval int `yaml:"clean_all_disable_process_interval"`
	StatisticsInterval             int `yaml:"statistics_interval"`
	ProcessUpdateInterval          int `yaml:"process_update_interval"`

	ProcessTimeout             int `yaml:"process_timeout"`
	ProcessNoConnectionTimeout int `yaml:"process_no_connection_timeout"`
	ProcessDestroyedTimeout    int `yaml:"process_destroyed_timeout"`
	ConnectionTimeout          int `yaml:"connection_timeout"`
	ConnectionClosedTimeout    int `yaml:"connection_closed_timeout"`
	HostnameTimeout            int `yaml:"hostname_timeout"`

	NoDataSleepMs     int `yaml:"no_data_sleep_ms"`
	PollBatchSize     int `yaml:"poll_batch_size"`
	PollMaxDurationMs int `yaml:"poll_max_duration_ms"`
	ConnectionGCBytes int `yaml:"connection_gc_bytes"`

	DropUnixSocket       bool `yaml:"drop_unix_socket"`
	DropLocalConnections bool `yaml:"drop_local_connections"`
	DropUnknownSocket    bool `yaml:"drop_unknown_socket"`
	LocalPort            bool `yaml:"local_port"`

	CgroupRoot string `yaml:"cgroup_root"`
	ProcRoot   string `yaml:"proc_root"`
}

type ProtocolConfig struct {
	Enabled    *bool `yaml:"enabled"`
	ClientSize int   `yaml:"client_size"`
	ServerSize int   `yaml:"server_size"`
}

type NetworkConfig struct {
	EBPF      EBPFConfig                `yaml:"ebpf"`
	Replay    ReplayConfig              `yaml:"replay"`
	Common    CommonConfig              `yaml:"common"`
	Filters   FilterConfig              `yaml:"filters"`
	Protocols map[string]ProtocolConfig `yaml:"protocols"`
	Tags      []Tag                     `yaml:"tags"`

	protocolFlag int64
}

func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		EBPF: EBPFConfig{
			ObjectPath: "/usr/lib/netobserver/netobserver.bpf.o",
		},
		Replay: ReplayConfig{
			DumpPID:      -1,
			DumpMaxBytes: 1 << 30,
		},
		Common: CommonConfig{
			Sampling:                       100,
			PID:                            -1,
			FlushInterval:                  30,
			FlushMetaInterval:              30,
			FlushNetlinkInterval:           10,
			GCInterval:                     30,
			EBPFConnectionGCInterval:       300,
			ProbeDisableProcessInterval:    3,
			CleanAllDisableProcessInterval: 1800,
			StatisticsInterval:             60,
			ProcessUpdateInterval:          300,
			ProcessTimeout:                 600,
			ProcessNoConnectionTimeout:     180,
			ProcessDestroyedTimeout:        180,
			ConnectionTimeout:              300,
			ConnectionClosedTimeout:        5,
			HostnameTimeout:                3600,
			NoDataSleepMs:                  10,
			PollBatchSize:                  100,
			PollMaxDurationMs:              100,
			ConnectionGCBytes:              1 << 20,
			DropUnixSocket:                 true,
			DropLocalConnections:           true,
			DropUnknownSocket:              true,
			CgroupRoot:                     "/sys/fs/cgroup",
			ProcRoot:                       "/proc",
		},
		Protocols:    map[string]ProtocolConfig{},
		protocolFlag: -1,
	}
}

// Compile validates the configuration and prepares the derived state. It
// must be called after every load.
func (c *NetworkConfig) Compile() error {
	if c.Common.Sampling < 0 {
		c.Common.Sampling = 0
	} else if c.Common.Sampling > 100 {
		c.Common.Sampling = 100
	}
	if err := c.Filters.compile(); err != nil {
		return err
	}
	c.protocolFlag = -1
	for name, pc := range c.Protocols {
		p := protocols.ParseProtocolType(name)
		if p == protocols.ProtocolNone {
			return fmt.Errorf("unknown protocol %q", name)
		}
		if pc.Enabled != nil && !*pc.Enabled {
			c.protocolFlag &^= 1 << (p - 1)
		}
	}
	return nil
}

// IsLegalProtocol reports whether parsing of p is enabled.
func (c *NetworkConfig) IsLegalProtocol(p protocols.ProtocolType) bool {
	if p == protocols.ProtocolNone || p >= protocols.ProtocolNum {
		return false
	}
	return c.protocolFlag&(1<<(p-1)) != 0
}

// GetProtocolAggSize returns the client and server key caps of an aggregator.
func (c *NetworkConfig) GetProtocolAggSize(p protocols.ProtocolType) (int, int) {
	client, server := defaultClientAggSize, defaultServerAggSize
	if pc, ok := c.Protocols[p.String()]; ok {
		if pc.ClientSize > 0 {
			client = pc.ClientSize
		}
		if pc.ServerSize > 0 {
			server = pc.ServerSize
		}
	}
	return client, server
}

// Sampled reports whether a connection falls inside the sampling rate.
func (c *NetworkConfig) Sampled(sockHash uint32) bool {
	return int(sockHash%100) < c.Common.Sampling
}

type RegexFilter struct {
	Include string `yaml:"include"`
	Exclude string `yaml:"exclude"`

	include *regexp.Regexp
	exclude *regexp.Regexp
}

func (f *RegexFilter) compile(name string) error {
	f.include, f.exclude = nil, nil
	if f.Include != "" {
		r, err := regexp.Compile(f.Include)
		if err != nil {
			return fmt.Errorf("%w:include_%s", ErrIllegalRegex, name)
		}
		f.include = r
	}
	if f.Exclude != "" {
		r, err := regexp.Compile(f.Exclude)
		if err != nil {
			return fmt.Errorf("%w:exclude_%s", ErrIllegalRegex, name)
		}
		f.exclude = r
	}
	return nil
}

func (f *RegexFilter) Empty() bool {
	return f.include == nil && f.exclude == nil
}

// Pass is false when the exclude pattern matches, or an include pattern is
// set and does not match.
func (f *RegexFilter) Pass(s string) bool {
	if f.exclude != nil && f.exclude.MatchString(s) {
		return false
	}
	if f.include != nil && !f.include.MatchString(s) {
		return false
	}
	return true
}

// LabelFilter maps a label key to a value pattern. An empty pattern matches
// any value of a present key.
type LabelFilter struct {
	Include map[string]string `yaml:"include"`
	Exclude map[string]string `yaml:"exclude"`

	include map[string]*regexp.Regexp
	exclude map[string]*regexp.Regexp
}

func compileLabels(name string, in map[string]string) (map[string]*regexp.Regexp, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]*regexp.Regexp, len(in))
	for k, v := range in {
		if v == "" {
			out[k] = nil
			continue
		}
		r, err := regexp.Compile(v)
		if err != nil {
			return nil, fmt.Errorf("%w:%s[%s]", ErrIllegalRegex, name, k)
		}
		out[k] = r
	}
	return out, nil
}

func (f *LabelFilter) compile(name string) error {
	var err error
	if f.include, err = compileLabels("include_"+name, f.Include); err != nil {
		return err
	}
	if f.exclude, err = compileLabels("exclude_"+name, f.Exclude); err != nil {
		return err
	}
	return nil
}

func (f *LabelFilter) Empty() bool {
	return len(f.include) == 0 && len(f.exclude) == 0
}

func anyLabelMatch(rules map[string]*regexp.Regexp, labels map[string]string) bool {
	for k, r := range rules {
		v, ok := labels[k]
		if !ok {
			continue
		}
		if r == nil || r.MatchString(v) {
			return true
		}
	}
	return false
}

func (f *LabelFilter) Pass(labels map[string]string) bool {
	if anyLabelMatch(f.exclude, labels) {
		return false
	}
	if len(f.include) > 0 && !anyLabelMatch(f.include, labels) {
		return false
	}
	return true
}

type FilterConfig struct {
	Cmd             RegexFilter `yaml:"cmd"`
	ContainerName   RegexFilter `yaml:"container_name"`
	PodName         RegexFilter `yaml:"pod_name"`
	Namespace       RegexFilter `yaml:"namespace"`
	ContainerLabels LabelFilter `yaml:"container_labels"`
	K8sLabels       LabelFilter `yaml:"k8s_labels"`
	Envs            LabelFilter `yaml:"envs"`
}

func (f *FilterConfig) compile() error {
	for name, r := range map[string]*RegexFilter{
		"cmd_regex":            &f.Cmd,
		"container_name_regex": &f.ContainerName,
		"pod_name_regex":       &f.PodName,
		"namespace_regex":      &f.Namespace,
	} {
		if err := r.compile(name); err != nil {
			return err
		}
	}
	for name, l := range map[string]*LabelFilter{
		"container_labels": &f.ContainerLabels,
		"k8s_labels":       &f.K8sLabels,
		"envs":             &f.Envs,
	} {
		if err := l.compile(name); err != nil {
			return err
		}
	}
	return nil
}

// HasContainerRules reports whether any rule needs container metadata.
func (f *FilterConfig) HasContainerRules() bool {
	return !f.ContainerName.Empty() || !f.PodName.Empty() || !f.Namespace.Empty() ||
		!f.ContainerLabels.Empty() || !f.K8sLabels.Empty() || !f.Envs.Empty()
}
