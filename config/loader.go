package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

const envPrefix = "NETOBS_"

// Load reads a YAML configuration file on top of the defaults, applies
// NETOBS_* environment overrides and compiles the result.
func Load(path string) (*NetworkConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

func LoadFromBytes(b []byte) (*NetworkConfig, error) {
	cfg := DefaultNetworkConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Protocols == nil {
		cfg.Protocols = map[string]ProtocolConfig{}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("env %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("env %s%s: %w", envPrefix, name, err)
	}
	*dst = b
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func applyEnvOverrides(cfg *NetworkConfig) error {
	c := &cfg.Common
	ints := map[string]*int{
		"SAMPLING":               &c.Sampling,
		"PID":                    &c.PID,
		"FLUSH_INTERVAL":         &c.FlushInterval,
		"FLUSH_META_INTERVAL":    &c.FlushMetaInterval,
		"FLUSH_NETLINK_INTERVAL": &c.FlushNetlinkInterval,
		"GC_INTERVAL":            &c.GCInterval,
		"STATISTICS_INTERVAL":    &c.StatisticsInterval,
		"PROCESS_TIMEOUT":        &c.ProcessTimeout,
		"CONNECTION_TIMEOUT":     &c.ConnectionTimeout,
	}
	for name, dst := range ints {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	if err := envBool("EBPF_ENABLED", &cfg.EBPF.Enabled); err != nil {
		return err
	}
	if err := envBool("LOCAL_PORT", &c.LocalPort); err != nil {
		return err
	}
	envString("EBPF_OBJECT", &cfg.EBPF.ObjectPath)
	envString("REPLAY_PATH", &cfg.Replay.Path)
	envString("DUMP_PATH", &cfg.Replay.DumpPath)
	envString("CGROUP_ROOT", &c.CgroupRoot)
	envString("PROC_ROOT", &c.ProcRoot)
	envString("INCLUDE_CMD_REGEX", &cfg.Filters.Cmd.Include)
	envString("EXCLUDE_CMD_REGEX", &cfg.Filters.Cmd.Exclude)
	return nil
}

// Loader owns the active configuration of a running observer. A load is
// bracketed by BeginLoad and EndLoad; a failed load keeps the previous
// configuration.
type Loader struct {
	path string

	mu         sync.Mutex
	current    *NetworkConfig
	pending    *NetworkConfig
	needReload bool
}

func NewLoader(path string) *Loader {
	return &Loader{path: path, current: DefaultNetworkConfig()}
}

func (l *Loader) Path() string { return l.path }

// Config returns the active configuration.
func (l *Loader) Config() *NetworkConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) BeginLoad() {
	l.mu.Lock()
	l.pending = nil
	l.needReload = false
	l.mu.Unlock()
}

func (l *Loader) Load() error {
	var (
		cfg *NetworkConfig
		err error
	)
	if l.path == "" {
		cfg = DefaultNetworkConfig()
		if err = applyEnvOverrides(cfg); err == nil {
			err = cfg.Compile()
		}
	} else {
		cfg, err = Load(l.path)
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = cfg
	l.mu.Unlock()
	return nil
}

// EndLoad swaps in the configuration read by Load, if any, and returns the
// active one.
func (l *Loader) EndLoad() *NetworkConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		l.needReload = sourceChanged(l.current, l.pending)
		l.current = l.pending
		l.pending = nil
	}
	return l.current
}

// NeedReload reports whether the last swap changed a setting the capture
// sources are built from.
func (l *Loader) NeedReload() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.needReload
}

func sourceChanged(old, cur *NetworkConfig) bool {
	return old.EBPF != cur.EBPF || old.Replay.Path != cur.Replay.Path
}
