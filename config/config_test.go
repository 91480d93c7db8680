package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ddosify/netobserver/protocols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultNetworkConfig()
	require.NoError(t, cfg.Compile())
	assert.Equal(t, 100, cfg.Common.Sampling)
	assert.Equal(t, 30, cfg.Common.GCInterval)
	assert.Equal(t, 600, cfg.Common.ProcessTimeout)
	for p := protocols.ProtocolHTTP; p < protocols.ProtocolNum; p++ {
		assert.True(t, cfg.IsLegalProtocol(p), p.String())
	}
	assert.False(t, cfg.IsLegalProtocol(protocols.ProtocolNone))

	c, s := cfg.GetProtocolAggSize(protocols.ProtocolMySQL)
	assert.Equal(t, 500, c)
	assert.Equal(t, 5000, s)
}

func TestLoadFromBytes(t *testing.T) {
	doc := `
common:
  sampling: 50
  gc_interval: 10
protocols:
  redis:
    enabled: false
  http:
    client_size: 10
tags:
  - key: cluster
    value: east
filters:
  cmd:
    include: "^(test|abc)$"
    exclude: "^abc"
`
	cfg, err := LoadFromBytes([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Common.Sampling)
	assert.Equal(t, 10, cfg.Common.GCInterval)
	// untouched values keep their defaults
	assert.Equal(t, 30, cfg.Common.FlushInterval)
	assert.False(t, cfg.IsLegalProtocol(protocols.ProtocolRedis))
	assert.True(t, cfg.IsLegalProtocol(protocols.ProtocolHTTP))

	c, s := cfg.GetProtocolAggSize(protocols.ProtocolHTTP)
	assert.Equal(t, 10, c)
	assert.Equal(t, 5000, s)
	assert.Equal(t, []Tag{{Key: "cluster", Value: "east"}}, cfg.Tags)

	assert.True(t, cfg.Filters.Cmd.Pass("test"))
	assert.False(t, cfg.Filters.Cmd.Pass("abc"))
	assert.False(t, cfg.Filters.Cmd.Pass("other"))
}

func TestIllegalRegex(t *testing.T) {
	_, err := LoadFromBytes([]byte("filters:\n  namespace:\n    include: \"([a-z\"\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalRegex))
	assert.Equal(t, "regex illegal:include_namespace_regex", err.Error())
}

func TestUnknownProtocol(t *testing.T) {
	_, err := LoadFromBytes([]byte("protocols:\n  kafka:\n    enabled: true\n"))
	assert.Error(t, err)
}

func TestSamplingClamp(t *testing.T) {
	cfg := DefaultNetworkConfig()
	cfg.Common.Sampling = 150
	require.NoError(t, cfg.Compile())
	assert.Equal(t, 100, cfg.Common.Sampling)
	assert.True(t, cfg.Sampled(99))

	cfg.Common.Sampling = 10
	require.NoError(t, cfg.Compile())
	assert.True(t, cfg.Sampled(109))
	assert.False(t, cfg.Sampled(110))
}

func TestLabelFilter(t *testing.T) {
	f := LabelFilter{
		Include: map[string]string{"app": "^web", "tier": ""},
		Exclude: map[string]string{"env": "dev"},
	}
	require.NoError(t, f.compile("k8s_labels"))

	assert.True(t, f.Pass(map[string]string{"app": "web-1"}))
	assert.True(t, f.Pass(map[string]string{"tier": "anything"}))
	assert.False(t, f.Pass(map[string]string{"app": "db"}))
	assert.False(t, f.Pass(map[string]string{"app": "web", "env": "dev"}))
	assert.False(t, f.Pass(nil))

	empty := LabelFilter{}
	require.NoError(t, empty.compile("envs"))
	assert.True(t, empty.Empty())
	assert.True(t, empty.Pass(nil))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NETOBS_SAMPLING", "20")
	t.Setenv("NETOBS_EBPF_ENABLED", "true")
	cfg, err := LoadFromBytes([]byte("common:\n  sampling: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Common.Sampling)
	assert.True(t, cfg.EBPF.Enabled)

	t.Setenv("NETOBS_GC_INTERVAL", "soon")
	_, err = LoadFromBytes(nil)
	assert.Error(t, err)
}

func TestLoaderNeedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netobserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("common:\n  sampling: 40\n"), 0o644))

	l := NewLoader(path)
	l.BeginLoad()
	require.NoError(t, l.Load())
	cfg := l.EndLoad()
	assert.Equal(t, 40, cfg.Common.Sampling)
	assert.False(t, l.NeedReload())

	require.NoError(t, os.WriteFile(path, []byte("replay:\n  path: /tmp/x.dump\n"), 0o644))
	l.BeginLoad()
	require.NoError(t, l.Load())
	cfg = l.EndLoad()
	assert.Equal(t, "/tmp/x.dump", cfg.Replay.Path)
	assert.True(t, l.NeedReload())

	// a broken file keeps the active configuration
	require.NoError(t, os.WriteFile(path, []byte("filters:\n  cmd:\n    exclude: \"(\"\n"), 0o644))
	l.BeginLoad()
	assert.Error(t, l.Load())
	cfg = l.EndLoad()
	assert.Equal(t, "/tmp/x.dump", cfg.Replay.Path)
	assert.False(t, l.NeedReload())
}
