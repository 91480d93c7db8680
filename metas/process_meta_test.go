package metas

import (
	"testing"

	"github.com/ddosify/netobserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiledFilters(t *testing.T, yaml string) *config.FilterConfig {
	t.Helper()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	require.NoError(t, err)
	return &cfg.Filters
}

func TestFormattedMeta(t *testing.T) {
	host := &ProcessMeta{PID: 8}
	assert.Equal(t, `{"_process_cmd_":"","_process_pid_":"8","_running_mode_":"host"}`, host.LocalInfo())
	tags := host.GetFormattedMeta()
	require.Len(t, tags, 3)
	assert.Equal(t, config.Tag{Key: "_process_pid_", Value: "8"}, tags[0])
	assert.Equal(t, "_process_cmd_", tags[1].Key)

	assert.Equal(t, `{"_process_pid_":"0"}`, (&ProcessMeta{}).LocalInfo())

	container := &ProcessMeta{PID: 9, ContainerID: "abc", ContainerName: "mock4-container", Image: "img"}
	assert.Equal(t, `{"_container_name_":"mock4-container","_running_mode_":"container"}`, container.LocalInfo())

	pod := &ProcessMeta{PID: 10, ContainerID: "def"}
	pod.apply(ContainerMeta{ContainerName: "mock2-container", PodName: "mock2-wn-7d9f8b6c5d-x2x7q", Namespace: "mock2-ns"})
	assert.Equal(t, RunningModeKubernetes, pod.RunningMode())
	assert.Equal(t, `{"_container_name_":"mock2-container","_namespace_":"mock2-ns",`+
		`"_pod_name_":"mock2-wn-7d9f8b6c5d-x2x7q","_running_mode_":"kubernetes","_workload_name_":"mock2-wn"}`, pod.LocalInfo())
}

func TestClearInvalidatesCache(t *testing.T) {
	m := &ProcessMeta{PID: 3, ProcessCMD: "nginx"}
	assert.Contains(t, m.LocalInfo(), `"_process_cmd_":"nginx"`)
	m.Clear()
	assert.Equal(t, uint32(3), m.PID)
	m.ProcessCMD = "redis-server"
	assert.Contains(t, m.LocalInfo(), `"_process_cmd_":"redis-server"`)
}

func TestPassFilterRulesCmd(t *testing.T) {
	f := compiledFilters(t, `
filters:
  cmd:
    include: "^(test|abc)$"
    exclude: "^abc"
`)
	meta := &ProcessMeta{PID: 1, ProcessCMD: "test"}
	assert.True(t, meta.PassFilterRules(f))
	meta.ResetFilter()

	meta.ProcessCMD = "abc"
	assert.False(t, meta.PassFilterRules(f))
	meta.ResetFilter()

	meta.ProcessCMD = "abc1"
	assert.False(t, meta.PassFilterRules(f))

	// the verdict is cached until reset
	meta.ProcessCMD = "test"
	assert.False(t, meta.PassFilterRules(f))
	meta.ResetFilter()
	assert.True(t, meta.PassFilterRules(f))
}

func TestPassFilterRulesContainer(t *testing.T) {
	meta := &ProcessMeta{
		PID:             1,
		ProcessCMD:      "abc1",
		ContainerName:   "container1",
		ContainerLabels: map[string]string{"app": "container"},
	}
	cases := []struct {
		yaml string
		pass bool
	}{
		{"filters: {container_name: {include: '^(container1|container2)$'}}", true},
		{"filters: {container_name: {exclude: '^(container1|container)$'}}", false},
		{"filters: {container_labels: {include: {app: '^(container|abc)$'}}}", true},
		{"filters: {container_labels: {exclude: {app: '^(container)$'}}}", false},
		// command rules do not apply to containers
		{"filters: {cmd: {exclude: '^abc'}}", true},
	}
	for _, tc := range cases {
		meta.ResetFilter()
		assert.Equal(t, tc.pass, meta.PassFilterRules(compiledFilters(t, tc.yaml)), tc.yaml)
	}
}

func TestPassFilterRulesPod(t *testing.T) {
	meta := &ProcessMeta{
		PID:           1,
		ContainerName: "container1",
		PodName:       "podname1",
		Namespace:     "namespace1",
		PodLabels:     map[string]string{"app": "pod"},
	}
	cases := []struct {
		yaml string
		pass bool
	}{
		{"filters: {pod_name: {include: '^(podname1|namespace2)$'}}", true},
		{"filters: {pod_name: {exclude: '^(podname1|namespace2)$'}}", false},
		{"filters: {namespace: {include: '^(namespace1|namespace2)$'}}", true},
		{"filters: {namespace: {exclude: '^(namespace1|namespace2)$'}}", false},
		{"filters: {k8s_labels: {include: {app: '^(pod|abc)$'}}}", true},
		{"filters: {k8s_labels: {exclude: {app: '^(pod)$'}}}", false},
		{"filters: {envs: {include: {JAVA_HOME: ''}}}", false},
	}
	for _, tc := range cases {
		meta.ResetFilter()
		assert.Equal(t, tc.pass, meta.PassFilterRules(compiledFilters(t, tc.yaml)), tc.yaml)
	}
	meta.ResetFilter()
	assert.True(t, meta.PassFilterRules(nil))
}
