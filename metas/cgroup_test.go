package metas

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	dockerBesteffortPath = "kubepods.slice/kubepods-besteffort.slice/kubepods-besteffort-podd068a7ab_ddb1_4873_a0a4_a4e3408fe1e8.slice/" +
		"docker-32c0b6ca6cb7b94a1cfa605153ae920bf9b23335efd74f6e6e51ccc097f6e70b.scope/cgroup.procs"
	dockerBurstablePath = "kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod0dc61110_6b40_4a27_bd00_9edb8c454211.slice/" +
		"docker-7f0e7ba0b1678264767cff71448f0dd6c5490f31f296ef0c9bf4d24ef0e9914e.scope/cgroup.procs"
	dockerGuaranteedPath = "kubepods.slice/kubepods-pod3f5397a2_76aa_4d66_bd6b_83bfcb6d6dc6.slice/" +
		"docker-6587c323ce97dd3a91a131acd7d04cab88f23a5bcfeb21139ca5cb878bbae2c6.scope/cgroup.procs"

	containerdBesteffortPath = "kubepods.slice/kubepods-besteffort.slice/kubepods-besteffort-pod0d206349_0faf_445c_8c3f_2d2153784f15.slice/" +
		"cri-containerd-ba48928b25af68cebd77e605c5c3b2474bcd47b32143e4d9125f4a8270ac07d3.scope/cgroup.procs"
	containerdBurstablePath = "kubepods.slice/kubepods-burstable.slice/kubepods-burstable-pod6e10d863_beec_40a8_bb4c_007f7c893ef1.slice/" +
		"cri-containerd-5caf42bd82e5b4fa21fcde3322332c5d19ccbeadf52281cbb00f804b372e41d0.scope/cgroup.procs"
	containerdGuaranteedPath = "kubepods.slice/kubepods-pod2b801b7a_5266_4386_864e_45ed71136371.slice/" +
		"cri-containerd-20e061fc708d3b66dfe257b19552b34a1307a7347ed6b5bd0d8c5e76afb1a870.scope/cgroup.procs"

	gkeBesteffortPath = "kubepods/besteffort/pod8dbc5577-d0e2-4706-8787-57d52c03ddf2/" +
		"14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d/cgroup.procs"
	gkeBurstablePath = "kubepods/burstable/pod8dbc5577-d0e2-4706-8787-57d52c03ddf2/" +
		"14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d/cgroup.procs"
	gkeGuaranteedPath = "kubepods/pod8dbc5577-d0e2-4706-8787-57d52c03ddf2/" +
		"14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d/cgroup.procs"

	errorPath = "12345"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestExtractContainerType(t *testing.T) {
	assert.Equal(t, ContainerTypeDocker, ExtractContainerType(dockerBesteffortPath))
	assert.Equal(t, ContainerTypeDocker, ExtractContainerType(dockerBurstablePath))
	assert.Equal(t, ContainerTypeDocker, ExtractContainerType(dockerGuaranteedPath))
	assert.Equal(t, ContainerTypeCRIContainerd, ExtractContainerType(containerdBesteffortPath))
	assert.Equal(t, ContainerTypeCRIContainerd, ExtractContainerType(containerdBurstablePath))
	assert.Equal(t, ContainerTypeCRIContainerd, ExtractContainerType(containerdGuaranteedPath))
	assert.Equal(t, ContainerTypeK8sOthers, ExtractContainerType("/sys/fs/cgroup/cpu,cpuacct/kubepods.slice/cgroup.procs"))
	assert.Equal(t, ContainerTypeUnknown, ExtractContainerType(errorPath))

	assert.Equal(t, "cri_contianerd", ContainerTypeCRIContainerd.String())
	assert.Equal(t, "k8s_others", ContainerTypeK8sOthers.String())
}

func TestExtractProcessMeta(t *testing.T) {
	cases := []struct {
		name        string
		path        string
		typ         ContainerType
		podID       string
		containerID string
	}{
		{"docker besteffort", dockerBesteffortPath, ContainerTypeDocker,
			"d068a7ab_ddb1_4873_a0a4_a4e3408fe1e8", "32c0b6ca6cb7b94a1cfa605153ae920bf9b23335efd74f6e6e51ccc097f6e70b"},
		{"docker burstable", dockerBurstablePath, ContainerTypeDocker,
			"0dc61110_6b40_4a27_bd00_9edb8c454211", "7f0e7ba0b1678264767cff71448f0dd6c5490f31f296ef0c9bf4d24ef0e9914e"},
		{"docker guaranteed", dockerGuaranteedPath, ContainerTypeDocker,
			"3f5397a2_76aa_4d66_bd6b_83bfcb6d6dc6", "6587c323ce97dd3a91a131acd7d04cab88f23a5bcfeb21139ca5cb878bbae2c6"},
		{"containerd besteffort", containerdBesteffortPath, ContainerTypeCRIContainerd,
			"0d206349_0faf_445c_8c3f_2d2153784f15", "ba48928b25af68cebd77e605c5c3b2474bcd47b32143e4d9125f4a8270ac07d3"},
		{"containerd burstable", containerdBurstablePath, ContainerTypeCRIContainerd,
			"6e10d863_beec_40a8_bb4c_007f7c893ef1", "5caf42bd82e5b4fa21fcde3322332c5d19ccbeadf52281cbb00f804b372e41d0"},
		{"containerd guaranteed", containerdGuaranteedPath, ContainerTypeCRIContainerd,
			"2b801b7a_5266_4386_864e_45ed71136371", "20e061fc708d3b66dfe257b19552b34a1307a7347ed6b5bd0d8c5e76afb1a870"},
		{"gke besteffort", gkeBesteffortPath, ContainerTypeCRIContainerd,
			"8dbc5577-d0e2-4706-8787-57d52c03ddf2", "14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d"},
		{"gke burstable", gkeBurstablePath, ContainerTypeCRIContainerd,
			"8dbc5577-d0e2-4706-8787-57d52c03ddf2", "14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d"},
		{"gke guaranteed", gkeGuaranteedPath, ContainerTypeCRIContainerd,
			"8dbc5577-d0e2-4706-8787-57d52c03ddf2", "14011c7d92a9e513dfd69211da0413dbf319a5e45a02b354ba6e98e10272542d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := GetCGroupMatcher(tc.path, tc.typ)
			require.NotNil(t, m)
			containerID, podID := m.ExtractProcessMeta(tc.path)
			assert.Equal(t, tc.podID, podID)
			assert.Equal(t, tc.containerID, containerID)

			containerID, podID = m.ExtractProcessMeta(errorPath)
			assert.Empty(t, containerID)
			assert.Empty(t, podID)
		})
	}
}

func TestPlainDockerMatcher(t *testing.T) {
	path := "docker/1ad2ce5889acb209e1576339741b1e504480db77d3771365e95b3bbd6fe91120/cgroup.procs"
	m := GetCGroupMatcher(path, ContainerTypeDocker)
	require.NotNil(t, m)
	containerID, podID := m.ExtractProcessMeta(path)
	assert.Equal(t, "1ad2ce5889acb209e1576339741b1e504480db77d3771365e95b3bbd6fe91120", containerID)
	assert.Empty(t, podID)

	assert.Nil(t, GetCGroupMatcher(errorPath, ContainerTypeDocker))
}

func TestExtractPodWorkloadName(t *testing.T) {
	assert.Equal(t, "kube-state-metrics", ExtractPodWorkloadName("kube-state-metrics-86679c945-5rmck"))
	assert.Equal(t, "kube-state-metrics", ExtractPodWorkloadName("kube-state-metrics-86679c9454-5rmck"))
	assert.Equal(t, "kube-state-metrics", ExtractPodWorkloadName("kube-state-metrics-5rmck"))
	assert.Equal(t, "kube-state-metrics", ExtractPodWorkloadName("kube-state-metrics"))
	assert.Equal(t, "mysql", ExtractPodWorkloadName("mysql-0"))
	assert.Equal(t, "", ExtractPodWorkloadName(""))
}

func TestCGroupBasePath(t *testing.T) {
	root := t.TempDir()
	_, err := CGroupBasePath(root)
	assert.ErrorIs(t, err, ErrNoCgroupBase)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "pids"), 0o755))
	base, err := CGroupBasePath(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "pids"), base)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "cpu,cpuacct"), 0o755))
	base, err = CGroupBasePath(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "cpu,cpuacct"), base)
}

func TestResolveAllCGroupProcsPaths(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cpu,cpuacct")
	want := filepath.Join(base, "kubepods.slice/kubepods-burstable.slice/"+
		"kubepods-burstable-pod28010fb2_7fe0_424c_a131_ad8a25a0c80a.slice/"+
		"cri-containerd-c89017ad4ef7fd2b029d8d21452d17d9d9ed7443f48f02ef94b4815df6aebe47.scope/cgroup.procs")
	writeFile(t, want, "1\n")
	writeFile(t, filepath.Join(base, "kubepods.slice/cgroup.procs"), "")
	writeFile(t, filepath.Join(base, "system.slice/cron.service/cgroup.procs"), "2\n")

	paths := ResolveAllCGroupProcsPaths(base)
	assert.Contains(t, paths, want)
	assert.Len(t, paths, 2)

	// without kubernetes slices the whole tree is listed
	other := filepath.Join(t.TempDir(), "pids")
	writeFile(t, filepath.Join(other, "user.slice/cgroup.procs"), "3\n")
	assert.Equal(t, []string{filepath.Join(other, "user.slice/cgroup.procs")}, ResolveAllCGroupProcsPaths(other))
}
