package cri

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "k8s.io/cri-api/pkg/apis/runtime/v1"

	"github.com/ddosify/netobserver/metas"
)

var errNotFound = errors.New("not found")

type fakeRuntime struct {
	containers map[string]*pb.ContainerStatusResponse
	sandboxes  map[string]*pb.PodSandboxStatusResponse
	calls      int
}

func (f *fakeRuntime) ContainerStatus(_ context.Context, id string, verbose bool) (*pb.ContainerStatusResponse, error) {
	f.calls++
	r, ok := f.containers[id]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func (f *fakeRuntime) PodSandboxStatus(_ context.Context, id string, _ bool) (*pb.PodSandboxStatusResponse, error) {
	r, ok := f.sandboxes[id]
	if !ok {
		return nil, errNotFound
	}
	return r, nil
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]*pb.ContainerStatusResponse{
			"c1": {
				Status: &pb.ContainerStatus{
					Metadata: &pb.ContainerMetadata{Name: "cart"},
					Image:    &pb.ImageSpec{Image: "registry/cart:1.2"},
					Labels:   map[string]string{"io.kubernetes.container.name": "cart"},
				},
				Info: map[string]string{"info": `{"sandboxID":"s1","config":{"envs":[{"key":"MODE","value":"prod"}]}}`},
			},
			"c2": {
				Status: &pb.ContainerStatus{
					Metadata: &pb.ContainerMetadata{Name: "worker"},
					ImageRef: "sha256:abc",
				},
				Info: map[string]string{"info": `{"runtimeSpec":{"process":{"env":["PATH=/bin","EMPTY="]}}}`},
			},
		},
		sandboxes: map[string]*pb.PodSandboxStatusResponse{
			"s1": {Status: &pb.PodSandboxStatus{
				Metadata: &pb.PodSandboxMetadata{Name: "cart-7d9f8b-abcde", Namespace: "shop"},
				Labels:   map[string]string{"app": "cart"},
			}},
		},
	}
}

func TestFetchContainerMeta(t *testing.T) {
	rt := newFakeRuntime()
	ct := newCRITool(rt)

	want := metas.ContainerMeta{
		ContainerName:   "cart",
		Image:           "registry/cart:1.2",
		PodName:         "cart-7d9f8b-abcde",
		Namespace:       "shop",
		K8sLabels:       map[string]string{"app": "cart"},
		ContainerLabels: map[string]string{"io.kubernetes.container.name": "cart"},
		Envs:            map[string]string{"MODE": "prod"},
	}
	assert.Equal(t, want, ct.FetchContainerMeta("c1"))
	assert.Equal(t, want, ct.FetchContainerMeta("c1"))
	assert.Equal(t, 1, rt.calls)
}

func TestFetchContainerWithoutSandbox(t *testing.T) {
	cm, err := newCRITool(newFakeRuntime()).ContainerStatus("c2")
	require.NoError(t, err)
	assert.Equal(t, "worker", cm.ContainerName)
	assert.Equal(t, "sha256:abc", cm.Image)
	assert.Equal(t, map[string]string{"PATH": "/bin", "EMPTY": ""}, cm.Envs)
	assert.Empty(t, cm.PodName)
}

func TestFetchContainerMissing(t *testing.T) {
	rt := newFakeRuntime()
	ct := newCRITool(rt)

	assert.True(t, ct.FetchContainerMeta("gone").Empty())
	assert.True(t, ct.FetchContainerMeta("gone").Empty())
	assert.Equal(t, 1, rt.calls)

	_, err := ct.ContainerStatus("")
	assert.Error(t, err)
}
