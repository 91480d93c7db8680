package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ddosify/netobserver/metas"
)

func testPod(name, containerID string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "shop",
			Labels:    map[string]string{"app": "cart"},
		},
		Spec: corev1.PodSpec{
			NodeName: "node-1",
			Containers: []corev1.Container{{
				Name:  "cart",
				Image: "registry/cart:1.2",
				Env: []corev1.EnvVar{
					{Name: "MODE", Value: "prod"},
					{Name: "SECRET", ValueFrom: &corev1.EnvVarSource{}},
				},
			}},
		},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:        "cart",
				Image:       "registry/cart:1.2",
				ContainerID: "containerd://" + containerID,
			}},
		},
	}
}

func TestPodIndex(t *testing.T) {
	client := fake.NewSimpleClientset(testPod("cart-7d9f8b-abcde", "c1"))
	idx, err := NewPodIndexForClient(client, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, idx.Start(ctx))

	assert.Equal(t, metas.ContainerMeta{
		ContainerName: "cart",
		Image:         "registry/cart:1.2",
		PodName:       "cart-7d9f8b-abcde",
		Namespace:     "shop",
		K8sLabels:     map[string]string{"app": "cart"},
		Envs:          map[string]string{"MODE": "prod"},
	}, idx.FetchContainerMeta("c1"))
	assert.True(t, idx.FetchContainerMeta("missing").Empty())
}

func TestIndexByContainerID(t *testing.T) {
	pod := testPod("p", "abc")
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{{Name: "init", ContainerID: "docker://def"}}
	pod.Status.ContainerStatuses = append(pod.Status.ContainerStatuses, corev1.ContainerStatus{Name: "pending"})

	ids, err := indexByContainerID(pod)
	require.NoError(t, err)
	assert.Equal(t, []string{"def", "abc"}, ids)

	ids, err = indexByContainerID("not a pod")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
