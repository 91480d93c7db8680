package k8s

import (
	"strings"

	corev1 "k8s.io/api/core/v1"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
)

// trimRuntime drops the runtime scheme, e.g. containerd://<id>.
func trimRuntime(id string) string {
	if i := strings.Index(id, "://"); i >= 0 {
		return id[i+3:]
	}
	return id
}

func allStatuses(pod *corev1.Pod) []corev1.ContainerStatus {
	out := make([]corev1.ContainerStatus, 0, len(pod.Status.InitContainerStatuses)+len(pod.Status.ContainerStatuses))
	out = append(out, pod.Status.InitContainerStatuses...)
	return append(out, pod.Status.ContainerStatuses...)
}

func indexByContainerID(obj interface{}) ([]string, error) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, s := range allStatuses(pod) {
		if s.ContainerID != "" {
			ids = append(ids, trimRuntime(s.ContainerID))
		}
	}
	return ids, nil
}

func findSpec(pod *corev1.Pod, name string) *corev1.Container {
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].Name == name {
			return &pod.Spec.Containers[i]
		}
	}
	for i := range pod.Spec.InitContainers {
		if pod.Spec.InitContainers[i].Name == name {
			return &pod.Spec.InitContainers[i]
		}
	}
	return nil
}

// containerMeta builds the meta of one container of pod. Only literal env
// values are reported; values from refs are not resolved.
func containerMeta(pod *corev1.Pod, containerID string) metas.ContainerMeta {
	for _, s := range allStatuses(pod) {
		if trimRuntime(s.ContainerID) != containerID {
			continue
		}
		cm := metas.ContainerMeta{
			ContainerName: s.Name,
			Image:         s.Image,
			PodName:       pod.Name,
			Namespace:     pod.Namespace,
			K8sLabels:     pod.Labels,
		}
		if spec := findSpec(pod, s.Name); spec != nil {
			if cm.Image == "" {
				cm.Image = spec.Image
			}
			for _, e := range spec.Env {
				if e.ValueFrom != nil {
					continue
				}
				if cm.Envs == nil {
					cm.Envs = make(map[string]string, len(spec.Env))
				}
				cm.Envs[e.Name] = e.Value
			}
		}
		return cm
	}
	return metas.ContainerMeta{}
}

func onPodEvent(eventType string) func(interface{}) {
	return func(obj interface{}) {
		pod, ok := obj.(*corev1.Pod)
		if !ok {
			return
		}
		log.Logger.Debug().Str("event", eventType).Str("pod", pod.Namespace+"/"+pod.Name).Msg("pod event")
	}
}
