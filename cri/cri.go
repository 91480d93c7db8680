// Package cri resolves container ids to container and pod sandbox metadata
// through the container runtime interface.
package cri

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	internalapi "k8s.io/cri-api/pkg/apis"
	pb "k8s.io/cri-api/pkg/apis/runtime/v1"
	"k8s.io/kubernetes/pkg/kubelet/cri/remote"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
)

// https://kubernetes.io/docs/setup/production-environment/container-runtimes/#cri-versions
var defaultRuntimeEndpoints = []string{"unix:///proc/1/root/run/containerd/containerd.sock", "unix:///proc/1/root/var/run/containerd/containerd.sock",
	"unix:///proc/1/root/var/run/crio/crio.sock", "unix:///proc/1/root/run/crio/crio.sock",
	"unix:///proc/1/root/run/cri-dockerd.sock", "unix:///proc/1/root/var/run/cri-dockerd.sock"}

const (
	hitExpiration  = 10 * time.Minute
	missExpiration = 30 * time.Second
	requestTimeout = 5 * time.Second
)

// runtimeService is the part of the CRI runtime service used here.
type runtimeService interface {
	ContainerStatus(ctx context.Context, containerID string, verbose bool) (*pb.ContainerStatusResponse, error)
	PodSandboxStatus(ctx context.Context, podSandboxID string, verbose bool) (*pb.PodSandboxStatusResponse, error)
}

var _ runtimeService = internalapi.RuntimeService(nil)

type CRITool struct {
	rs    runtimeService
	cache *cache.Cache
}

var _ metas.ContainerMetaFetcher = (*CRITool)(nil)

// NewCRITool connects to endpoint, or to the first default endpoint that
// answers when endpoint is empty.
func NewCRITool(endpoint string) (*CRITool, error) {
	endpoints := defaultRuntimeEndpoints
	if endpoint != "" {
		endpoints = []string{endpoint}
	}
	var res internalapi.RuntimeService
	var err error
	t := 10 * time.Second
	for _, endPoint := range endpoints {
		res, err = remote.NewRemoteRuntimeService(endPoint, t, nil)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, err = res.Version(ctx, "")
		cancel()
		if err != nil {
			continue
		}
		log.Logger.Info().Msgf("Connected successfully to CRI using endpoint %s", endPoint)
		break
	}
	if err != nil {
		return nil, fmt.Errorf("no container runtime endpoint available: %w", err)
	}
	return newCRITool(res), nil
}

func newCRITool(rs runtimeService) *CRITool {
	return &CRITool{rs: rs, cache: cache.New(hitExpiration, 2*hitExpiration)}
}

// verboseInfo is the part of the verbose "info" entry containerd and
// cri-o report for a container.
type verboseInfo struct {
	SandboxID string `json:"sandboxID"`
	Config    struct {
		Envs []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"envs"`
	} `json:"config"`
	RuntimeSpec struct {
		Process struct {
			Env []string `json:"env"`
		} `json:"process"`
	} `json:"runtimeSpec"`
}

func (v *verboseInfo) envs() map[string]string {
	out := make(map[string]string)
	for _, e := range v.Config.Envs {
		out[e.Key] = e.Value
	}
	if len(out) > 0 {
		return out
	}
	for _, kv := range v.RuntimeSpec.Process.Env {
		if k, val, ok := strings.Cut(kv, "="); ok {
			out[k] = val
		}
	}
	return out
}

// FetchContainerMeta returns an empty meta when the runtime does not know
// id. Misses are remembered for a short while.
func (ct *CRITool) FetchContainerMeta(id string) metas.ContainerMeta {
	if v, ok := ct.cache.Get(id); ok {
		return v.(metas.ContainerMeta)
	}
	cm, err := ct.ContainerStatus(id)
	if err != nil {
		log.Logger.Debug().Err(err).Str("id", id).Msg("container status")
		ct.cache.Set(id, metas.ContainerMeta{}, missExpiration)
		return metas.ContainerMeta{}
	}
	ct.cache.Set(id, cm, cache.DefaultExpiration)
	return cm
}

func (ct *CRITool) ContainerStatus(id string) (metas.ContainerMeta, error) {
	if id == "" {
		return metas.ContainerMeta{}, fmt.Errorf("ID cannot be empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	r, err := ct.rs.ContainerStatus(ctx, id, true)
	if err != nil {
		return metas.ContainerMeta{}, err
	}
	if r.Status == nil || r.Status.Metadata == nil {
		return metas.ContainerMeta{}, fmt.Errorf("no status for container %s", id)
	}

	cm := metas.ContainerMeta{
		ContainerName:   r.Status.Metadata.Name,
		ContainerLabels: r.Status.Labels,
	}
	if r.Status.Image != nil {
		cm.Image = r.Status.Image.Image
	}
	if cm.Image == "" {
		cm.Image = r.Status.ImageRef
	}

	var info verboseInfo
	if raw, ok := r.Info["info"]; ok {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			log.Logger.Debug().Err(err).Str("id", id).Msg("container verbose info")
		}
	}
	if envs := info.envs(); len(envs) > 0 {
		cm.Envs = envs
	}
	if info.SandboxID == "" {
		return cm, nil
	}

	podRes, err := ct.rs.PodSandboxStatus(ctx, info.SandboxID, false)
	if err != nil {
		log.Logger.Debug().Err(err).Str("sandbox", info.SandboxID).Msg("pod sandbox status")
		return cm, nil
	}
	if podRes.Status != nil && podRes.Status.Metadata != nil {
		cm.PodName = podRes.Status.Metadata.Name
		cm.Namespace = podRes.Status.Metadata.Namespace
		cm.K8sLabels = podRes.Status.Labels
	}
	return cm, nil
}
