// Package k8s resolves container ids to pod metadata from a pod informer
// scoped to the local node.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/ddosify/netobserver/log"
	"github.com/ddosify/netobserver/metas"
)

const (
	ADD    = "Add"
	UPDATE = "Update"
	DELETE = "Delete"
)

const (
	containerIDIndex = "containerID"
	syncTimeout      = 30 * time.Second
)

// PodIndex serves FetchContainerMeta from the informer cache; it never
// calls the API server on lookup.
type PodIndex struct {
	factory  informers.SharedInformerFactory
	informer cache.SharedIndexInformer
}

var _ metas.ContainerMetaFetcher = (*PodIndex)(nil)

// RestConfig reads the in-cluster config unless IN_CLUSTER is "false", in
// which case kubeconfig (or ~/.kube/config) is used.
func RestConfig(kubeconfig string) (*rest.Config, error) {
	if os.Getenv("IN_CLUSTER") != "false" {
		kubeConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to get incluster kubeconfig: %w", err)
		}
		return kubeConfig, nil
	}
	if kubeconfig == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	kubeConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("unable to build kubeconfig from %s: %w", kubeconfig, err)
	}
	return kubeConfig, nil
}

func NewPodIndex(kubeconfig, nodeName string) (*PodIndex, error) {
	kubeConfig, err := RestConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create clientset: %w", err)
	}
	return NewPodIndexForClient(clientset, nodeName)
}

// NewPodIndexForClient watches the pods of nodeName, or of the whole
// cluster when nodeName is empty.
func NewPodIndexForClient(client kubernetes.Interface, nodeName string) (*PodIndex, error) {
	var opts []informers.SharedInformerOption
	if nodeName != "" {
		selector := fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
		opts = append(opts, informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.FieldSelector = selector
		}))
	}
	factory := informers.NewSharedInformerFactoryWithOptions(client, 0, opts...)
	informer := factory.Core().V1().Pods().Informer()
	if err := informer.AddIndexers(cache.Indexers{containerIDIndex: indexByContainerID}); err != nil {
		return nil, fmt.Errorf("add container id index: %w", err)
	}
	if _, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    onPodEvent(ADD),
		UpdateFunc: func(_, newObj interface{}) { onPodEvent(UPDATE)(newObj) },
		DeleteFunc: onPodEvent(DELETE),
	}); err != nil {
		return nil, fmt.Errorf("add pod event handler: %w", err)
	}
	return &PodIndex{factory: factory, informer: informer}, nil
}

// Start runs the informer until ctx is done and waits for the first list.
func (p *PodIndex) Start(ctx context.Context) error {
	defer runtime.HandleCrash()
	p.factory.Start(ctx.Done())

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	if !cache.WaitForCacheSync(syncCtx.Done(), p.informer.HasSynced) {
		return fmt.Errorf("pod informer did not sync within %s", syncTimeout)
	}
	log.Logger.Info().Int("pods", len(p.informer.GetStore().ListKeys())).Msg("pod index synced")
	return nil
}

func (p *PodIndex) FetchContainerMeta(containerID string) metas.ContainerMeta {
	objs, err := p.informer.GetIndexer().ByIndex(containerIDIndex, containerID)
	if err != nil || len(objs) == 0 {
		return metas.ContainerMeta{}
	}
	pod, ok := objs[0].(*corev1.Pod)
	if !ok {
		return metas.ContainerMeta{}
	}
	return containerMeta(pod, containerID)
}
