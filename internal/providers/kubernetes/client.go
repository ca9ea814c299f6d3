// Package kubernetes scales Kubernetes deployments to zero replicas.
package kubernetes

import (
	"sync"

	k8sclient "k8s.io/client-go/kubernetes"
)

// ClusterInfo identifies a Kubernetes cluster and the kubeconfig context used
// to connect to it.
type ClusterInfo struct {
	// ContextName is the kubeconfig context name used to connect.
	ContextName string

	// Server is the Kubernetes API server URL resolved from the kubeconfig.
	Server string
}

// KubeClientProvider creates kubernetes clientsets for named kubeconfig contexts.
// It abstracts kubeconfig loading so callers and tests can inject any clientset
// without touching the filesystem.
type KubeClientProvider interface {
	// ClientsetForContext returns a clientset and the resolved ClusterInfo for
	// the given kubeconfig context. Pass an empty string to use the current
	// context from the loaded kubeconfig.
	ClientsetForContext(contextName string) (k8sclient.Interface, ClusterInfo, error)
}

// DefaultKubeClientProvider loads kubeconfig from an explicit path,
// $KUBECONFIG, or ~/.kube/config and builds real clientsets. Clientsets are
// cached per context; failed loads are retried on the next call.
type DefaultKubeClientProvider struct {
	kubeconfig string

	mu    sync.Mutex
	cache map[string]cachedClient
}

type cachedClient struct {
	client k8sclient.Interface
	info   ClusterInfo
}

// NewDefaultKubeClientProvider returns a provider backed by the kubeconfig at
// path. An empty path resolves through $KUBECONFIG and ~/.kube/config.
func NewDefaultKubeClientProvider(path string) *DefaultKubeClientProvider {
	return &DefaultKubeClientProvider{
		kubeconfig: kubeconfigPath(path),
		cache:      make(map[string]cachedClient),
	}
}

// ClientsetForContext implements KubeClientProvider.
func (p *DefaultKubeClientProvider) ClientsetForContext(contextName string) (k8sclient.Interface, ClusterInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cache[contextName]; ok {
		return c.client, c.info, nil
	}
	client, info, err := loadClientset(p.kubeconfig, contextName)
	if err != nil {
		return nil, ClusterInfo{}, err
	}
	p.cache[contextName] = cachedClient{client: client, info: info}
	return client, info, nil
}
