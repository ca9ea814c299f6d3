package kubernetes

import (
	"fmt"
	"os"
	"path/filepath"

	k8sclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// kubeconfigPath picks the kubeconfig file for the daemon. The kubeconfig
// setting from srl.yaml wins; without it the usual kubectl lookup applies.
// An empty result lets clientcmd report the missing file.
func kubeconfigPath(override string) string {
	switch {
	case override != "":
		return override
	case os.Getenv("KUBECONFIG") != "":
		return os.Getenv("KUBECONFIG")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

// loadClientset opens the kubeconfig at path and builds a clientset for the
// context a target's cluster field names. An empty cluster means the
// kubeconfig's current context.
func loadClientset(path, cluster string) (k8sclient.Interface, ClusterInfo, error) {
	raw, err := clientcmd.LoadFromFile(path)
	if err != nil {
		return nil, ClusterInfo{}, fmt.Errorf("load kubeconfig %q: %w", path, err)
	}

	name := cluster
	if name == "" {
		name = raw.CurrentContext
	}
	if _, ok := raw.Contexts[name]; !ok {
		return nil, ClusterInfo{}, fmt.Errorf("kubeconfig %q has no context %q", path, name)
	}

	restCfg, err := clientcmd.NewNonInteractiveClientConfig(*raw, name, &clientcmd.ConfigOverrides{}, nil).ClientConfig()
	if err != nil {
		return nil, ClusterInfo{}, fmt.Errorf("rest config for context %q: %w", name, err)
	}
	client, err := k8sclient.NewForConfig(restCfg)
	if err != nil {
		return nil, ClusterInfo{}, fmt.Errorf("clientset for context %q: %w", name, err)
	}
	return client, ClusterInfo{ContextName: name, Server: restCfg.Host}, nil
}
