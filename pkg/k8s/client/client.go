// Package client builds the Kubernetes clients used by the rollout and status
// packages from a kubeconfig.
package client

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// EnvKubeconfig names the environment variable holding the kubeconfig path.
const EnvKubeconfig = "KUBECONFIG"

// Clients bundles the typed and dynamic clients for one cluster.
type Clients struct {
	Typed   kubernetes.Interface
	Dynamic dynamic.Interface
	Mapper  meta.RESTMapper
	Config  *rest.Config
}

// ResolveKubeconfig returns the kubeconfig path to use. An explicit path wins,
// then KUBECONFIG, then ~/.kube/config when it exists. An empty result means
// in-cluster configuration.
func ResolveKubeconfig(kubeconfig string) string {
	if kubeconfig != "" {
		return kubeconfig
	}
	if env := os.Getenv(EnvKubeconfig); env != "" {
		return env
	}
	def := filepath.Join(homedir.HomeDir(), ".kube", "config")
	if _, err := os.Stat(def); err == nil {
		return def
	}
	return ""
}

// Build creates clients from the kubeconfig resolved by ResolveKubeconfig.
// The REST mapper discovers resource kinds lazily and caches them.
func Build(kubeconfig string) (*Clients, error) {
	config, err := clientcmd.BuildConfigFromFlags("", ResolveKubeconfig(kubeconfig))
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}

	typed, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(typed.Discovery()))

	return &Clients{
		Typed:   typed,
		Dynamic: dyn,
		Mapper:  mapper,
		Config:  config,
	}, nil
}
