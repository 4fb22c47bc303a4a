// Package status reports the workloads and services of a deployed release
// and how to reach them.
package status

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"
)

// LabelInstance selects the objects of one release.
const LabelInstance = "app.kubernetes.io/instance"

// Workload is the replica summary of one Deployment.
type Workload struct {
	Kind    string `json:"kind" yaml:"kind"`
	Name    string `json:"name" yaml:"name"`
	Ready   int32  `json:"ready" yaml:"ready"`
	Desired int32  `json:"desired" yaml:"desired"`
	Healthy bool   `json:"healthy" yaml:"healthy"`
}

// Pod is the state of one pod of the release.
type Pod struct {
	Name     string `json:"name" yaml:"name"`
	Phase    string `json:"phase" yaml:"phase"`
	Ready    bool   `json:"ready" yaml:"ready"`
	Restarts int32  `json:"restarts" yaml:"restarts"`
}

// Port is one service port and the command to reach it locally.
type Port struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Port     int32  `json:"port" yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Forward  string `json:"forward" yaml:"forward"`
}

// Service is one service of the release.
type Service struct {
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	ClusterIP string `json:"clusterIP,omitempty" yaml:"clusterIP,omitempty"`
	External  string `json:"external,omitempty" yaml:"external,omitempty"`
	Ports     []Port `json:"ports" yaml:"ports"`
}

// Report is the status of one release.
type Report struct {
	Release     string     `json:"release" yaml:"release"`
	Namespace   string     `json:"namespace" yaml:"namespace"`
	Healthy     bool       `json:"healthy" yaml:"healthy"`
	Workloads   []Workload `json:"workloads" yaml:"workloads"`
	Pods        []Pod      `json:"pods" yaml:"pods"`
	Services    []Service  `json:"services" yaml:"services"`
	GeneratedAt time.Time  `json:"generatedAt" yaml:"generatedAt"`
}

// Reporter queries release status from the cluster.
type Reporter struct {
	client kubernetes.Interface
	clock  clock.PassiveClock
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock overrides the report timestamp clock.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Reporter) {
		r.clock = c
	}
}

// NewReporter creates a reporter.
func NewReporter(client kubernetes.Interface, opts ...Option) *Reporter {
	r := &Reporter{client: client, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ForwardCommand returns the kubectl command forwarding port of svc locally.
func ForwardCommand(namespace, svc string, port int32) string {
	return fmt.Sprintf("kubectl port-forward -n %s svc/%s %d:%d", namespace, svc, port, port)
}

// Report lists the deployments, pods and services labelled with release.
// Unhealthy resources are reported, not returned as errors.
func (r *Reporter) Report(ctx context.Context, release, namespace string) (*Report, error) {
	opts := metav1.ListOptions{LabelSelector: fmt.Sprintf("%s=%s", LabelInstance, release)}

	var (
		deployments []appsv1.Deployment
		pods        []corev1.Pod
		services    []corev1.Service
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := r.client.AppsV1().Deployments(namespace).List(gctx, opts)
		if err != nil {
			return fmt.Errorf("failed to list deployments: %w", err)
		}
		deployments = list.Items
		return nil
	})
	g.Go(func() error {
		list, err := r.client.CoreV1().Pods(namespace).List(gctx, opts)
		if err != nil {
			return fmt.Errorf("failed to list pods: %w", err)
		}
		pods = list.Items
		return nil
	})
	g.Go(func() error {
		list, err := r.client.CoreV1().Services(namespace).List(gctx, opts)
		if err != nil {
			return fmt.Errorf("failed to list services: %w", err)
		}
		services = list.Items
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &Report{
		Release:     release,
		Namespace:   namespace,
		Healthy:     true,
		Workloads:   make([]Workload, 0, len(deployments)),
		Pods:        make([]Pod, 0, len(pods)),
		Services:    make([]Service, 0, len(services)),
		GeneratedAt: r.clock.Now(),
	}

	for i := range deployments {
		w := workload(&deployments[i])
		if !w.Healthy {
			rep.Healthy = false
		}
		rep.Workloads = append(rep.Workloads, w)
	}
	for i := range pods {
		rep.Pods = append(rep.Pods, podInfo(&pods[i]))
	}
	for i := range services {
		rep.Services = append(rep.Services, serviceInfo(namespace, &services[i]))
	}

	sort.Slice(rep.Workloads, func(i, j int) bool { return rep.Workloads[i].Name < rep.Workloads[j].Name })
	sort.Slice(rep.Pods, func(i, j int) bool { return rep.Pods[i].Name < rep.Pods[j].Name })
	sort.Slice(rep.Services, func(i, j int) bool { return rep.Services[i].Name < rep.Services[j].Name })

	slog.Debug("release status collected",
		"release", release,
		"namespace", namespace,
		"deployments", len(rep.Workloads),
		"pods", len(rep.Pods),
		"services", len(rep.Services),
		"healthy", rep.Healthy,
	)
	return rep, nil
}

func workload(d *appsv1.Deployment) Workload {
	desired := ptr.Deref(d.Spec.Replicas, 1)
	return Workload{
		Kind:    "Deployment",
		Name:    d.Name,
		Ready:   d.Status.ReadyReplicas,
		Desired: desired,
		Healthy: d.Status.ReadyReplicas >= desired && d.Status.AvailableReplicas >= desired,
	}
}

func podInfo(p *corev1.Pod) Pod {
	info := Pod{Name: p.Name, Phase: string(p.Status.Phase)}
	for _, c := range p.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			info.Ready = true
		}
	}
	for _, cs := range p.Status.ContainerStatuses {
		info.Restarts += cs.RestartCount
	}
	return info
}

func serviceInfo(namespace string, svc *corev1.Service) Service {
	out := Service{
		Name:      svc.Name,
		Type:      string(svc.Spec.Type),
		ClusterIP: svc.Spec.ClusterIP,
		Ports:     make([]Port, 0, len(svc.Spec.Ports)),
	}
	if out.Type == "" {
		out.Type = string(corev1.ServiceTypeClusterIP)
	}
	if ingress := svc.Status.LoadBalancer.Ingress; len(ingress) > 0 {
		out.External = ingress[0].Hostname
		if out.External == "" {
			out.External = ingress[0].IP
		}
	}
	for _, p := range svc.Spec.Ports {
		proto := string(p.Protocol)
		if proto == "" {
			proto = string(corev1.ProtocolTCP)
		}
		out.Ports = append(out.Ports, Port{
			Name:     p.Name,
			Port:     p.Port,
			Protocol: proto,
			Forward:  ForwardCommand(namespace, svc.Name, p.Port),
		})
	}
	return out
}

// WriteText renders the report as operator instructions.
func (rep *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Release %s in namespace %s\n", rep.Release, rep.Namespace)

	if len(rep.Workloads) == 0 {
		b.WriteString("\nNo deployments found.\n")
	} else {
		b.WriteString("\nDeployments:\n")
		for _, wl := range rep.Workloads {
			state := "ready"
			if !wl.Healthy {
				state = "not ready"
			}
			fmt.Fprintf(&b, "  %s  %d/%d  %s\n", wl.Name, wl.Ready, wl.Desired, state)
		}
	}

	if len(rep.Pods) > 0 {
		b.WriteString("\nPods:\n")
		for _, p := range rep.Pods {
			fmt.Fprintf(&b, "  %s  %s  ready=%t  restarts=%d\n", p.Name, p.Phase, p.Ready, p.Restarts)
		}
	}

	if len(rep.Services) > 0 {
		b.WriteString("\nAccess:\n")
		for _, svc := range rep.Services {
			if svc.External != "" {
				fmt.Fprintf(&b, "  %s external address: %s\n", svc.Name, svc.External)
			}
			for _, p := range svc.Ports {
				fmt.Fprintf(&b, "  %s\n", p.Forward)
			}
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}
