package status

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"
)

const (
	ns      = "is-mlops"
	release = "swissre-dev"
)

func meta(name string) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{LabelInstance: release}}
}

func objects() []runtime.Object {
	return []runtime.Object{
		&appsv1.Deployment{
			ObjectMeta: meta("swissre-dev-api"),
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](2)},
			Status:     appsv1.DeploymentStatus{ReadyReplicas: 2, AvailableReplicas: 2},
		},
		&appsv1.Deployment{
			ObjectMeta: meta("swissre-dev-ui"),
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](1)},
		},
		&corev1.Pod{
			ObjectMeta: meta("swissre-dev-api-abc"),
			Status: corev1.PodStatus{
				Phase:             corev1.PodRunning,
				Conditions:        []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
				ContainerStatuses: []corev1.ContainerStatus{{RestartCount: 1}},
			},
		},
		&corev1.Service{
			ObjectMeta: meta("swissre-dev-api"),
			Spec: corev1.ServiceSpec{
				Type:      corev1.ServiceTypeClusterIP,
				ClusterIP: "10.0.0.10",
				Ports:     []corev1.ServicePort{{Name: "http", Port: 8080}},
			},
		},
		&corev1.Service{
			ObjectMeta: meta("swissre-dev-ui"),
			Spec: corev1.ServiceSpec{
				Type:  corev1.ServiceTypeLoadBalancer,
				Ports: []corev1.ServicePort{{Port: 8501, Protocol: corev1.ProtocolTCP}},
			},
			Status: corev1.ServiceStatus{LoadBalancer: corev1.LoadBalancerStatus{
				Ingress: []corev1.LoadBalancerIngress{{Hostname: "ui.example.com"}},
			}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: ns, Labels: map[string]string{LabelInstance: "swissre-prod"}},
			Spec:       corev1.ServiceSpec{Ports: []corev1.ServicePort{{Port: 80}}},
		},
	}
}

func TestReport(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 5, 0, 0, time.UTC)
	r := NewReporter(fake.NewClientset(objects()...), WithClock(testingclock.NewFakePassiveClock(now)))

	rep, err := r.Report(context.Background(), release, ns)
	require.NoError(t, err)

	assert.Equal(t, now, rep.GeneratedAt)
	assert.False(t, rep.Healthy, "ui deployment has no ready replicas")

	require.Len(t, rep.Workloads, 2)
	assert.Equal(t, Workload{Kind: "Deployment", Name: "swissre-dev-api", Ready: 2, Desired: 2, Healthy: true}, rep.Workloads[0])
	assert.False(t, rep.Workloads[1].Healthy)

	require.Len(t, rep.Pods, 1)
	assert.True(t, rep.Pods[0].Ready)
	assert.Equal(t, int32(1), rep.Pods[0].Restarts)

	require.Len(t, rep.Services, 2, "services of other releases are excluded")
	api := rep.Services[0]
	assert.Equal(t, "kubectl port-forward -n is-mlops svc/swissre-dev-api 8080:8080", api.Ports[0].Forward)
	assert.Equal(t, "TCP", api.Ports[0].Protocol)
	assert.Empty(t, api.External)
	assert.Equal(t, "ui.example.com", rep.Services[1].External)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "Release swissre-dev in namespace is-mlops")
	assert.Contains(t, out, "swissre-dev-ui  0/1  not ready")
	assert.Contains(t, out, "kubectl port-forward -n is-mlops svc/swissre-dev-ui 8501:8501")
	assert.Contains(t, out, "swissre-dev-ui external address: ui.example.com")
}

func TestReport_Empty(t *testing.T) {
	rep, err := NewReporter(fake.NewClientset()).Report(context.Background(), release, ns)
	require.NoError(t, err)
	assert.True(t, rep.Healthy)
	assert.Empty(t, rep.Services)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	assert.Contains(t, buf.String(), "No deployments found.")
}

func TestReport_ListError(t *testing.T) {
	client := fake.NewClientset()
	client.PrependReactor("list", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, assert.AnError
	})

	_, err := NewReporter(client).Report(context.Background(), release, ns)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
