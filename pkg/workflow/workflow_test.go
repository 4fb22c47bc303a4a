package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/is-mlops/shipctl/pkg/config"
	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/image"
	"github.com/is-mlops/shipctl/pkg/k8s/client"
	"github.com/is-mlops/shipctl/pkg/local"
	"github.com/is-mlops/shipctl/pkg/release"
	"github.com/is-mlops/shipctl/pkg/rollout"
)

const registry = "registry.example.com/is-mlops"

type fakeEngine struct {
	builds     []engine.BuildOptions
	pushes     []string
	runs       []engine.RunOptions
	containers map[string]bool
	networks   map[string]bool
	buildErr   error
	pushErr    error
	registry   *fakeRegistry
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]bool{}, networks: map[string]bool{}, registry: newFakeRegistry()}
}

// fakeRegistry holds every tag the fake engine pushed.
type fakeRegistry struct {
	mu   sync.Mutex
	tags map[string]bool
}

func newFakeRegistry(tags ...string) *fakeRegistry {
	r := &fakeRegistry{tags: map[string]bool{}}
	for _, tag := range tags {
		r.tags[tag] = true
	}
	return r
}

func (r *fakeRegistry) store(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[ref] = true
}

func (r *fakeRegistry) Exists(_ context.Context, ref image.Reference) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags[ref.String()], nil
}

func (r *fakeRegistry) Verify(ctx context.Context, ref image.Reference) (string, error) {
	ok, _ := r.Exists(ctx, ref)
	if !ok {
		return "", errors.New("manifest unknown")
	}
	return "sha256:" + ref.Tag, nil
}

func notFound(what string) error {
	return errdefs.NotFound(errors.New("No such " + what))
}

func (f *fakeEngine) Build(_ context.Context, opts engine.BuildOptions) error {
	f.builds = append(f.builds, opts)
	return f.buildErr
}

func (f *fakeEngine) Push(_ context.Context, ref string) error {
	f.pushes = append(f.pushes, ref)
	if f.pushErr != nil {
		return f.pushErr
	}
	f.registry.store(ref)
	return nil
}

func (f *fakeEngine) RunContainer(_ context.Context, opts engine.RunOptions) (string, error) {
	f.runs = append(f.runs, opts)
	f.containers[opts.Name] = true
	return "id-" + opts.Name, nil
}

func (f *fakeEngine) StopContainer(_ context.Context, name string) error {
	if !f.containers[name] {
		return notFound("container: " + name)
	}
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, name string) error {
	if !f.containers[name] {
		return notFound("container: " + name)
	}
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) CreateNetwork(_ context.Context, name string) error {
	f.networks[name] = true
	return nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, name string) error {
	if !f.networks[name] {
		return notFound("network: " + name)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) ContainerStatus(_ context.Context, name string) (string, error) {
	if f.containers[name] {
		return "running", nil
	}
	return "", notFound("container: " + name)
}

const devValues = `replicaCount: 1
image:
  registry: registry.example.com/is-mlops
  tag: "20240101-0900"
`

const deploymentTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Release.Name }}-api
spec:
  replicas: {{ .Values.replicaCount }}
  template:
    spec:
      containers:
      - name: api
        image: "{{ .Values.image.registry }}/swissre-api:{{ .Values.image.tag }}"
`

func writeChart(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "chart")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "values-dev.yaml"), []byte(devValues), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "values-prod.yaml"), []byte(devValues), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "deployment.yaml"), []byte(deploymentTemplate), 0o600))
	return dir
}

var buildTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, eng *fakeEngine, opts ...Option) (*Pipeline, string) {
	t.Helper()
	chart := writeChart(t)
	cfg := config.New(config.WithRegistry(registry), config.WithChartDir(chart))
	base := []Option{
		WithEngine(eng),
		WithVerifier(eng.registry),
		WithClock(testingclock.NewFakePassiveClock(buildTime)),
	}
	return New(cfg, append(base, opts...)...), chart
}

func TestBuild_Scenario(t *testing.T) {
	eng := newFakeEngine()
	p, chart := newPipeline(t, eng)

	res, err := p.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, "20240115-1200", res.ReleaseID)
	require.Len(t, eng.builds, 2)
	for _, b := range eng.builds {
		require.Len(t, b.Tags, 2)
		assert.Contains(t, b.Tags[0], ":20240115-1200")
		assert.Contains(t, b.Tags[1], ":latest")
	}
	assert.Equal(t, []string{
		registry + "/swissre-api:20240115-1200",
		registry + "/swissre-api:latest",
		registry + "/swissre-ui:20240115-1200",
		registry + "/swissre-ui:latest",
	}, eng.pushes)

	assert.True(t, res.Changed)
	assert.Equal(t, "20240101-0900", res.Previous)
	data, err := os.ReadFile(filepath.Join(chart, "values-dev.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "20240115-1200")
	backup, err := os.ReadFile(res.Backup)
	require.NoError(t, err)
	assert.Equal(t, devValues, string(backup))
}

func TestBuild_SecondInvocationSameMinuteGetsSuffix(t *testing.T) {
	first := newFakeEngine()
	p1, _ := newPipeline(t, first)
	res, err := p1.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "20240115-1200", res.ReleaseID)

	// a fresh process with the same clock sees the tags pushed by the first
	second := newFakeEngine()
	second.registry = first.registry
	p2, chart := newPipeline(t, second)
	res, err = p2.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, "20240115-1200-2", res.ReleaseID)
	assert.Equal(t, []string{
		registry + "/swissre-api:20240115-1200-2",
		registry + "/swissre-api:latest",
		registry + "/swissre-ui:20240115-1200-2",
		registry + "/swissre-ui:latest",
	}, second.pushes)
	data, err := os.ReadFile(filepath.Join(chart, "values-dev.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "20240115-1200-2")
}

func TestBuild_ReleaseTagAlreadyPublished(t *testing.T) {
	eng := newFakeEngine()
	eng.registry = newFakeRegistry(registry + "/swissre-ui:20240115-1200")
	p, _ := newPipeline(t, eng)

	res, err := p.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "20240115-1200-2", res.ReleaseID)
	assert.NotContains(t, eng.pushes, registry+"/swissre-ui:20240115-1200")
	assert.NotContains(t, eng.pushes, registry+"/swissre-api:20240115-1200")
}

func contentPipeline(t *testing.T, eng *fakeEngine) (*Pipeline, string) {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "Dockerfile"), []byte("FROM python:3.11\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("print('ok')\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".dockerignore"), []byte("*.log\n"), 0o600))
	chart := filepath.Join(src, "deploy", "chart")
	require.NoError(t, os.MkdirAll(filepath.Join(chart, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(chart, "values-dev.yaml"), []byte(devValues), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(chart, "templates", "deployment.yaml"), []byte(deploymentTemplate), 0o600))

	cfg := config.New(
		config.WithRegistry(registry),
		config.WithChartDir(chart),
		config.WithImages(config.ImageConfig{Name: "swissre-api", Role: config.RoleAPI, Context: src, Dockerfile: "Dockerfile", Port: 8080}),
	)
	return New(cfg,
		WithEngine(eng),
		WithVerifier(eng.registry),
		WithClock(testingclock.NewFakePassiveClock(buildTime)),
	), src
}

func TestBuild_ContentIDConvergesAfterRewrite(t *testing.T) {
	eng := newFakeEngine()
	p, src := contentPipeline(t, eng)

	first, err := p.Build(context.Background(), BuildOptions{Strategy: release.StrategyContent})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first.ReleaseID, "sha-"))
	assert.True(t, first.Changed)
	assert.False(t, first.Reused)
	require.Len(t, eng.builds, 1)
	require.FileExists(t, first.Backup)

	// the rewrite, its backup and ignored files do not change the identifier
	require.NoError(t, os.WriteFile(filepath.Join(src, "build.log"), []byte("noise"), 0o600))
	second, err := p.Build(context.Background(), BuildOptions{Strategy: release.StrategyContent})
	require.NoError(t, err)
	assert.Equal(t, first.ReleaseID, second.ReleaseID)
	assert.True(t, second.Reused)
	assert.False(t, second.Changed)
	assert.Len(t, eng.builds, 1, "published content is not rebuilt")
	assert.Len(t, eng.pushes, 2)
	require.Len(t, second.Images, 1)
	assert.Equal(t, "sha256:"+first.ReleaseID, second.Images[0].ReleaseDigest)

	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("print('changed')\n"), 0o600))
	third, err := p.Build(context.Background(), BuildOptions{Strategy: release.StrategyContent})
	require.NoError(t, err)
	assert.NotEqual(t, first.ReleaseID, third.ReleaseID)
	assert.False(t, third.Reused)
	assert.Len(t, eng.builds, 2)
}

func TestBuild_PublishFailureKeepsValues(t *testing.T) {
	eng := newFakeEngine()
	eng.pushErr = errors.New("unauthorized: authentication required")
	p, chart := newPipeline(t, eng)

	_, err := p.Build(context.Background(), BuildOptions{})
	require.Error(t, err)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodePublish))
	assert.Equal(t, shiperrors.ExitFailure, shiperrors.ExitCode(err))

	data, err := os.ReadFile(filepath.Join(chart, "values-dev.yaml"))
	require.NoError(t, err)
	assert.Equal(t, devValues, string(data))
	assert.NoFileExists(t, filepath.Join(chart, "values-dev.yaml.bak"))
}

func TestBuild_BuildFailureSkipsPush(t *testing.T) {
	eng := newFakeEngine()
	eng.buildErr = errors.New("exit status 1")
	p, _ := newPipeline(t, eng)

	_, err := p.Build(context.Background(), BuildOptions{})
	require.Error(t, err)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeBuild))
	assert.Len(t, eng.builds, 1)
	assert.Empty(t, eng.pushes)
}

func TestBuild_InvalidRequests(t *testing.T) {
	eng := newFakeEngine()
	p, _ := newPipeline(t, eng)

	_, err := p.Build(context.Background(), BuildOptions{Environment: "dve"})
	require.Error(t, err)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))
	assert.Contains(t, err.Error(), `did you mean "dev"?`)

	_, err = p.Build(context.Background(), BuildOptions{Strategy: "random"})
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))

	noRegistry := New(config.New(), WithEngine(eng))
	_, err = noRegistry.Build(context.Background(), BuildOptions{})
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))
	assert.Empty(t, eng.builds)
}

func fakeCluster(ready bool) (*client.Clients, *fake.Clientset) {
	gvr := schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, meta.RESTScopeNamespace)

	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{gvr: "DeploymentList"})
	if ready {
		dyn.PrependReactor("get", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
			get := action.(k8stesting.GetAction)
			obj, err := dyn.Tracker().Get(gvr, get.GetNamespace(), get.GetName())
			if err != nil {
				return true, nil, err
			}
			u := obj.(*unstructured.Unstructured).DeepCopy()
			for _, f := range []string{"replicas", "updatedReplicas", "readyReplicas", "availableReplicas"} {
				_ = unstructured.SetNestedField(u.Object, int64(1), "status", f)
			}
			return true, u, nil
		})
	}
	typed := fake.NewClientset()
	return &client.Clients{Typed: typed, Dynamic: dyn, Mapper: mapper}, typed
}

func TestDeploy_Ready(t *testing.T) {
	clients, _ := fakeCluster(true)
	var kubeconfig string
	var states []rollout.State
	p, _ := newPipeline(t, newFakeEngine(), WithCluster(func(path string) (*client.Clients, error) {
		kubeconfig = path
		return clients, nil
	}))

	res, err := p.Deploy(context.Background(), DeployOptions{
		Kubeconfig: "/tmp/kubeconfig",
		Observer:   func(tr rollout.Transition) { states = append(states, tr.To) },
	})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/kubeconfig", kubeconfig)
	assert.Equal(t, rollout.StateReady, res.Rollout.State)
	assert.Equal(t, "swissre-dev", res.Rollout.Release)
	assert.Equal(t, "is-mlops", res.Rollout.Namespace)
	assert.Equal(t, []rollout.State{rollout.StatePending, rollout.StateApplying, rollout.StateWaiting, rollout.StateReady}, states)
	require.NotNil(t, res.Status)
	assert.Equal(t, "swissre-dev", res.Status.Release)
}

func TestDeploy_TimeoutExitCode(t *testing.T) {
	clients, _ := fakeCluster(false)
	eng := newFakeEngine()
	chart := writeChart(t)
	cfg := config.New(config.WithChartDir(chart), config.WithTimeout(50*time.Millisecond))
	p := New(cfg, WithEngine(eng), WithCluster(func(string) (*client.Clients, error) { return clients, nil }))

	res, err := p.Deploy(context.Background(), DeployOptions{Environment: "prod", Namespace: "staging"})
	require.Error(t, err)
	assert.Equal(t, rollout.StateTimedOut, res.Rollout.State)
	assert.Equal(t, "swissre-prod", res.Rollout.Release)
	assert.Equal(t, "staging", res.Rollout.Namespace)
	assert.Nil(t, res.Status)
	assert.Equal(t, shiperrors.ExitTimeout, shiperrors.ExitCode(err))
}

func TestDeploy_InjectsConfiguredRegistry(t *testing.T) {
	clients, _ := fakeCluster(true)
	chart := writeChart(t)
	cfg := config.New(config.WithRegistry("mirror.example.org/team"), config.WithChartDir(chart))
	p := New(cfg, WithEngine(newFakeEngine()), WithCluster(func(string) (*client.Clients, error) { return clients, nil }))

	_, err := p.Deploy(context.Background(), DeployOptions{})
	require.NoError(t, err)

	gvr := schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	dep, err := clients.Dynamic.Resource(gvr).Namespace("is-mlops").Get(context.Background(), "swissre-dev-api", metav1.GetOptions{})
	require.NoError(t, err)
	containers, _, _ := unstructured.NestedSlice(dep.Object, "spec", "template", "spec", "containers")
	require.Len(t, containers, 1)
	assert.Equal(t, "mirror.example.org/team/swissre-api:20240101-0900", containers[0].(map[string]interface{})["image"])
}

func TestDeploy_ClusterUnavailable(t *testing.T) {
	p, _ := newPipeline(t, newFakeEngine(), WithCluster(func(string) (*client.Clients, error) {
		return nil, errors.New("no kubeconfig")
	}))
	_, err := p.Deploy(context.Background(), DeployOptions{})
	require.Error(t, err)
	assert.Equal(t, shiperrors.ExitFailure, shiperrors.ExitCode(err))
}

type alwaysHealthy struct{ urls []string }

func (a *alwaysHealthy) Probe(_ context.Context, url string) error {
	a.urls = append(a.urls, url)
	return nil
}

func TestLocalRunAndTeardown(t *testing.T) {
	eng := newFakeEngine()
	prober := &alwaysHealthy{}
	p, _ := newPipeline(t, eng, WithLocalRunnerOptions(
		local.WithProber(prober),
		local.WithBackoff(wait.Backoff{Duration: time.Millisecond, Steps: 1}),
	))

	states, err := p.LocalRun(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)

	require.Len(t, eng.builds, 2)
	assert.Equal(t, []string{"swissre-api:local", "swissre-api:latest"}, eng.builds[0].Tags)
	assert.Equal(t, []string{"http://localhost:8080/health"}, prober.urls)

	require.Len(t, eng.runs, 2)
	api, ui := eng.runs[0], eng.runs[1]
	assert.Equal(t, "swissre-api", api.Name)
	assert.Equal(t, "swissre-api:local", api.Image)
	assert.Equal(t, "us-east-1", api.Env["AWS_REGION"])
	assert.Equal(t, "swissre/api-token", api.Env["SWISSRE_SECRET_NAME"])
	assert.Equal(t, "swissre-ui", ui.Name)
	assert.Equal(t, map[int]int{8501: 8501}, ui.Ports)
	assert.Equal(t, "http://swissre-api:8080", ui.Env["BACKEND_URL"])
	assert.Equal(t, "swissre-net", ui.Network)

	res, err := p.Teardown(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	assert.Equal(t, "swissre-ui", res.Steps[0].Target)
	assert.Empty(t, eng.containers)
	assert.Empty(t, eng.networks)

	res, err = p.Teardown(context.Background())
	require.NoError(t, err)
	for _, s := range res.Steps {
		assert.Equal(t, local.OutcomeAlreadyAbsent, s.Outcome)
	}
}

func TestStatus_AfterDeploy(t *testing.T) {
	clients, _ := fakeCluster(true)
	p, chart := newPipeline(t, newFakeEngine(), WithCluster(func(string) (*client.Clients, error) {
		return clients, nil
	}))

	before, err := p.Status(context.Background(), DeployOptions{})
	require.NoError(t, err)
	assert.Nil(t, before.Record)
	assert.False(t, before.Drifted())
	require.NotNil(t, before.Status)
	assert.Equal(t, "swissre-dev", before.Status.Release)

	_, err = p.Deploy(context.Background(), DeployOptions{})
	require.NoError(t, err)

	after, err := p.Status(context.Background(), DeployOptions{})
	require.NoError(t, err)
	require.NotNil(t, after.Record)
	assert.Equal(t, rollout.StatusDeployed, after.Record.Status)
	assert.Equal(t, 1, after.Record.Revision)
	assert.Equal(t, "20240101-0900", after.Record.Tag)
	assert.Equal(t, "20240101-0900", after.PinnedTag)
	assert.False(t, after.Drifted())

	pinned := strings.Replace(devValues, "20240101-0900", "20240115-1200", 1)
	require.NoError(t, os.WriteFile(filepath.Join(chart, "values-dev.yaml"), []byte(pinned), 0o600))
	drifted, err := p.Status(context.Background(), DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "20240115-1200", drifted.PinnedTag)
	assert.True(t, drifted.Drifted())
}

func TestStatus_UnknownEnvironment(t *testing.T) {
	p, _ := newPipeline(t, newFakeEngine())
	_, err := p.Status(context.Background(), DeployOptions{Environment: "dve"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "dev"?`)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))
}
