package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/is-mlops/shipctl/pkg/config"
	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/image"
	"github.com/is-mlops/shipctl/pkg/k8s/client"
	"github.com/is-mlops/shipctl/pkg/local"
	"github.com/is-mlops/shipctl/pkg/release"
)

// Engine is the container engine used by every workflow.
type Engine interface {
	image.BuildEngine
	image.Pusher
	local.ContainerEngine
}

// ClusterFunc returns cluster clients for a kubeconfig path.
type ClusterFunc func(kubeconfig string) (*client.Clients, error)

// Pipeline runs workflows against one configuration.
type Pipeline struct {
	cfg        *config.Config
	engine     Engine
	engineOpts []engine.Option
	verifier   image.Verifier
	cluster    ClusterFunc
	ids        *release.Generator
	clock      clock.PassiveClock
	local      []local.RunnerOption
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEngine overrides the container engine.
func WithEngine(e Engine) Option {
	return func(p *Pipeline) {
		p.engine = e
	}
}

// WithEngineOptions configures the Docker engine created when no engine is set.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(p *Pipeline) {
		p.engineOpts = append(p.engineOpts, opts...)
	}
}

// WithVerifier sets the registry verifier used before and after each push.
func WithVerifier(v image.Verifier) Option {
	return func(p *Pipeline) {
		p.verifier = v
	}
}

// WithCluster overrides how cluster clients are built.
func WithCluster(fn ClusterFunc) Option {
	return func(p *Pipeline) {
		p.cluster = fn
	}
}

// WithClock overrides the clock for release identifiers and labels.
func WithClock(c clock.PassiveClock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithLocalRunnerOptions passes options to the local runner.
func WithLocalRunnerOptions(opts ...local.RunnerOption) Option {
	return func(p *Pipeline) {
		p.local = append(p.local, opts...)
	}
}

// New creates a pipeline. Without options it connects to the Docker daemon
// and the registry on first use and builds cluster clients from the
// kubeconfig.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		cluster: client.Build,
		clock:   clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ids = release.NewGenerator(release.WithClock(p.clock))
	return p
}

func (p *Pipeline) containerEngine() (Engine, error) {
	if p.engine != nil {
		return p.engine, nil
	}
	d, err := engine.New(p.engineOpts...)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "container engine unavailable", err)
	}
	p.engine = d
	return d, nil
}

func (p *Pipeline) registryVerifier() (image.Verifier, error) {
	if p.verifier != nil {
		return p.verifier, nil
	}
	v, err := image.NewRegistryVerifier(false, false)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "failed to create registry verifier", err)
	}
	p.verifier = v
	return v, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

func (p *Pipeline) targets() []image.Target {
	targets := make([]image.Target, 0, len(p.cfg.Images))
	for _, img := range p.cfg.Images {
		targets = append(targets, image.Target{
			Name:       img.Name,
			Context:    img.Context,
			Dockerfile: img.Dockerfile,
			BuildArgs:  img.BuildArgs,
		})
	}
	return targets
}

// stage runs fn, logging and timing it under workflow/stage.
func stage(ctx context.Context, workflow, name string, fn func(context.Context) error) error {
	start := time.Now()
	slog.Debug("stage started", "workflow", workflow, "stage", name)
	err := fn(ctx)
	elapsed := time.Since(start)
	stageDuration.WithLabelValues(workflow, name, statusLabel(err)).Observe(elapsed.Seconds())
	if err != nil {
		slog.Error("stage failed", "workflow", workflow, "stage", name, "duration", elapsed, "error", err)
		return err
	}
	slog.Info("stage completed", "workflow", workflow, "stage", name, "duration", elapsed)
	return nil
}

func newInvocation() string {
	return uuid.NewString()
}

func invalid(err error) error {
	if err == nil {
		return nil
	}
	var se *shiperrors.StructuredError
	if errors.As(err, &se) {
		return err
	}
	return shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "invalid request", err)
}

func roleImage(cfg *config.Config, role string) (config.ImageConfig, error) {
	img, ok := cfg.ImageByRole(role)
	if !ok {
		return config.ImageConfig{}, shiperrors.New(shiperrors.ErrCodeInvalidRequest,
			fmt.Sprintf("no image with role %q configured", role))
	}
	return img, nil
}
