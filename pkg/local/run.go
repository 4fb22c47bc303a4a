package local

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
)

// DefaultProbeBackoff paces the API health probe.
var DefaultProbeBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Cap:      5 * time.Second,
	Steps:    8,
}

// Service is one container of a local run.
type Service struct {
	Name  string
	Image string
	// Port is published on the same host port.
	Port       int
	Env        map[string]string
	HealthPath string
}

// URL returns the host address of the service.
func (s Service) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.Port)
}

// Plan describes a local run: the API starts first and must be healthy
// before the UI starts.
type Plan struct {
	Network string
	API     Service
	UI      Service
}

// ContainerState is the engine-reported state of one started container.
type ContainerState struct {
	Name   string `json:"name" yaml:"name"`
	ID     string `json:"id" yaml:"id"`
	Status string `json:"status" yaml:"status"`
	URL    string `json:"url" yaml:"url"`
}

// Prober checks a health endpoint once.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber expects a 2xx response from a GET.
type HTTPProber struct {
	Client *http.Client
}

// Probe performs one GET against url.
func (p HTTPProber) Probe(ctx context.Context, url string) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Runner starts a local run.
type Runner struct {
	engine  ContainerEngine
	prober  Prober
	backoff wait.Backoff
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithProber overrides the health prober.
func WithProber(p Prober) RunnerOption {
	return func(r *Runner) {
		r.prober = p
	}
}

// WithBackoff overrides the probe backoff.
func WithBackoff(b wait.Backoff) RunnerOption {
	return func(r *Runner) {
		r.backoff = b
	}
}

// NewRunner creates a runner.
func NewRunner(e ContainerEngine, opts ...RunnerOption) *Runner {
	r := &Runner{engine: e, prober: HTTPProber{}, backoff: DefaultProbeBackoff}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start creates the network, replaces and starts the API container, waits
// for its health endpoint and starts the UI container. Leftover containers
// of an earlier run are removed first.
func (r *Runner) Start(ctx context.Context, plan Plan) ([]ContainerState, error) {
	if err := r.engine.CreateNetwork(ctx, plan.Network); err != nil && !engine.IsAlreadyExists(err) {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInternal, fmt.Sprintf("failed to create network %s", plan.Network), err)
	}

	api, err := r.start(ctx, plan.Network, plan.API)
	if err != nil {
		return nil, err
	}

	if plan.API.HealthPath != "" {
		if err := r.waitHealthy(ctx, plan.API); err != nil {
			return nil, err
		}
	}

	ui, err := r.start(ctx, plan.Network, plan.UI)
	if err != nil {
		return nil, err
	}

	return []ContainerState{api, ui}, nil
}

func (r *Runner) start(ctx context.Context, network string, svc Service) (ContainerState, error) {
	for _, rm := range []func(context.Context, string) error{r.engine.StopContainer, r.engine.RemoveContainer} {
		if err := rm(ctx, svc.Name); err != nil && !engine.IsNotFound(err) {
			return ContainerState{}, shiperrors.Wrap(shiperrors.ErrCodeInternal,
				fmt.Sprintf("failed to replace container %s", svc.Name), err)
		}
	}

	slog.Info("starting container", "name", svc.Name, "image", svc.Image, "port", svc.Port)
	id, err := r.engine.RunContainer(ctx, engine.RunOptions{
		Name:    svc.Name,
		Image:   svc.Image,
		Network: network,
		Ports:   map[int]int{svc.Port: svc.Port},
		Env:     svc.Env,
	})
	if err != nil {
		return ContainerState{}, shiperrors.Wrap(shiperrors.ErrCodeInternal,
			fmt.Sprintf("failed to start container %s", svc.Name), err)
	}

	state := ContainerState{Name: svc.Name, ID: id, URL: svc.URL()}
	if st, err := r.engine.ContainerStatus(ctx, svc.Name); err == nil {
		state.Status = st
	} else {
		slog.Debug("container status unavailable", "name", svc.Name, "error", err)
	}
	return state, nil
}

func (r *Runner) waitHealthy(ctx context.Context, svc Service) error {
	url := svc.URL() + svc.HealthPath
	attempt := 0
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, r.backoff, func(ctx context.Context) (bool, error) {
		attempt++
		if err := r.prober.Probe(ctx, url); err != nil {
			lastErr = err
			slog.Debug("health probe failed", "url", url, "attempt", attempt, "error", err)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr != nil {
			err = fmt.Errorf("%w: last probe error: %w", err, lastErr)
		}
		code := shiperrors.ErrCodeInternal
		if ctx.Err() != nil {
			code = shiperrors.ErrCodeTimeout
		}
		return shiperrors.WrapWithContext(code,
			fmt.Sprintf("%s did not become healthy", svc.Name), err,
			map[string]any{"url": url, "attempts": attempt})
	}

	slog.Info("service healthy", "name", svc.Name, "url", url, "attempts", attempt)
	return nil
}
