package workflow

import (
	"context"
	"fmt"

	"github.com/is-mlops/shipctl/pkg/config"
	"github.com/is-mlops/shipctl/pkg/image"
	"github.com/is-mlops/shipctl/pkg/local"
	"github.com/is-mlops/shipctl/pkg/release"
)

const (
	localWorkflow    = "local-run"
	teardownWorkflow = "teardown"
	envBackendURL    = "BACKEND_URL"
)

// LocalRun builds the images under the local tag and starts the API, then
// the UI once the API is healthy.
func (p *Pipeline) LocalRun(ctx context.Context) (states []local.ContainerState, err error) {
	defer func() {
		workflowTotal.WithLabelValues(localWorkflow, statusLabel(err)).Inc()
	}()

	plan, err := p.LocalPlan()
	if err != nil {
		return nil, err
	}

	eng, err := p.containerEngine()
	if err != nil {
		return nil, err
	}

	id := release.ID(p.cfg.Local.Tag)
	err = stage(ctx, localWorkflow, "build", func(ctx context.Context) error {
		_, berr := image.NewBuilder(eng, "", image.WithBuildClock(p.clock)).Build(ctx, id, p.targets())
		return berr
	})
	if err != nil {
		return nil, err
	}

	err = stage(ctx, localWorkflow, "start", func(ctx context.Context) error {
		var serr error
		states, serr = local.NewRunner(eng, p.local...).Start(ctx, plan)
		return serr
	})
	return states, err
}

// LocalPlan derives the local run from the configured API and UI images.
func (p *Pipeline) LocalPlan() (local.Plan, error) {
	api, err := roleImage(p.cfg, config.RoleAPI)
	if err != nil {
		return local.Plan{}, err
	}
	ui, err := roleImage(p.cfg, config.RoleUI)
	if err != nil {
		return local.Plan{}, err
	}

	apiEnv := make(map[string]string, len(p.cfg.Env))
	uiEnv := make(map[string]string, len(p.cfg.Env)+1)
	for k, v := range p.cfg.Env {
		apiEnv[k] = v
		uiEnv[k] = v
	}
	uiEnv[envBackendURL] = fmt.Sprintf("http://%s:%d", api.Name, api.Port)

	tag := p.cfg.Local.Tag
	return local.Plan{
		Network: p.cfg.Local.Network,
		API: local.Service{
			Name:       api.Name,
			Image:      image.Reference{Name: api.Name, Tag: tag}.String(),
			Port:       api.Port,
			Env:        apiEnv,
			HealthPath: api.HealthPath,
		},
		UI: local.Service{
			Name:       ui.Name,
			Image:      image.Reference{Name: ui.Name, Tag: tag}.String(),
			Port:       ui.Port,
			Env:        uiEnv,
			HealthPath: ui.HealthPath,
		},
	}, nil
}

// Teardown removes the local containers, UI first, and then the network.
func (p *Pipeline) Teardown(ctx context.Context) (res *local.TeardownResult, err error) {
	defer func() {
		workflowTotal.WithLabelValues(teardownWorkflow, statusLabel(err)).Inc()
	}()

	eng, err := p.containerEngine()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(p.cfg.Images))
	for i := len(p.cfg.Images) - 1; i >= 0; i-- {
		names = append(names, p.cfg.Images[i].Name)
	}
	return local.NewTeardown(eng, names, p.cfg.Local.Network).Run(ctx)
}
