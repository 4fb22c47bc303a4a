package workflow

import (
	"context"
	"log/slog"

	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/rollout"
	"github.com/is-mlops/shipctl/pkg/status"
	"github.com/is-mlops/shipctl/pkg/values"
)

const deployWorkflow = "deploy"

// DeployOptions parameterizes Deploy. Empty fields take configuration defaults.
type DeployOptions struct {
	Environment string
	Namespace   string
	Kubeconfig  string
	Observer    rollout.Observer
}

// DeployResult is the rollout outcome plus the status report when READY.
type DeployResult struct {
	Rollout *rollout.Result `json:"rollout" yaml:"rollout"`
	Status  *status.Report  `json:"status,omitempty" yaml:"status,omitempty"`
}

// Deploy rolls the environment's release out and, once READY, collects its
// status. A status failure is logged; the deploy already succeeded.
func (p *Pipeline) Deploy(ctx context.Context, opts DeployOptions) (res *DeployResult, err error) {
	defer func() {
		workflowTotal.WithLabelValues(deployWorkflow, statusLabel(err)).Inc()
	}()

	env := opts.Environment
	if env == "" {
		env = p.cfg.Deploy.Environment
	}
	valuesPath, err := p.cfg.ResolveEnvironment(env)
	if err != nil {
		return nil, invalid(err)
	}
	ns := opts.Namespace
	if ns == "" {
		ns = p.cfg.Deploy.Namespace
	}

	clients, err := p.cluster(opts.Kubeconfig)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "failed to connect to cluster", err)
	}

	req := rollout.Request{
		ReleaseName: p.cfg.ReleaseName(env),
		Namespace:   ns,
		ChartDir:    p.cfg.Chart.Dir,
		ValuesFile:  valuesPath,
		Timeout:     p.cfg.Deploy.Timeout,
		TagPath:     p.cfg.Chart.TagPath,
	}
	if p.cfg.Registry != "" {
		req.Set = map[string]interface{}{p.cfg.Chart.RegistryPath: p.cfg.Registry}
	}

	res = &DeployResult{}
	err = stage(ctx, deployWorkflow, "rollout", func(ctx context.Context) error {
		o := rollout.New(clients.Typed, clients.Dynamic, clients.Mapper,
			rollout.WithClock(p.clock), rollout.WithObserver(opts.Observer))
		var rerr error
		res.Rollout, rerr = o.Rollout(ctx, req)
		return rerr
	})
	if err != nil {
		return res, err
	}

	_ = stage(ctx, deployWorkflow, "status", func(ctx context.Context) error {
		rep, serr := status.NewReporter(clients.Typed, status.WithClock(p.clock)).Report(ctx, req.ReleaseName, ns)
		if serr != nil {
			slog.Warn("release status unavailable", "release", req.ReleaseName, "error", serr)
			return serr
		}
		res.Status = rep
		return nil
	})
	return res, nil
}

// StatusResult is the stored release record plus the live report.
type StatusResult struct {
	Record *rollout.Record `json:"record,omitempty" yaml:"record,omitempty"`
	Status *status.Report  `json:"status" yaml:"status"`
	// PinnedTag is the tag the environment values document currently pins.
	PinnedTag string `json:"pinnedTag,omitempty" yaml:"pinnedTag,omitempty"`
}

// Drifted reports whether the pinned tag differs from the deployed one.
func (r *StatusResult) Drifted() bool {
	return r.Record != nil && r.PinnedTag != "" && r.PinnedTag != r.Record.Tag
}

// Status reads the release record of the environment and reports its live
// workloads. A release that was never deployed has a nil Record.
func (p *Pipeline) Status(ctx context.Context, opts DeployOptions) (*StatusResult, error) {
	env := opts.Environment
	if env == "" {
		env = p.cfg.Deploy.Environment
	}
	valuesPath, err := p.cfg.ResolveEnvironment(env)
	if err != nil {
		return nil, invalid(err)
	}
	ns := opts.Namespace
	if ns == "" {
		ns = p.cfg.Deploy.Namespace
	}

	clients, err := p.cluster(opts.Kubeconfig)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "failed to connect to cluster", err)
	}

	name := p.cfg.ReleaseName(env)
	rec, err := rollout.GetRecord(ctx, clients.Typed, ns, name)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInternal, "failed to read release record", err)
	}
	rep, err := status.NewReporter(clients.Typed, status.WithClock(p.clock)).Report(ctx, name, ns)
	if err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInternal, "failed to collect release status", err)
	}
	res := &StatusResult{Record: rec, Status: rep}
	if tag, terr := values.NewRewriter(p.cfg.Chart.TagPath).CurrentTag(valuesPath); terr == nil {
		res.PinnedTag = tag
	} else {
		slog.Warn("pinned tag unavailable", "values", valuesPath, "error", terr)
	}
	return res, nil
}
