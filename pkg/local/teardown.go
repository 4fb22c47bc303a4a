package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/is-mlops/shipctl/pkg/engine"
)

// Outcome of one teardown step.
const (
	OutcomeDone          = "done"
	OutcomeAlreadyAbsent = "already absent"
	OutcomeFailed        = "failed"
)

// Teardown actions.
const (
	ActionStopContainer   = "stop container"
	ActionRemoveContainer = "remove container"
	ActionRemoveNetwork   = "remove network"
)

// ContainerEngine is the subset of the container engine used locally.
type ContainerEngine interface {
	RunContainer(ctx context.Context, opts engine.RunOptions) (string, error)
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	ContainerStatus(ctx context.Context, name string) (string, error)
}

// Step is the result of one teardown action.
type Step struct {
	Action  string `json:"action" yaml:"action"`
	Target  string `json:"target" yaml:"target"`
	Outcome string `json:"outcome" yaml:"outcome"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// TeardownResult lists every step in execution order.
type TeardownResult struct {
	Steps []Step `json:"steps" yaml:"steps"`
}

// Failed returns the steps that did not succeed.
func (r *TeardownResult) Failed() []Step {
	var out []Step
	for _, s := range r.Steps {
		if s.Outcome == OutcomeFailed {
			out = append(out, s)
		}
	}
	return out
}

// Teardown removes the containers and network of a local run.
type Teardown struct {
	engine     ContainerEngine
	containers []string
	network    string
}

// NewTeardown creates a teardown for containers, in the given order, and network.
func NewTeardown(e ContainerEngine, containers []string, network string) *Teardown {
	return &Teardown{engine: e, containers: containers, network: network}
}

// Run stops then removes each container, then removes the network. Missing
// objects are logged as already absent. Other failures do not stop the
// remaining steps; they are joined into the returned error.
func (t *Teardown) Run(ctx context.Context) (*TeardownResult, error) {
	res := &TeardownResult{}
	var errs []error

	step := func(action, target string, fn func(context.Context, string) error) {
		s := Step{Action: action, Target: target, Outcome: OutcomeDone}
		err := fn(ctx, target)
		switch {
		case err == nil:
			slog.Info(action, "target", target)
		case engine.IsNotFound(err):
			s.Outcome = OutcomeAlreadyAbsent
			slog.Info(OutcomeAlreadyAbsent, "action", action, "target", target)
		default:
			s.Outcome = OutcomeFailed
			s.Error = err.Error()
			errs = append(errs, fmt.Errorf("failed to %s %s: %w", action, target, err))
			slog.Warn("teardown step failed", "action", action, "target", target, "error", err)
		}
		res.Steps = append(res.Steps, s)
	}

	for _, name := range t.containers {
		step(ActionStopContainer, name, t.engine.StopContainer)
		step(ActionRemoveContainer, name, t.engine.RemoveContainer)
	}
	if t.network != "" {
		step(ActionRemoveNetwork, t.network, t.engine.RemoveNetwork)
	}

	return res, errors.Join(errs...)
}
