package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/image"
	"github.com/is-mlops/shipctl/pkg/release"
	"github.com/is-mlops/shipctl/pkg/values"
)

const buildWorkflow = "build"

// BuildOptions parameterizes Build.
type BuildOptions struct {
	// Environment whose values document receives the new tag.
	Environment string
	Strategy    release.Strategy
	PushMetrics bool
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	Invocation string            `json:"invocation" yaml:"invocation"`
	ReleaseID  string            `json:"releaseId" yaml:"releaseId"`
	Images     []image.Published `json:"images" yaml:"images"`
	ValuesFile string            `json:"valuesFile" yaml:"valuesFile"`
	Previous   string            `json:"previousTag" yaml:"previousTag"`
	Changed    bool              `json:"changed" yaml:"changed"`
	Backup     string            `json:"backup,omitempty" yaml:"backup,omitempty"`
	// Reused is set when every release tag was already published from
	// identical content, so nothing was built or pushed.
	Reused bool `json:"reused,omitempty" yaml:"reused,omitempty"`
}

// maxIDAttempts bounds how many suffixed identifiers are tried when earlier
// invocations already published the time-based one.
const maxIDAttempts = 10

// Build generates a release identifier no earlier invocation has published,
// builds and publishes every image with it, then rewrites the environment
// values document. A build or publish failure leaves the document untouched.
func (p *Pipeline) Build(ctx context.Context, opts BuildOptions) (res *BuildResult, err error) {
	invocation := newInvocation()
	defer func() {
		workflowTotal.WithLabelValues(buildWorkflow, statusLabel(err)).Inc()
		if opts.PushMetrics && p.cfg.Metrics.PushgatewayURL != "" {
			if perr := PushMetrics(ctx, p.cfg.Metrics.PushgatewayURL, invocation); perr != nil {
				slog.Warn("metrics push failed", "error", perr)
			}
		}
	}()

	if err := p.cfg.ValidateForPublish(); err != nil {
		return nil, invalid(err)
	}
	env := opts.Environment
	if env == "" {
		env = p.cfg.Deploy.Environment
	}
	valuesPath, err := p.cfg.ResolveEnvironment(env)
	if err != nil {
		return nil, invalid(err)
	}

	id, err := p.releaseID(opts.Strategy)
	if err != nil {
		return nil, err
	}
	verifier, err := p.registryVerifier()
	if err != nil {
		return nil, err
	}

	var reused bool
	err = stage(ctx, buildWorkflow, "claim", func(ctx context.Context) error {
		var cerr error
		id, reused, cerr = p.claimReleaseID(ctx, verifier, id)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	slog.Info("starting build", "invocation", invocation, "release", id.String(), "environment", env, "reused", reused)

	var published []image.Published
	if reused {
		err = stage(ctx, buildWorkflow, "verify", func(ctx context.Context) error {
			var verr error
			published, verr = p.publishedImages(ctx, verifier, id)
			return verr
		})
	} else {
		published, err = p.buildAndPublish(ctx, verifier, id)
	}
	if err != nil {
		return nil, err
	}

	var rewritten *values.Result
	err = stage(ctx, buildWorkflow, "rewrite", func(context.Context) error {
		var rerr error
		rewritten, rerr = values.NewRewriter(p.cfg.Chart.TagPath).Rewrite(valuesPath, id)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	return &BuildResult{
		Invocation: invocation,
		ReleaseID:  id.String(),
		Images:     published,
		ValuesFile: valuesPath,
		Previous:   rewritten.Previous,
		Changed:    rewritten.Changed,
		Backup:     rewritten.Backup,
		Reused:     reused,
	}, nil
}

func (p *Pipeline) buildAndPublish(ctx context.Context, verifier image.Verifier, id release.ID) ([]image.Published, error) {
	eng, err := p.containerEngine()
	if err != nil {
		return nil, err
	}

	var images []image.Image
	err = stage(ctx, buildWorkflow, "build", func(ctx context.Context) error {
		var berr error
		images, berr = image.NewBuilder(eng, p.cfg.Registry, image.WithBuildClock(p.clock)).Build(ctx, id, p.targets())
		return berr
	})
	if err != nil {
		return nil, err
	}

	var published []image.Published
	err = stage(ctx, buildWorkflow, "publish", func(ctx context.Context) error {
		var perr error
		published, perr = image.NewPublisher(eng, verifier).Publish(ctx, images)
		return perr
	})
	return published, err
}

// claimReleaseID returns an identifier whose release tags the registry does
// not hold yet. A taken time-based identifier is replaced by the next
// suffixed one. A content identifier whose tags all exist was published from
// identical inputs and is reused.
func (p *Pipeline) claimReleaseID(ctx context.Context, v image.Verifier, id release.ID) (release.ID, bool, error) {
	for attempt := 1; ; attempt++ {
		refs, err := p.releaseRefs(id)
		if err != nil {
			return "", false, invalid(err)
		}
		var taken []string
		for _, ref := range refs {
			exists, err := v.Exists(ctx, ref)
			if err != nil {
				return "", false, shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
					fmt.Sprintf("failed to check %s in the registry", ref), err,
					map[string]any{"reference": ref.String()})
			}
			if exists {
				taken = append(taken, ref.String())
			}
		}

		switch {
		case len(taken) == 0:
			return id, false, nil
		case !id.IsTimeBased() && len(taken) == len(refs):
			slog.Info("release already published from identical content", "release", id.String())
			return id, true, nil
		case !id.IsTimeBased():
			return "", false, shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
				fmt.Sprintf("release %s is partially published (%s); refusing to overwrite", id, strings.Join(taken, ", ")), nil,
				map[string]any{"release": id.String()})
		case attempt >= maxIDAttempts:
			return "", false, shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
				fmt.Sprintf("no unpublished release identifier after %d attempts", attempt), nil,
				map[string]any{"release": id.String()})
		}
		slog.Warn("release identifier already published", "release", id.String(), "tags", taken)
		id = p.ids.Next()
	}
}

func (p *Pipeline) releaseRefs(id release.ID) ([]image.Reference, error) {
	refs := make([]image.Reference, 0, len(p.cfg.Images))
	for _, img := range p.cfg.Images {
		ref, err := image.NewReference(p.cfg.Registry, img.Name, id.String())
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// publishedImages describes release tags that are already in the registry.
func (p *Pipeline) publishedImages(ctx context.Context, v image.Verifier, id release.ID) ([]image.Published, error) {
	refs, err := p.releaseRefs(id)
	if err != nil {
		return nil, invalid(err)
	}
	out := make([]image.Published, 0, len(refs))
	for i, ref := range refs {
		dgst, err := v.Verify(ctx, ref)
		if err != nil {
			return nil, shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
				fmt.Sprintf("failed to resolve %s", ref), err,
				map[string]any{"reference": ref.String()})
		}
		out = append(out, image.Published{
			Name:          p.cfg.Images[i].Name,
			Release:       ref,
			ReleaseDigest: dgst,
			Latest:        ref.WithTag(image.LatestTag),
		})
	}
	return out, nil
}

func (p *Pipeline) releaseID(strategy release.Strategy) (release.ID, error) {
	switch strategy {
	case "", release.StrategyTime:
		return p.ids.Next(), nil
	case release.StrategyContent:
		inputs, err := p.contentInputs()
		if err != nil {
			return "", err
		}
		id, err := release.FromContent(inputs...)
		if err != nil {
			return "", fmt.Errorf("failed to derive content release id: %w", err)
		}
		return id, nil
	default:
		return "", invalid(fmt.Errorf("unknown id strategy %q", strategy))
	}
}

// contentInputs lists the build contexts with what the content digest skips:
// the context's .dockerignore patterns and the chart directory, whose values
// files the build itself rewrites.
func (p *Pipeline) contentInputs() ([]release.Input, error) {
	chart, err := filepath.Abs(p.cfg.Chart.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chart directory: %w", err)
	}
	inputs := make([]release.Input, 0, len(p.cfg.Images))
	for _, img := range p.cfg.Images {
		excludes, err := engine.ReadIgnore(img.Context)
		if err != nil {
			return nil, err
		}
		root, err := filepath.Abs(img.Context)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve build context %q: %w", img.Context, err)
		}
		if rel, err := filepath.Rel(root, chart); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			excludes = append(excludes, rel)
		}
		inputs = append(inputs, release.Input{Dir: img.Context, Exclude: excludes})
	}
	return inputs, nil
}
