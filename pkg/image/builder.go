package image

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"k8s.io/utils/clock"

	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/release"
)

// Target is one named build: a source context and a build file.
type Target struct {
	Name       string
	Context    string
	Dockerfile string
	BuildArgs  map[string]string
}

// Image is the result of building one target: the immutable release tag and
// the floating latest alias of the same image.
type Image struct {
	Name    string
	Release Reference
	Latest  Reference
}

// BuildEngine builds images into the local image cache.
type BuildEngine interface {
	Build(ctx context.Context, opts engine.BuildOptions) error
}

// Builder builds every target with the shared release identifier.
type Builder struct {
	engine   BuildEngine
	registry string
	clock    clock.PassiveClock
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuildClock overrides the clock used for the created annotation.
func WithBuildClock(c clock.PassiveClock) BuilderOption {
	return func(b *Builder) {
		b.clock = c
	}
}

// NewBuilder creates a builder that tags images under registry. An empty
// registry produces local-only references.
func NewBuilder(e BuildEngine, registry string, opts ...BuilderOption) *Builder {
	b := &Builder{engine: e, registry: registry, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build builds targets in order, tagging each with id and latest. The first
// failure aborts the remaining targets; no partial result is returned.
func (b *Builder) Build(ctx context.Context, id release.ID, targets []Target) ([]Image, error) {
	if err := id.Validate(); err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeInvalidRequest, "invalid release id", err)
	}
	if len(targets) == 0 {
		return nil, shiperrors.New(shiperrors.ErrCodeInvalidRequest, "no build targets")
	}

	images := make([]Image, 0, len(targets))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, shiperrors.Wrap(shiperrors.ErrCodeBuild, "build canceled", err)
		}

		img, err := b.buildOne(ctx, id, t)
		if err != nil {
			imageBuildTotal.WithLabelValues("error").Inc()
			return nil, shiperrors.WrapWithContext(shiperrors.ErrCodeBuild,
				fmt.Sprintf("failed to build image %q", t.Name), err,
				map[string]any{"image": t.Name, "release": id.String()})
		}
		imageBuildTotal.WithLabelValues("success").Inc()
		images = append(images, img)
	}
	return images, nil
}

func (b *Builder) buildOne(ctx context.Context, id release.ID, t Target) (Image, error) {
	releaseRef, err := NewReference(b.registry, t.Name, id.String())
	if err != nil {
		return Image{}, err
	}
	latestRef := releaseRef.WithTag(LatestTag)

	dockerfile := t.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	slog.Info("building image",
		"image", t.Name,
		"context", t.Context,
		"dockerfile", dockerfile,
		"release", id.String(),
	)

	start := time.Now()
	err = b.engine.Build(ctx, engine.BuildOptions{
		Context:    t.Context,
		Dockerfile: dockerfile,
		Tags:       []string{releaseRef.String(), latestRef.String()},
		Labels: map[string]string{
			ocispec.AnnotationTitle:   t.Name,
			ocispec.AnnotationVersion: id.String(),
			ocispec.AnnotationCreated: b.clock.Now().UTC().Format(time.RFC3339),
		},
		BuildArgs: t.BuildArgs,
	})
	imageBuildDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return Image{}, err
	}

	slog.Debug("image built", "release_ref", releaseRef.String(), "latest_ref", latestRef.String())
	return Image{Name: t.Name, Release: releaseRef, Latest: latestRef}, nil
}
