package image

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
)

// Pusher uploads one tagged reference from the local image cache.
type Pusher interface {
	Push(ctx context.Context, ref string) error
}

// Verifier looks tags up in the remote registry.
type Verifier interface {
	// Verify confirms ref is stored and returns its manifest digest.
	Verify(ctx context.Context, ref Reference) (string, error)
	// Exists reports whether ref is already stored.
	Exists(ctx context.Context, ref Reference) (bool, error)
}

// Published records the verified digest of each pushed tag.
type Published struct {
	Name          string    `json:"name" yaml:"name"`
	Release       Reference `json:"release" yaml:"release"`
	ReleaseDigest string    `json:"releaseDigest,omitempty" yaml:"releaseDigest,omitempty"`
	Latest        Reference `json:"latest" yaml:"latest"`
	LatestDigest  string    `json:"latestDigest,omitempty" yaml:"latestDigest,omitempty"`
}

// Publisher pushes both tags of every image.
type Publisher struct {
	pusher   Pusher
	verifier Verifier
}

// NewPublisher creates a publisher. A nil verifier skips remote lookups,
// including the release tag immutability check.
func NewPublisher(p Pusher, v Verifier) *Publisher {
	return &Publisher{pusher: p, verifier: v}
}

// Publish pushes each image's release tag, verifies it, then pushes and
// verifies latest. Release tags already present in the registry are never
// overwritten: nothing is pushed when any of them exists. Any failure aborts
// the whole publish.
func (p *Publisher) Publish(ctx context.Context, images []Image) ([]Published, error) {
	for _, img := range images {
		if img.Release.Tag == LatestTag {
			return nil, shiperrors.New(shiperrors.ErrCodeInvalidRequest,
				fmt.Sprintf("image %q has no immutable release tag", img.Name))
		}
		if err := p.ensureUnpublished(ctx, img.Release); err != nil {
			return nil, err
		}
	}

	out := make([]Published, 0, len(images))
	for _, img := range images {
		releaseDigest, err := p.pushAndVerify(ctx, img.Name, img.Release)
		if err != nil {
			return nil, err
		}
		latestDigest, err := p.pushAndVerify(ctx, img.Name, img.Latest)
		if err != nil {
			return nil, err
		}

		out = append(out, Published{
			Name:          img.Name,
			Release:       img.Release,
			ReleaseDigest: releaseDigest,
			Latest:        img.Latest,
			LatestDigest:  latestDigest,
		})
	}
	return out, nil
}

func (p *Publisher) ensureUnpublished(ctx context.Context, ref Reference) error {
	if p.verifier == nil {
		return nil
	}
	exists, err := p.verifier.Exists(ctx, ref)
	if err != nil {
		return shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
			fmt.Sprintf("failed to check %s in the registry", ref), err,
			map[string]any{"reference": ref.String()})
	}
	if exists {
		return shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
			fmt.Sprintf("release tag %s already exists in the registry", ref), nil,
			map[string]any{"reference": ref.String()})
	}
	return nil
}

func (p *Publisher) pushAndVerify(ctx context.Context, name string, ref Reference) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", shiperrors.Wrap(shiperrors.ErrCodePublish, "publish canceled", err)
	}

	slog.Info("pushing image", "reference", ref.String())
	start := time.Now()
	defer func() {
		imagePushDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	if err := p.pusher.Push(ctx, ref.String()); err != nil {
		imagePushTotal.WithLabelValues("error").Inc()
		return "", shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
			fmt.Sprintf("failed to push %s", ref), err, map[string]any{"reference": ref.String()})
	}

	var dgst string
	if p.verifier != nil {
		var err error
		dgst, err = p.verifier.Verify(ctx, ref)
		if err != nil {
			imagePushTotal.WithLabelValues("error").Inc()
			return "", shiperrors.WrapWithContext(shiperrors.ErrCodePublish,
				fmt.Sprintf("pushed %s but the registry does not resolve it", ref), err,
				map[string]any{"reference": ref.String()})
		}
	}

	imagePushTotal.WithLabelValues("success").Inc()
	slog.Info("image pushed", "reference", ref.String(), "digest", dgst)
	return dgst, nil
}
