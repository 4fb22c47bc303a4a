package image

import (
	"context"
	"errors"
	"testing"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/is-mlops/shipctl/pkg/engine"
	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/release"
)

type fakeEngine struct {
	builds []engine.BuildOptions
	pushes []string
	failOn map[string]error
}

func (f *fakeEngine) Build(_ context.Context, opts engine.BuildOptions) error {
	f.builds = append(f.builds, opts)
	for _, tag := range opts.Tags {
		if err, ok := f.failOn[tag]; ok {
			return err
		}
	}
	return nil
}

func (f *fakeEngine) Push(_ context.Context, ref string) error {
	f.pushes = append(f.pushes, ref)
	if err, ok := f.failOn[ref]; ok {
		return err
	}
	return nil
}

type fakeVerifier struct {
	missing   map[string]bool
	existing  map[string]bool
	lookupErr error
}

func (f *fakeVerifier) Exists(_ context.Context, ref Reference) (bool, error) {
	if f.lookupErr != nil {
		return false, f.lookupErr
	}
	return f.existing[ref.String()], nil
}

func (f *fakeVerifier) Verify(_ context.Context, ref Reference) (string, error) {
	if f.missing[ref.String()] {
		return "", errors.New("manifest unknown")
	}
	return "sha256:" + ref.Tag, nil
}

func targets() []Target {
	return []Target{
		{Name: "swissre-api", Context: "src", Dockerfile: "Dockerfile"},
		{Name: "swissre-ui", Context: "src", Dockerfile: "Dockerfile.streamlit"},
	}
}

func TestReference(t *testing.T) {
	ref, err := NewReference("registry.example.com/team", "swissre-api", "20240115-1200")
	require.NoError(t, err)
	assert.Equal(t, "registry.example.com/team/swissre-api:20240115-1200", ref.String())
	assert.Equal(t, "registry.example.com/team/swissre-api:latest", ref.WithTag(LatestTag).String())

	local, err := NewReference("", "swissre-api", "local")
	require.NoError(t, err)
	assert.Equal(t, "swissre-api:local", local.String())

	_, err = NewReference("registry.example.com", "Bad Name", "x")
	assert.Error(t, err)
	_, err = NewReference("registry.example.com", "swissre-api", "bad tag!")
	assert.Error(t, err)
}

func TestBuilder_SharedReleaseTag(t *testing.T) {
	eng := &fakeEngine{}
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(eng, "registry.example.com", WithBuildClock(testingclock.NewFakePassiveClock(now)))

	images, err := b.Build(context.Background(), release.ID("20240115-1200"), targets())
	require.NoError(t, err)
	require.Len(t, images, 2)

	assert.Equal(t, "registry.example.com/swissre-api:20240115-1200", images[0].Release.String())
	assert.Equal(t, "registry.example.com/swissre-api:latest", images[0].Latest.String())
	assert.Equal(t, "registry.example.com/swissre-ui:20240115-1200", images[1].Release.String())
	assert.Equal(t, images[0].Release.Tag, images[1].Release.Tag)

	require.Len(t, eng.builds, 2)
	first := eng.builds[0]
	assert.Equal(t, "Dockerfile", first.Dockerfile)
	assert.Equal(t, []string{
		"registry.example.com/swissre-api:20240115-1200",
		"registry.example.com/swissre-api:latest",
	}, first.Tags)
	assert.Equal(t, "20240115-1200", first.Labels[ocispec.AnnotationVersion])
	assert.Equal(t, "2024-01-15T12:00:00Z", first.Labels[ocispec.AnnotationCreated])
	assert.Equal(t, "Dockerfile.streamlit", eng.builds[1].Dockerfile)
}

func TestBuilder_FailFast(t *testing.T) {
	eng := &fakeEngine{failOn: map[string]error{
		"registry.example.com/swissre-api:20240115-1200": errors.New("COPY failed"),
	}}
	b := NewBuilder(eng, "registry.example.com")

	images, err := b.Build(context.Background(), release.ID("20240115-1200"), targets())
	require.Error(t, err)
	assert.Nil(t, images)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeBuild))
	assert.Len(t, eng.builds, 1, "second target must not be built")
}

func TestBuilder_InvalidInput(t *testing.T) {
	b := NewBuilder(&fakeEngine{}, "registry.example.com")

	_, err := b.Build(context.Background(), release.ID(""), targets())
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))

	_, err = b.Build(context.Background(), release.ID("latest"), targets())
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))

	_, err = b.Build(context.Background(), release.ID("20240115-1200"), nil)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))
}

func TestPublisher_PushOrder(t *testing.T) {
	eng := &fakeEngine{}
	images, err := NewBuilder(eng, "registry.example.com").Build(context.Background(), release.ID("20240115-1200"), targets())
	require.NoError(t, err)

	published, err := NewPublisher(eng, &fakeVerifier{}).Publish(context.Background(), images)
	require.NoError(t, err)
	require.Len(t, published, 2)

	assert.Equal(t, []string{
		"registry.example.com/swissre-api:20240115-1200",
		"registry.example.com/swissre-api:latest",
		"registry.example.com/swissre-ui:20240115-1200",
		"registry.example.com/swissre-ui:latest",
	}, eng.pushes)
	assert.Equal(t, "sha256:20240115-1200", published[0].ReleaseDigest)
	assert.Equal(t, "sha256:latest", published[0].LatestDigest)
}

func TestPublisher_Failures(t *testing.T) {
	tests := []struct {
		name       string
		failPush   string
		missing    string
		existing   string
		lookupErr  error
		wantPushes int
	}{
		{
			name:       "release tag already published",
			existing:   "registry.example.com/swissre-ui:20240115-1200",
			wantPushes: 0,
		},
		{
			name:       "registry lookup fails",
			lookupErr:  errors.New("connection refused"),
			wantPushes: 0,
		},
		{
			name:       "push rejected",
			failPush:   "registry.example.com/swissre-api:20240115-1200",
			wantPushes: 1,
		},
		{
			name:       "pushed tag not resolvable",
			missing:    "registry.example.com/swissre-api:latest",
			wantPushes: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			images, err := NewBuilder(eng, "registry.example.com").Build(context.Background(), release.ID("20240115-1200"), targets())
			require.NoError(t, err)

			if tt.failPush != "" {
				eng.failOn = map[string]error{tt.failPush: errors.New("denied: requested access to the resource is denied")}
			}
			verifier := &fakeVerifier{missing: map[string]bool{}, existing: map[string]bool{}, lookupErr: tt.lookupErr}
			if tt.missing != "" {
				verifier.missing[tt.missing] = true
			}
			if tt.existing != "" {
				verifier.existing[tt.existing] = true
			}

			published, err := NewPublisher(eng, verifier).Publish(context.Background(), images)
			require.Error(t, err)
			assert.Nil(t, published)
			assert.True(t, shiperrors.Is(err, shiperrors.ErrCodePublish))
			assert.Len(t, eng.pushes, tt.wantPushes)
		})
	}
}

func TestPublisher_ExistingTagIsNeverOverwritten(t *testing.T) {
	eng := &fakeEngine{}
	images, err := NewBuilder(eng, "registry.example.com").Build(context.Background(), release.ID("20240115-1200"), targets())
	require.NoError(t, err)

	verifier := &fakeVerifier{existing: map[string]bool{"registry.example.com/swissre-api:20240115-1200": true}}
	_, err = NewPublisher(eng, verifier).Publish(context.Background(), images)
	require.Error(t, err)
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodePublish))
	assert.Contains(t, err.Error(), "already exists")
	assert.Empty(t, eng.pushes)

	// latest is a floating alias and may already exist
	verifier.existing = map[string]bool{"registry.example.com/swissre-api:latest": true}
	_, err = NewPublisher(eng, verifier).Publish(context.Background(), images)
	require.NoError(t, err)
	assert.Len(t, eng.pushes, 4)
}

func TestPublisher_RejectsLatestOnlyImage(t *testing.T) {
	ref := Reference{Registry: "registry.example.com", Name: "swissre-api", Tag: LatestTag}
	_, err := NewPublisher(&fakeEngine{}, nil).Publish(context.Background(), []Image{{Name: "swissre-api", Release: ref, Latest: ref}})
	assert.True(t, shiperrors.Is(err, shiperrors.ErrCodeInvalidRequest))
}
