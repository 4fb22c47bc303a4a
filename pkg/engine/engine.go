// Package engine drives the local container engine through the Docker API.
//
// Only the operations the release workflow needs are exposed: build, tag and
// push images, run and stop containers, and manage a user-defined network.
// Errors for missing objects are classified so callers can treat them as
// already satisfied.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/moby/patternmatcher/ignorefile"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// IgnoreFile lists build context paths left out of the build.
const IgnoreFile = ".dockerignore"

// LabelManagedBy marks containers and networks created by shipctl.
const LabelManagedBy = "app.kubernetes.io/managed-by"

// APIClient is the part of the Docker API the engine calls.
// *client.Client satisfies it.
type APIClient interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
}

// CredentialFunc returns the registry credentials for host.
type CredentialFunc func(ctx context.Context, host string) (registry.AuthConfig, error)

// IsNotFound reports whether err says the target container, network or image
// does not exist.
func IsNotFound(err error) bool {
	return err != nil && errdefs.IsNotFound(err)
}

// IsAlreadyExists reports whether err says the target already exists.
func IsAlreadyExists(err error) bool {
	return err != nil && errdefs.IsConflict(err)
}

// Docker is an API-backed container engine client.
type Docker struct {
	api         APIClient
	credentials CredentialFunc
	out         io.Writer
	managedBy   string
}

// Option configures Docker.
type Option func(*Docker)

// WithAPIClient replaces the Docker API client, mainly for tests.
func WithAPIClient(api APIClient) Option {
	return func(d *Docker) {
		d.api = api
	}
}

// WithCredentials overrides how push credentials are looked up.
func WithCredentials(fn CredentialFunc) Option {
	return func(d *Docker) {
		d.credentials = fn
	}
}

// WithOutput streams build and push progress to w.
func WithOutput(w io.Writer) Option {
	return func(d *Docker) {
		d.out = w
	}
}

// WithManagedBy sets the LabelManagedBy value put on created objects.
func WithManagedBy(value string) Option {
	return func(d *Docker) {
		d.managedBy = value
	}
}

// New creates an engine client. Without WithAPIClient it connects to the
// daemon named by DOCKER_HOST and friends, negotiating the API version.
func New(opts ...Option) (*Docker, error) {
	d := &Docker{out: io.Discard, credentials: dockerCredentials, managedBy: "shipctl"}
	for _, opt := range opts {
		opt(d)
	}
	if d.api == nil {
		api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		d.api = api
	}
	return d, nil
}

// dockerCredentials reads the operator's docker credential store.
func dockerCredentials(ctx context.Context, host string) (registry.AuthConfig, error) {
	store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
	if err != nil {
		return registry.AuthConfig{}, fmt.Errorf("failed to load docker credentials: %w", err)
	}
	cred, err := store.Get(ctx, host)
	if err != nil {
		return registry.AuthConfig{}, fmt.Errorf("failed to read credentials for %s: %w", host, err)
	}
	return registry.AuthConfig{
		Username:      cred.Username,
		Password:      cred.Password,
		IdentityToken: cred.RefreshToken,
		RegistryToken: cred.AccessToken,
		ServerAddress: host,
	}, nil
}

// ReadIgnore returns the patterns of dir's .dockerignore, or nil when it has none.
func ReadIgnore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", IgnoreFile, err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s in %q: %w", IgnoreFile, dir, err)
	}
	return patterns, nil
}

// BuildOptions describes one image build.
type BuildOptions struct {
	Context string
	// Dockerfile is a path inside Context.
	Dockerfile string
	Tags       []string
	Labels     map[string]string
	BuildArgs  map[string]string
}

// Build sends opts.Context to the daemon and builds it with every tag in
// opts.Tags. Paths matched by the context's .dockerignore are not sent.
func (d *Docker) Build(ctx context.Context, opts BuildOptions) error {
	if len(opts.Tags) == 0 {
		return fmt.Errorf("at least one tag is required")
	}

	root, err := filepath.Abs(opts.Context)
	if err != nil {
		return fmt.Errorf("failed to resolve build context %q: %w", opts.Context, err)
	}
	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(root, dockerfile)
	}
	rel, err := filepath.Rel(root, dockerfile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("dockerfile %q is outside the build context %q", opts.Dockerfile, opts.Context)
	}
	rel = filepath.ToSlash(rel)

	excludes, err := ReadIgnore(root)
	if err != nil {
		return err
	}
	if len(excludes) > 0 {
		// the daemon needs both files even when they are ignored
		excludes = append(excludes, "!"+rel, "!"+IgnoreFile)
	}

	buildCtx, err := archive.TarWithOptions(root, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return fmt.Errorf("failed to archive build context %q: %w", opts.Context, err)
	}
	defer buildCtx.Close()

	args := make(map[string]*string, len(opts.BuildArgs))
	for k, v := range opts.BuildArgs {
		args[k] = &v
	}

	slog.Debug("building image", "context", root, "dockerfile", rel, "tags", opts.Tags)
	resp, err := d.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  rel,
		Labels:      opts.Labels,
		BuildArgs:   args,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, d.out, 0, false, nil); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return nil
}

// Push pushes a single tagged reference using the credentials stored for
// its registry.
func (d *Docker) Push(ctx context.Context, ref string) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	host := reference.Domain(named)

	authConfig, err := d.credentials(ctx, host)
	if err != nil {
		return err
	}
	encoded, err := registry.EncodeAuthConfig(authConfig)
	if err != nil {
		return fmt.Errorf("failed to encode credentials for %s: %w", host, err)
	}

	slog.Debug("pushing image", "reference", ref, "registry", host)
	rc, err := d.api.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, d.out, 0, false, nil); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

// RunOptions describes a detached container.
type RunOptions struct {
	Name    string
	Image   string
	Network string
	// Ports maps host port to container port.
	Ports map[int]int
	Env   map[string]string
}

// RunContainer creates and starts a detached container and returns its id.
// On a user-defined network the container name is also its DNS alias.
func (d *Docker) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for hostPort, containerPort := range opts.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: strconv.Itoa(hostPort)})
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:        opts.Image,
		Env:          env,
		ExposedPorts: exposed,
		Labels:       map[string]string{LabelManagedBy: d.managedBy},
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}
	var netCfg *network.NetworkingConfig
	if opts.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(opts.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.Network: {Aliases: []string{opts.Name}},
			},
		}
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", opts.Name, err)
	}
	for _, w := range created.Warnings {
		slog.Warn("container create warning", "container", opts.Name, "warning", w)
	}
	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("failed to start container %s: %w", opts.Name, err)
	}
	return created.ID, nil
}

// StopContainer stops a running container.
func (d *Docker) StopContainer(ctx context.Context, name string) error {
	if err := d.api.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// RemoveContainer removes a stopped container.
func (d *Docker) RemoveContainer(ctx context.Context, name string) error {
	if err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// CreateNetwork creates a bridge network.
func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: d.managedBy},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", name, err)
	}
	return nil
}

// RemoveNetwork removes a network.
func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	if err := d.api.NetworkRemove(ctx, name); err != nil {
		return fmt.Errorf("failed to remove network %s: %w", name, err)
	}
	return nil
}

// ContainerStatus returns the engine's status string for a container
// (running, exited, ...).
func (d *Docker) ContainerStatus(ctx context.Context, name string) (string, error) {
	info, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", fmt.Errorf("container %s reported no state", name)
	}
	return info.State.Status, nil
}
