package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/distribution/reference"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFile is the config file looked up in the working directory.
	DefaultFile = "shipctl.yaml"

	DefaultNamespace     = "is-mlops"
	DefaultReleasePrefix = "swissre"
	DefaultEnvironment   = "dev"
	DefaultTimeout       = 10 * time.Minute
	DefaultChartDir      = "deploy/chart"
	DefaultTagPath       = "image.tag"
	DefaultRegistryPath  = "image.registry"
	DefaultNetwork       = "swissre-net"
	DefaultLocalTag      = "local"

	RoleAPI = "api"
	RoleUI  = "ui"

	EnvRegistry  = "SHIPCTL_REGISTRY"
	EnvNamespace = "SHIPCTL_NAMESPACE"
)

// Config is the full tool configuration.
type Config struct {
	Registry string            `yaml:"registry"`
	Images   []ImageConfig     `yaml:"images"`
	Chart    ChartConfig       `yaml:"chart"`
	Deploy   DeployConfig      `yaml:"deploy"`
	Local    LocalConfig       `yaml:"local"`
	Env      map[string]string `yaml:"env"`
	Metrics  MetricsConfig     `yaml:"metrics"`
}

// ImageConfig describes one build target.
type ImageConfig struct {
	Name       string            `yaml:"name"`
	Role       string            `yaml:"role"`
	Context    string            `yaml:"context"`
	Dockerfile string            `yaml:"dockerfile"`
	Port       int               `yaml:"port"`
	HealthPath string            `yaml:"healthPath,omitempty"`
	BuildArgs  map[string]string `yaml:"buildArgs,omitempty"`
}

// ChartConfig locates the shared template and the per-environment values.
type ChartConfig struct {
	Dir     string `yaml:"dir"`
	TagPath string `yaml:"tagPath"`
	// RegistryPath is the values path that receives Registry at deploy time.
	RegistryPath string `yaml:"registryPath"`
}

// DeployConfig holds rollout defaults.
type DeployConfig struct {
	Namespace     string        `yaml:"namespace"`
	ReleasePrefix string        `yaml:"releasePrefix"`
	Environment   string        `yaml:"environment"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LocalConfig holds local run settings.
type LocalConfig struct {
	Network string `yaml:"network"`
	Tag     string `yaml:"tag"`
}

// MetricsConfig configures optional metric export.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgatewayURL,omitempty"`
}

// Option mutates a Config.
type Option func(*Config)

// WithRegistry sets the registry host.
func WithRegistry(registry string) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// WithNamespace sets the rollout namespace.
func WithNamespace(ns string) Option {
	return func(c *Config) {
		c.Deploy.Namespace = ns
	}
}

// WithTimeout sets the readiness timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Deploy.Timeout = d
	}
}

// WithChartDir sets the chart directory.
func WithChartDir(dir string) Option {
	return func(c *Config) {
		c.Chart.Dir = dir
	}
}

// WithImages replaces the build targets.
func WithImages(images ...ImageConfig) Option {
	return func(c *Config) {
		c.Images = images
	}
}

// WithPushgateway enables metric export.
func WithPushgateway(url string) Option {
	return func(c *Config) {
		c.Metrics.PushgatewayURL = url
	}
}

// New returns the default configuration with opts applied.
func New(opts ...Option) *Config {
	c := &Config{}
	c.applyDefaults()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultImages returns the API and UI build targets.
func DefaultImages() []ImageConfig {
	return []ImageConfig{
		{
			Name:       "swissre-api",
			Role:       RoleAPI,
			Context:    ".",
			Dockerfile: "Dockerfile",
			Port:       8080,
			HealthPath: "/health",
		},
		{
			Name:       "swissre-ui",
			Role:       RoleUI,
			Context:    ".",
			Dockerfile: "Dockerfile.streamlit",
			Port:       8501,
		},
	}
}

// DefaultServiceEnv returns the environment passed through to the services.
func DefaultServiceEnv() map[string]string {
	return map[string]string{
		"AWS_REGION":          "us-east-1",
		"SWISSRE_SECRET_NAME": "swissre/api-token",
		"LOG_LEVEL":           "INFO",
	}
}

func (c *Config) applyDefaults() {
	if len(c.Images) == 0 {
		c.Images = DefaultImages()
	}
	for i := range c.Images {
		if c.Images[i].Context == "" {
			c.Images[i].Context = "."
		}
		if c.Images[i].Dockerfile == "" {
			c.Images[i].Dockerfile = "Dockerfile"
		}
	}
	if c.Chart.Dir == "" {
		c.Chart.Dir = DefaultChartDir
	}
	if c.Chart.TagPath == "" {
		c.Chart.TagPath = DefaultTagPath
	}
	if c.Chart.RegistryPath == "" {
		c.Chart.RegistryPath = DefaultRegistryPath
	}
	if c.Deploy.Namespace == "" {
		c.Deploy.Namespace = DefaultNamespace
	}
	if c.Deploy.ReleasePrefix == "" {
		c.Deploy.ReleasePrefix = DefaultReleasePrefix
	}
	if c.Deploy.Environment == "" {
		c.Deploy.Environment = DefaultEnvironment
	}
	if c.Deploy.Timeout <= 0 {
		c.Deploy.Timeout = DefaultTimeout
	}
	if c.Local.Network == "" {
		c.Local.Network = DefaultNetwork
	}
	if c.Local.Tag == "" {
		c.Local.Tag = DefaultLocalTag
	}
	env := DefaultServiceEnv()
	for k, v := range c.Env {
		env[k] = v
	}
	c.Env = env
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvRegistry); v != "" {
		c.Registry = v
	}
	if v := os.Getenv(EnvNamespace); v != "" {
		c.Deploy.Namespace = v
	}
}

// Load reads path, fills defaults and applies environment overrides.
// A missing file is not an error when path is the default file name.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultFile:
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks structural invariants that hold for every command.
func (c *Config) Validate() error {
	if len(c.Images) == 0 {
		return fmt.Errorf("at least one image is required")
	}

	names := make(map[string]struct{}, len(c.Images))
	for _, img := range c.Images {
		if img.Name == "" {
			return fmt.Errorf("image name is required")
		}
		if _, err := reference.ParseNormalizedNamed(img.Name); err != nil {
			return fmt.Errorf("invalid image name %q: %w", img.Name, err)
		}
		if _, dup := names[img.Name]; dup {
			return fmt.Errorf("duplicate image name %q", img.Name)
		}
		names[img.Name] = struct{}{}
		if img.Port < 0 || img.Port > 65535 {
			return fmt.Errorf("image %q: port %d out of range", img.Name, img.Port)
		}
	}

	if c.Registry != "" {
		if _, err := reference.ParseNormalizedNamed(c.Registry + "/" + c.Images[0].Name); err != nil {
			return fmt.Errorf("invalid registry %q: %w", c.Registry, err)
		}
	}
	return nil
}

// ValidateForPublish checks the settings needed to push images.
func (c *Config) ValidateForPublish() error {
	if c.Registry == "" {
		return fmt.Errorf("registry is required to publish images (set it in %s or %s)", DefaultFile, EnvRegistry)
	}
	return nil
}

// ImageByRole returns the first image with the given role.
func (c *Config) ImageByRole(role string) (ImageConfig, bool) {
	for _, img := range c.Images {
		if img.Role == role {
			return img, true
		}
	}
	return ImageConfig{}, false
}

// ReleaseName returns the release name for env, e.g. swissre-dev.
func (c *Config) ReleaseName(env string) string {
	return fmt.Sprintf("%s-%s", c.Deploy.ReleasePrefix, env)
}
