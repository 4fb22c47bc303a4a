package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	valuesPrefix = "values-"
	valuesSuffix = ".yaml"
	// maxSuggestionDistance bounds how different a suggestion may be.
	maxSuggestionDistance = 3
)

// ValuesPath returns the Environment Configuration path for env.
func (c *Config) ValuesPath(env string) string {
	return filepath.Join(c.Chart.Dir, valuesPrefix+env+valuesSuffix)
}

// Environments lists the environments that have a values file in the chart dir.
func (c *Config) Environments() ([]string, error) {
	entries, err := os.ReadDir(c.Chart.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart directory %q: %w", c.Chart.Dir, err)
	}

	var envs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, valuesPrefix) || !strings.HasSuffix(name, valuesSuffix) {
			continue
		}
		env := strings.TrimSuffix(strings.TrimPrefix(name, valuesPrefix), valuesSuffix)
		if env != "" {
			envs = append(envs, env)
		}
	}
	sort.Strings(envs)
	return envs, nil
}

// ResolveEnvironment returns the values path for env, or an error naming the
// closest known environment when env has no values file.
func (c *Config) ResolveEnvironment(env string) (string, error) {
	if env == "" {
		env = c.Deploy.Environment
	}

	envs, err := c.Environments()
	if err != nil {
		return "", err
	}
	for _, e := range envs {
		if e == env {
			return c.ValuesPath(env), nil
		}
	}

	if s := Suggest(env, envs); s != "" {
		return "", fmt.Errorf("unknown environment %q, did you mean %q?", env, s)
	}
	return "", fmt.Errorf("unknown environment %q (available: %s)", env, strings.Join(envs, ", "))
}

// Suggest returns the candidate closest to input, or "" when none is close.
func Suggest(input string, candidates []string) string {
	best := ""
	bestDist := maxSuggestionDistance + 1
	for _, c := range candidates {
		d := levenshtein.ComputeDistance(input, c)
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
