package rollout

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	sigsyaml "sigs.k8s.io/yaml"
)

const (
	chartValuesFile = "values.yaml"
	templatesDir    = "templates"
)

var docSeparator = regexp.MustCompile(`(?m)^---[ \t]*$`)

// ReleaseInfo is exposed to templates as .Release.
type ReleaseInfo struct {
	Name      string
	Namespace string
	Revision  int
	IsUpgrade bool
	IsInstall bool
	Service   string
}

// Rendered is the output of rendering a chart.
type Rendered struct {
	Objects  []*unstructured.Unstructured
	Manifest string
}

// LoadValues reads the chart defaults and deep-merges the environment values
// over them. A chart without values.yaml starts from empty defaults; the
// environment file must exist.
func LoadValues(chartDir, valuesFile string) (map[string]interface{}, error) {
	base := map[string]interface{}{}
	data, err := os.ReadFile(filepath.Join(chartDir, chartValuesFile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &base); err != nil {
			return nil, fmt.Errorf("failed to parse chart values: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read chart values: %w", err)
	}
	if base == nil {
		base = map[string]interface{}{}
	}

	env := map[string]interface{}{}
	data, err = os.ReadFile(valuesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment values %s: %w", valuesFile, err)
	}
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse environment values %s: %w", valuesFile, err)
	}

	if err := mergo.Merge(&base, env, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge values: %w", err)
	}
	return base, nil
}

// Render executes every template in chartDir/templates with values and rel,
// then splits and decodes the output into objects. Files whose names start
// with an underscore only define helpers and produce no output.
func Render(chartDir string, values map[string]interface{}, rel ReleaseInfo) (*Rendered, error) {
	pattern := filepath.Join(chartDir, templatesDir, "*")
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	sort.Strings(paths)

	root := template.New(filepath.Base(chartDir)).Option("missingkey=zero")
	root.Funcs(funcMap(root))

	var outputs []string
	for _, p := range paths {
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" && ext != ".tpl" {
			continue
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", p, err)
		}
		name := filepath.Base(p)
		if _, err := root.New(name).Parse(string(content)); err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		if !strings.HasPrefix(name, "_") && ext != ".tpl" {
			outputs = append(outputs, name)
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no templates found in %s", filepath.Join(chartDir, templatesDir))
	}

	data := map[string]interface{}{
		"Values": values,
		"Release": map[string]interface{}{
			"Name":      rel.Name,
			"Namespace": rel.Namespace,
			"Revision":  rel.Revision,
			"IsUpgrade": rel.IsUpgrade,
			"IsInstall": rel.IsInstall,
			"Service":   rel.Service,
		},
		"Chart": map[string]interface{}{
			"Name": filepath.Base(chartDir),
		},
	}

	var manifest strings.Builder
	var objects []*unstructured.Unstructured
	for _, name := range outputs {
		var buf bytes.Buffer
		if err := root.ExecuteTemplate(&buf, name, data); err != nil {
			return nil, fmt.Errorf("failed to execute template %s: %w", name, err)
		}

		objs, err := decodeManifest(buf.String())
		if err != nil {
			return nil, fmt.Errorf("failed to decode output of %s: %w", name, err)
		}
		if len(objs) == 0 {
			continue
		}
		objects = append(objects, objs...)
		fmt.Fprintf(&manifest, "---\n# Source: %s\n%s\n", name, strings.TrimSpace(buf.String()))
	}

	return &Rendered{Objects: objects, Manifest: manifest.String()}, nil
}

func decodeManifest(out string) ([]*unstructured.Unstructured, error) {
	var objs []*unstructured.Unstructured
	for i, doc := range docSeparator.Split(out, -1) {
		if isBlank(doc) {
			continue
		}
		js, err := sigsyaml.YAMLToJSON([]byte(doc))
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(js); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if obj.GetName() == "" {
			return nil, fmt.Errorf("document %d: %s has no metadata.name", i, obj.GetKind())
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// isBlank reports whether a YAML document holds only whitespace and comments.
func isBlank(doc string) bool {
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return true
}

func funcMap(root *template.Template) template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["toYaml"] = func(v interface{}) string {
		out, err := sigsyaml.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.TrimSuffix(string(out), "\n")
	}
	fm["include"] = func(name string, data interface{}) (string, error) {
		var buf bytes.Buffer
		if err := root.ExecuteTemplate(&buf, name, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	fm["required"] = func(msg string, v interface{}) (interface{}, error) {
		if v == nil {
			return nil, fmt.Errorf("%s", msg)
		}
		if s, ok := v.(string); ok && s == "" {
			return nil, fmt.Errorf("%s", msg)
		}
		return v, nil
	}
	return fm
}
