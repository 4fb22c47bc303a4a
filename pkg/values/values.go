// Package values rewrites the image tag in a per-environment values document.
package values

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
	"github.com/is-mlops/shipctl/pkg/release"
)

// DefaultTagPath is the dotted path of the image tag scalar.
const DefaultTagPath = "image.tag"

// BackupSuffix is appended to the document path for the pre-rewrite copy.
const BackupSuffix = ".bak"

// Result describes one rewrite.
type Result struct {
	Path     string
	Previous string
	Current  string
	Changed  bool
	// Backup is empty when nothing was written.
	Backup string
}

// Rewriter replaces the scalar at TagPath.
type Rewriter struct {
	TagPath string
}

// NewRewriter creates a rewriter for tagPath, or DefaultTagPath when empty.
func NewRewriter(tagPath string) *Rewriter {
	if tagPath == "" {
		tagPath = DefaultTagPath
	}
	return &Rewriter{TagPath: tagPath}
}

// Rewrite sets the tag at r.TagPath in the document at path to id. The new
// document is computed in memory first; the original bytes are saved next to
// it and the new bytes replace it via rename. On any error the document is
// left untouched.
func (r *Rewriter) Rewrite(path string, id release.ID) (*Result, error) {
	if err := id.Validate(); err != nil {
		return nil, shiperrors.Wrap(shiperrors.ErrCodeRewrite, "invalid release id", err)
	}

	original, err := os.ReadFile(path)
	if err != nil {
		return nil, r.fail(path, "failed to read values document", err)
	}

	doc, err := parse(original)
	if err != nil {
		return nil, r.fail(path, "failed to parse values document", err)
	}

	node, err := lookup(doc, r.TagPath)
	if err != nil {
		return nil, r.fail(path, "failed to locate image tag", err)
	}

	res := &Result{Path: path, Previous: node.Value, Current: id.String()}
	if node.Value == id.String() {
		slog.Info("values document already references release", "path", path, "tag", id.String())
		return res, nil
	}

	node.Value = id.String()
	node.Tag = "!!str"

	updated, err := encode(doc)
	if err != nil {
		return nil, r.fail(path, "failed to encode values document", err)
	}

	mode := os.FileMode(0o644)
	if fi, statErr := os.Stat(path); statErr == nil {
		mode = fi.Mode().Perm()
	}

	backup := path + BackupSuffix
	if err := os.WriteFile(backup, original, mode); err != nil {
		return nil, r.fail(path, "failed to write backup", err)
	}
	if err := replaceFile(path, updated, mode); err != nil {
		return nil, r.fail(path, "failed to replace values document", err)
	}

	res.Changed = true
	res.Backup = backup
	slog.Info("values document rewritten",
		"path", path,
		"tag_path", r.TagPath,
		"previous", res.Previous,
		"current", res.Current,
		"backup", backup,
	)
	return res, nil
}

// CurrentTag returns the tag at r.TagPath in the document at path.
func (r *Rewriter) CurrentTag(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", r.fail(path, "failed to read values document", err)
	}
	doc, err := parse(data)
	if err != nil {
		return "", r.fail(path, "failed to parse values document", err)
	}
	node, err := lookup(doc, r.TagPath)
	if err != nil {
		return "", r.fail(path, "failed to locate image tag", err)
	}
	return node.Value, nil
}

func (r *Rewriter) fail(path, msg string, err error) error {
	return shiperrors.WrapWithContext(shiperrors.ErrCodeRewrite, msg, err,
		map[string]any{"path": path, "tag_path": r.TagPath})
}

func parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document root is not a mapping")
	}
	return &doc, nil
}

// lookup walks a dotted key path through nested mappings and returns the
// scalar node at its end.
func lookup(doc *yaml.Node, path string) (*yaml.Node, error) {
	keys := strings.Split(path, ".")
	node := doc.Content[0]
	for i, key := range keys {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", strings.Join(keys[:i], "."))
		}
		var next *yaml.Node
		for j := 0; j+1 < len(node.Content); j += 2 {
			if node.Content[j].Value == key {
				next = node.Content[j+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("key %q not found", strings.Join(keys[:i+1], "."))
		}
		node = next
	}
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("%q is not a scalar", path)
	}
	return node, nil
}

func encode(doc *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func replaceFile(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
