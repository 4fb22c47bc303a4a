// Package release generates the Release Identifier shared by every image of
// one build invocation.
//
// The identifier is a plain value: generate it once, then pass it to the
// builder, the publisher and the values rewriter.
package release

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/moby/patternmatcher"
	"github.com/opencontainers/go-digest"
	"k8s.io/utils/clock"
)

// TimeLayout is the layout of time-based identifiers, e.g. 20240115-1200.
const TimeLayout = "20060102-1504"

// contentPrefix marks identifiers derived from build inputs.
const contentPrefix = "sha-"

// contentLength is the number of hex digits kept from the content digest.
const contentLength = 12

// Strategy selects how identifiers are derived.
type Strategy string

const (
	StrategyTime    Strategy = "time"
	StrategyContent Strategy = "content"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyTime, StrategyContent:
		return Strategy(s), nil
	case "":
		return StrategyTime, nil
	default:
		return "", fmt.Errorf("unknown release id strategy %q (supported: %s, %s)", s, StrategyTime, StrategyContent)
	}
}

// ID is an immutable release identifier used as an image tag.
type ID string

func (id ID) String() string {
	return string(id)
}

// Validate checks that id is usable as an image tag and is not the floating alias.
func (id ID) Validate() error {
	s := string(id)
	if s == "" {
		return fmt.Errorf("release id is empty")
	}
	if s == "latest" {
		return fmt.Errorf("release id must not be the floating %q alias", s)
	}
	if reference.TagRegexp.FindString(s) != s {
		return fmt.Errorf("release id %q is not a valid image tag", s)
	}
	return nil
}

// Generator hands out time-based identifiers that are never repeated within
// the generator's lifetime.
type Generator struct {
	clock clock.PassiveClock

	mu   sync.Mutex
	base string
	seq  int
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(g *Generator) {
		g.clock = c
	}
}

// NewGenerator creates a generator using the real clock unless overridden.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a new time-based identifier. When the clock has not moved past
// the previous identifier's minute, a -N suffix keeps the value unique.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.clock.Now().UTC().Format(TimeLayout)
	if g.base != "" && base <= g.base {
		g.seq++
		return ID(fmt.Sprintf("%s-%d", g.base, g.seq))
	}

	g.base = base
	g.seq = 1
	return ID(base)
}

// FromDigest derives a content identifier from a digest.
func FromDigest(d digest.Digest) (ID, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", d, err)
	}
	enc := d.Encoded()
	if len(enc) > contentLength {
		enc = enc[:contentLength]
	}
	return ID(contentPrefix + enc), nil
}

// DefaultExcludes are skipped by every content digest: repository metadata
// and the backups left by the values rewriter.
var DefaultExcludes = []string{".git", "**/*.bak"}

// Input is one build context to digest. Exclude holds .dockerignore-style
// patterns relative to Dir.
type Input struct {
	Dir     string
	Exclude []string
}

// FromContent derives a content identifier from the files under inputs.
func FromContent(inputs ...Input) (ID, error) {
	d, err := ContentDigest(inputs...)
	if err != nil {
		return "", err
	}
	return FromDigest(d)
}

// ContentDigest computes a digest over the relative paths and contents of
// every regular file below the inputs that no exclude pattern matches. Files
// are hashed in lexical order of their input-relative paths.
func ContentDigest(inputs ...Input) (digest.Digest, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("no build inputs to digest")
	}

	type file struct {
		path string
		rel  string
	}

	seen := make(map[string]struct{})
	var files []file
	for i, in := range inputs {
		root, err := filepath.Abs(in.Dir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %q: %w", in.Dir, err)
		}
		pm, err := patternmatcher.New(append(append([]string(nil), DefaultExcludes...), in.Exclude...))
		if err != nil {
			return "", fmt.Errorf("invalid exclude patterns for %q: %w", in.Dir, err)
		}
		err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			excluded, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return err
			}
			if excluded {
				if entry.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			if _, ok := seen[path]; ok {
				return nil
			}
			seen[path] = struct{}{}
			files = append(files, file{path: path, rel: fmt.Sprintf("%d/%s", i, filepath.ToSlash(rel))})
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk %q: %w", in.Dir, err)
		}
	}
	sort.Slice(files, func(a, b int) bool { return files[a].rel < files[b].rel })

	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, f := range files {
		if _, err := io.WriteString(h, f.rel+"\x00"); err != nil {
			return "", err
		}
		if err := hashFile(h, f.path); err != nil {
			return "", err
		}
	}
	return digester.Digest(), nil
}

func hashFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %q: %w", path, err)
	}
	return nil
}

// IsTimeBased reports whether id was produced by the time strategy.
func (id ID) IsTimeBased() bool {
	s := string(id)
	if len(s) < len(TimeLayout) {
		return false
	}
	_, err := time.Parse(TimeLayout, s[:len(TimeLayout)])
	return err == nil && (len(s) == len(TimeLayout) || strings.HasPrefix(s[len(TimeLayout):], "-"))
}
