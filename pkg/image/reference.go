package image

import (
	"fmt"

	"github.com/distribution/reference"
)

// LatestTag is the floating alias written by every build.
const LatestTag = "latest"

// Reference is a (registry host, image name, tag) triple.
type Reference struct {
	Registry string
	Name     string
	Tag      string
}

// NewReference validates and returns a reference.
func NewReference(registry, name, tag string) (Reference, error) {
	ref := Reference{Registry: registry, Name: name, Tag: tag}
	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}
	return ref, nil
}

// Repository returns registry/name, or name when no registry is set.
func (r Reference) Repository() string {
	if r.Registry == "" {
		return r.Name
	}
	return r.Registry + "/" + r.Name
}

// String returns the full tagged reference.
func (r Reference) String() string {
	return r.Repository() + ":" + r.Tag
}

// Validate parses the reference with the distribution grammar.
func (r Reference) Validate() error {
	named, err := reference.ParseNormalizedNamed(r.Repository())
	if err != nil {
		return fmt.Errorf("invalid repository %q: %w", r.Repository(), err)
	}
	if _, err := reference.WithTag(named, r.Tag); err != nil {
		return fmt.Errorf("invalid tag %q for %q: %w", r.Tag, r.Repository(), err)
	}
	return nil
}

// WithTag returns a copy of r with a different tag.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	return r
}

// MarshalText encodes the reference in its string form.
func (r Reference) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
