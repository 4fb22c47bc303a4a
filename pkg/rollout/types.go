package rollout

import (
	"fmt"
	"strings"
	"time"

	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
)

// State is the lifecycle state of one rollout invocation.
type State string

const (
	StatePending     State = "PENDING"
	StateApplying    State = "APPLYING"
	StateWaiting     State = "WAITING"
	StateReady       State = "READY"
	StateTimedOut    State = "TIMED_OUT"
	StateApplyFailed State = "APPLY_FAILED"
)

var allowedTransitions = map[State][]State{
	StatePending:  {StateApplying},
	StateApplying: {StateWaiting, StateApplyFailed},
	StateWaiting:  {StateReady, StateTimedOut},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateTimedOut || s == StateApplyFailed
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from,omitempty" yaml:"from,omitempty"`
	To     State     `json:"to" yaml:"to"`
	At     time.Time `json:"at" yaml:"at"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Observer receives every transition as it happens.
type Observer func(Transition)

const (
	// DefaultTimeout bounds the readiness wait.
	DefaultTimeout = 10 * time.Minute

	// DefaultPollInterval is the readiness poll period.
	DefaultPollInterval = 5 * time.Second

	// DefaultTagPath locates the image tag in the merged values.
	DefaultTagPath = "image.tag"
)

// Request describes one rollout.
type Request struct {
	ReleaseName string
	Namespace   string
	ChartDir    string
	ValuesFile  string
	Timeout     time.Duration
	// TagPath locates the image tag in the merged values; DefaultTagPath when empty.
	TagPath string
	// Set overrides merged values by dotted path after the values file is applied.
	Set map[string]interface{}
}

// Validate checks the request and fills defaults.
func (r *Request) Validate() error {
	if r.ReleaseName == "" {
		return shiperrors.New(shiperrors.ErrCodeInvalidRequest, "release name is required")
	}
	if r.Namespace == "" {
		return shiperrors.New(shiperrors.ErrCodeInvalidRequest, "namespace is required")
	}
	if r.ChartDir == "" {
		return shiperrors.New(shiperrors.ErrCodeInvalidRequest, "chart directory is required")
	}
	if r.ValuesFile == "" {
		return shiperrors.New(shiperrors.ErrCodeInvalidRequest, "values file is required")
	}
	if r.Timeout < 0 {
		return shiperrors.New(shiperrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid timeout %s", r.Timeout))
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.TagPath == "" {
		r.TagPath = DefaultTagPath
	}
	for path := range r.Set {
		if path == "" || strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
			return shiperrors.New(shiperrors.ErrCodeInvalidRequest, fmt.Sprintf("invalid value path %q", path))
		}
	}
	return nil
}

// ObjectStatus is the last observed readiness of one applied object.
type ObjectStatus struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name       string `json:"name" yaml:"name"`
	Ready      bool   `json:"ready" yaml:"ready"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
}

func (s ObjectStatus) String() string {
	return s.Ref().String()
}

// Ref returns the identity of the object.
func (s ObjectStatus) Ref() ObjectRef {
	return ObjectRef{APIVersion: s.APIVersion, Kind: s.Kind, Namespace: s.Namespace, Name: s.Name}
}

// ObjectRef identifies one object owned by a release.
type ObjectRef struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name       string `json:"name" yaml:"name"`
}

func (r ObjectRef) String() string {
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// Result is the outcome of one invocation.
type Result struct {
	Invocation     string         `json:"invocation" yaml:"invocation"`
	Release        string         `json:"release" yaml:"release"`
	Namespace      string         `json:"namespace" yaml:"namespace"`
	Revision       int            `json:"revision" yaml:"revision"`
	IsUpgrade      bool           `json:"isUpgrade" yaml:"isUpgrade"`
	Tag            string         `json:"tag,omitempty" yaml:"tag,omitempty"`
	ManifestDigest string         `json:"manifestDigest,omitempty" yaml:"manifestDigest,omitempty"`
	State          State          `json:"state" yaml:"state"`
	Transitions    []Transition   `json:"transitions" yaml:"transitions"`
	Objects        []ObjectStatus `json:"objects,omitempty" yaml:"objects,omitempty"`
	Pruned         []ObjectRef    `json:"pruned,omitempty" yaml:"pruned,omitempty"`
	StartedAt      time.Time      `json:"startedAt" yaml:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
}

// Pending returns the objects that were not ready at the last observation.
func (r *Result) Pending() []ObjectStatus {
	var out []ObjectStatus
	for _, o := range r.Objects {
		if !o.Ready {
			out = append(out, o)
		}
	}
	return out
}
