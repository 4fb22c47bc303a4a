package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	shiperrors "github.com/is-mlops/shipctl/pkg/errors"
)

// recordFinalizeTimeout bounds the final record update, which runs even
// after the invocation context is canceled.
const recordFinalizeTimeout = 10 * time.Second

// Orchestrator rolls releases out to one cluster.
type Orchestrator struct {
	applier      *applier
	records      *recordStore
	clock        clock.PassiveClock
	observer     Observer
	pollInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers fn to receive every state transition.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithClock overrides the clock used for transition timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithPollInterval overrides the readiness poll period.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

// New creates an orchestrator over the given clients.
func New(typed kubernetes.Interface, dyn dynamic.Interface, mapper meta.RESTMapper, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		applier:      &applier{typed: typed, dynamic: dyn, mapper: mapper},
		records:      &recordStore{typed: typed},
		clock:        clock.RealClock{},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Rollout runs one invocation to a terminal state. The returned Result is
// non-nil for every request that passes validation. The error is an
// APPLY_FAILED or TIMEOUT structured error for the corresponding state.
func (o *Orchestrator) Rollout(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Invocation: uuid.NewString(),
		Release:    req.ReleaseName,
		Namespace:  req.Namespace,
	}
	m := newMachine(res, o.clock, o.observer)
	defer func() {
		rolloutTotal.WithLabelValues(string(res.State)).Inc()
		rolloutDuration.WithLabelValues(string(res.State)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}()

	slog.Info("starting rollout",
		"release", req.ReleaseName,
		"namespace", req.Namespace,
		"chart", req.ChartDir,
		"values", req.ValuesFile,
		"timeout", req.Timeout,
		"invocation", res.Invocation,
	)

	if err := m.to(StateApplying, ""); err != nil {
		return res, shiperrors.Wrap(shiperrors.ErrCodeInternal, "rollout state error", err)
	}

	applied, rec, err := o.apply(ctx, req, res)
	if err != nil {
		_ = m.to(StateApplyFailed, err.Error())
		if rec != nil {
			o.finalizeRecord(ctx, rec, StatusFailed)
		}
		code := shiperrors.ErrCodeApply
		if ctx.Err() != nil {
			code = shiperrors.ErrCodeTimeout
		}
		return res, shiperrors.WrapWithContext(code,
			fmt.Sprintf("failed to apply release %s", req.ReleaseName), err,
			map[string]any{"release": req.ReleaseName, "namespace": req.Namespace})
	}

	if err := m.to(StateWaiting, fmt.Sprintf("%d objects applied", len(applied))); err != nil {
		return res, shiperrors.Wrap(shiperrors.ErrCodeInternal, "rollout state error", err)
	}

	if err := o.waitReady(ctx, applied, req.Timeout, res); err != nil {
		reason := fmt.Sprintf("not ready after %s", req.Timeout)
		if ctx.Err() != nil {
			reason = "canceled: " + ctx.Err().Error()
		}
		if pending := res.Pending(); len(pending) > 0 {
			names := make([]string, 0, len(pending))
			for _, p := range pending {
				names = append(names, p.String())
			}
			reason += "; pending: " + strings.Join(names, ", ")
		}
		_ = m.to(StateTimedOut, reason)
		o.finalizeRecord(ctx, rec, StatusTimedOut)
		return res, shiperrors.WrapWithContext(shiperrors.ErrCodeTimeout,
			fmt.Sprintf("release %s did not become ready", req.ReleaseName), err,
			map[string]any{"release": req.ReleaseName, "namespace": req.Namespace, "timeout": req.Timeout.String()})
	}

	_ = m.to(StateReady, "")
	o.finalizeRecord(ctx, rec, StatusDeployed)
	return res, nil
}

// apply renders the chart and converges it. The returned record is non-nil
// once it has been persisted, so the caller can mark it failed.
func (o *Orchestrator) apply(ctx context.Context, req Request, res *Result) ([]*unstructured.Unstructured, *Record, error) {
	prev, err := o.records.get(ctx, req.Namespace, req.ReleaseName)
	if err != nil {
		return nil, nil, err
	}

	rel := ReleaseInfo{
		Name:      req.ReleaseName,
		Namespace: req.Namespace,
		Revision:  1,
		IsInstall: prev == nil,
		IsUpgrade: prev != nil,
		Service:   ManagedBy,
	}
	if prev != nil {
		rel.Revision = prev.Revision + 1
	}
	res.Revision = rel.Revision
	res.IsUpgrade = rel.IsUpgrade

	values, err := LoadValues(req.ChartDir, req.ValuesFile)
	if err != nil {
		return nil, nil, err
	}
	if err := applyOverrides(values, req.Set); err != nil {
		return nil, nil, err
	}
	if tag, found, _ := unstructured.NestedFieldNoCopy(values, strings.Split(req.TagPath, ".")...); found && tag != nil {
		res.Tag = fmt.Sprint(tag)
	}

	rendered, err := Render(req.ChartDir, values, rel)
	if err != nil {
		return nil, nil, err
	}
	if len(rendered.Objects) == 0 {
		return nil, nil, errors.New("chart rendered no objects")
	}
	res.ManifestDigest = digest.FromString(rendered.Manifest).String()

	if err := o.applier.ensureNamespace(ctx, req.Namespace); err != nil {
		return nil, nil, err
	}

	now := o.clock.Now()
	rec := prev
	if rec == nil {
		rec = &Record{Name: req.ReleaseName, Namespace: req.Namespace, FirstDeployed: now}
	}
	previous := append([]ObjectRef(nil), rec.Objects...)
	rec.Revision = rel.Revision
	rec.Tag = res.Tag
	rec.Status = StatusPending
	rec.ManifestDigest = res.ManifestDigest
	rec.Invocation = res.Invocation
	rec.LastDeployed = now
	if err := o.records.save(ctx, rec); err != nil {
		return nil, nil, err
	}

	applied := make([]*unstructured.Unstructured, 0, len(rendered.Objects))
	for _, obj := range rendered.Objects {
		if err := ctx.Err(); err != nil {
			return nil, rec, err
		}
		live, err := o.applier.apply(ctx, obj, req.ReleaseName, req.Namespace)
		if err != nil {
			return nil, rec, err
		}
		rolloutObjectsApplied.WithLabelValues(obj.GetKind()).Inc()
		applied = append(applied, live)
		st := ObjectStatus{
			APIVersion: live.GetAPIVersion(),
			Kind:       live.GetKind(),
			Namespace:  live.GetNamespace(),
			Name:       live.GetName(),
		}
		res.Objects = append(res.Objects, st)
		rec.Objects = addRef(rec.Objects, st.Ref())
	}

	current := make([]ObjectRef, 0, len(res.Objects))
	for _, st := range res.Objects {
		current = append(current, st.Ref())
	}
	for _, ref := range previous {
		if containsRef(current, ref) {
			continue
		}
		deleted, err := o.applier.delete(ctx, ref, req.ReleaseName)
		if err != nil {
			return nil, rec, err
		}
		rec.Objects = removeRef(rec.Objects, ref)
		if deleted {
			res.Pruned = append(res.Pruned, ref)
		}
	}
	rec.Objects = current
	return applied, rec, nil
}

// applyOverrides sets each dotted path in set on values. Parents are applied
// before their children.
func applyOverrides(values map[string]interface{}, set map[string]interface{}) error {
	paths := make([]string, 0, len(set))
	for path := range set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := unstructured.SetNestedField(values, set[path], strings.Split(path, ".")...); err != nil {
			return fmt.Errorf("failed to set value %s: %w", path, err)
		}
	}
	return nil
}

// sameObject compares by group, kind, namespace and name so a version bump
// of the same object is not treated as a removal.
func sameObject(a, b ObjectRef) bool {
	return a.Kind == b.Kind && a.Namespace == b.Namespace && a.Name == b.Name &&
		groupOf(a.APIVersion) == groupOf(b.APIVersion)
}

func groupOf(apiVersion string) string {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		return apiVersion
	}
	return gv.Group
}

func containsRef(refs []ObjectRef, ref ObjectRef) bool {
	for _, r := range refs {
		if sameObject(r, ref) {
			return true
		}
	}
	return false
}

func addRef(refs []ObjectRef, ref ObjectRef) []ObjectRef {
	if containsRef(refs, ref) {
		return refs
	}
	return append(refs, ref)
}

func removeRef(refs []ObjectRef, ref ObjectRef) []ObjectRef {
	out := refs[:0]
	for _, r := range refs {
		if !sameObject(r, ref) {
			out = append(out, r)
		}
	}
	return out
}

// waitReady polls every object until all are ready, the timeout elapses or
// ctx is canceled. Read errors count as not ready.
func (o *Orchestrator) waitReady(ctx context.Context, objs []*unstructured.Unstructured, timeout time.Duration, res *Result) error {
	return wait.PollUntilContextTimeout(ctx, o.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		allReady := true
		for i, obj := range objs {
			ready, msg := o.observe(ctx, obj)
			res.Objects[i].Ready = ready
			res.Objects[i].Message = msg
			if !ready {
				allReady = false
			}
		}
		if !allReady {
			slog.Debug("waiting for release", "release", res.Release, "pending", len(res.Pending()))
		}
		return allReady, nil
	})
}

func (o *Orchestrator) observe(ctx context.Context, obj *unstructured.Unstructured) (bool, string) {
	live, err := o.applier.get(ctx, obj)
	if err != nil {
		return false, err.Error()
	}
	ready, msg, err := checkReady(live)
	if err != nil {
		return false, err.Error()
	}
	return ready, msg
}

// finalizeRecord stores the terminal status. Failures are logged; the
// invocation outcome is already decided.
func (o *Orchestrator) finalizeRecord(ctx context.Context, rec *Record, status string) {
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordFinalizeTimeout)
	defer cancel()

	rec.Status = status
	if err := o.records.save(ctx, rec); err != nil {
		slog.Warn("failed to update release record",
			"release", rec.Name,
			"namespace", rec.Namespace,
			"status", status,
			"error", err,
		)
	}
}
