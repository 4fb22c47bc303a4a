package rollout

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

const (
	// LabelInstance carries the release name on every applied object.
	LabelInstance = "app.kubernetes.io/instance"
	// LabelManagedBy marks objects owned by shipctl.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	// ManagedBy is the LabelManagedBy value.
	ManagedBy = "shipctl"
)

// applier converges rendered objects onto the cluster.
type applier struct {
	typed   kubernetes.Interface
	dynamic dynamic.Interface
	mapper  meta.RESTMapper
}

// ensureNamespace creates ns when it does not exist.
func (a *applier) ensureNamespace(ctx context.Context, ns string) error {
	_, err := a.typed.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to get namespace %s: %w", ns, err)
	}

	_, err = a.typed.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ns,
			Labels: map[string]string{LabelManagedBy: ManagedBy},
		},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create namespace %s: %w", ns, err)
	}
	slog.Info("namespace created", "namespace", ns)
	return nil
}

// resourceFor resolves the dynamic resource client for obj, setting the
// namespace on namespaced kinds.
func (a *applier) resourceFor(obj *unstructured.Unstructured, ns string) (dynamic.ResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	mapping, err := a.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", gvk, err)
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		if obj.GetNamespace() == "" {
			obj.SetNamespace(ns)
		}
		return a.dynamic.Resource(mapping.Resource).Namespace(obj.GetNamespace()), nil
	}
	return a.dynamic.Resource(mapping.Resource), nil
}

// apply creates obj or updates the live object to match it.
func (a *applier) apply(ctx context.Context, obj *unstructured.Unstructured, release, ns string) (*unstructured.Unstructured, error) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[LabelInstance] = release
	labels[LabelManagedBy] = ManagedBy
	obj.SetLabels(labels)

	ri, err := a.resourceFor(obj, ns)
	if err != nil {
		return nil, err
	}

	live, err := ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		created, err := ri.Create(ctx, obj, metav1.CreateOptions{FieldManager: ManagedBy})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s %s: %w", obj.GetKind(), obj.GetName(), err)
		}
		slog.Info("resource created", "kind", obj.GetKind(), "name", obj.GetName(), "namespace", obj.GetNamespace())
		return created, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}

	obj.SetResourceVersion(live.GetResourceVersion())
	updated, err := ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: ManagedBy})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	slog.Info("resource updated", "kind", obj.GetKind(), "name", obj.GetName(), "namespace", obj.GetNamespace())
	return updated, nil
}

// get re-reads the live state of obj.
func (a *applier) get(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ri, err := a.resourceFor(obj, obj.GetNamespace())
	if err != nil {
		return nil, err
	}
	return ri.Get(ctx, obj.GetName(), metav1.GetOptions{})
}

// delete removes the object ref points at when it still carries release's
// instance label. It reports whether anything was deleted.
func (a *applier) delete(ctx context.Context, ref ObjectRef, release string) (bool, error) {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion(ref.APIVersion)
	obj.SetKind(ref.Kind)
	obj.SetNamespace(ref.Namespace)
	obj.SetName(ref.Name)

	ri, err := a.resourceFor(obj, ref.Namespace)
	if err != nil {
		return false, err
	}
	live, err := ri.Get(ctx, ref.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	if live.GetLabels()[LabelInstance] != release {
		slog.Warn("not pruning object owned by another release", "object", ref.String(), "release", release)
		return false, nil
	}

	err = ri.Delete(ctx, ref.Name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	slog.Info("resource pruned", "kind", ref.Kind, "name", ref.Name, "namespace", ref.Namespace)
	return true, nil
}
