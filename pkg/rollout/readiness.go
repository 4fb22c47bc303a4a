package rollout

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/ptr"
)

// checkReady reports whether a live object has converged, with a short
// explanation when it has not.
func checkReady(obj *unstructured.Unstructured) (bool, string, error) {
	switch obj.GroupVersionKind().GroupKind().String() {
	case "Deployment.apps":
		var d appsv1.Deployment
		if err := fromUnstructured(obj, &d); err != nil {
			return false, "", err
		}
		return deploymentReady(&d)
	case "StatefulSet.apps":
		var s appsv1.StatefulSet
		if err := fromUnstructured(obj, &s); err != nil {
			return false, "", err
		}
		return statefulSetReady(&s)
	case "DaemonSet.apps":
		var ds appsv1.DaemonSet
		if err := fromUnstructured(obj, &ds); err != nil {
			return false, "", err
		}
		return daemonSetReady(&ds)
	case "Service":
		var svc corev1.Service
		if err := fromUnstructured(obj, &svc); err != nil {
			return false, "", err
		}
		return serviceReady(&svc)
	case "Pod":
		var pod corev1.Pod
		if err := fromUnstructured(obj, &pod); err != nil {
			return false, "", err
		}
		return podReady(&pod)
	case "Job.batch":
		var job batchv1.Job
		if err := fromUnstructured(obj, &job); err != nil {
			return false, "", err
		}
		if job.Status.Succeeded > 0 {
			return true, "", nil
		}
		return false, "job has not completed", nil
	default:
		return true, "", nil
	}
}

func fromUnstructured(obj *unstructured.Unstructured, into interface{}) error {
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, into); err != nil {
		return fmt.Errorf("failed to convert %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	return nil
}

func deploymentReady(d *appsv1.Deployment) (bool, string, error) {
	want := ptr.Deref(d.Spec.Replicas, 1)
	st := d.Status
	switch {
	case st.ObservedGeneration < d.Generation:
		return false, "spec update not yet observed", nil
	case st.UpdatedReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas updated", st.UpdatedReplicas, want), nil
	case st.Replicas > st.UpdatedReplicas:
		return false, fmt.Sprintf("%d old replicas pending termination", st.Replicas-st.UpdatedReplicas), nil
	case st.ReadyReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas ready", st.ReadyReplicas, want), nil
	case st.AvailableReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas available", st.AvailableReplicas, want), nil
	}
	return true, "", nil
}

func statefulSetReady(s *appsv1.StatefulSet) (bool, string, error) {
	want := ptr.Deref(s.Spec.Replicas, 1)
	st := s.Status
	switch {
	case st.ObservedGeneration < s.Generation:
		return false, "spec update not yet observed", nil
	case st.UpdatedReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas updated", st.UpdatedReplicas, want), nil
	case st.ReadyReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas ready", st.ReadyReplicas, want), nil
	case st.AvailableReplicas < want:
		return false, fmt.Sprintf("%d of %d replicas available", st.AvailableReplicas, want), nil
	}
	return true, "", nil
}

func daemonSetReady(ds *appsv1.DaemonSet) (bool, string, error) {
	st := ds.Status
	switch {
	case st.ObservedGeneration < ds.Generation:
		return false, "spec update not yet observed", nil
	case st.UpdatedNumberScheduled < st.DesiredNumberScheduled:
		return false, fmt.Sprintf("%d of %d pods updated", st.UpdatedNumberScheduled, st.DesiredNumberScheduled), nil
	case st.NumberAvailable < st.DesiredNumberScheduled:
		return false, fmt.Sprintf("%d of %d pods available", st.NumberAvailable, st.DesiredNumberScheduled), nil
	}
	return true, "", nil
}

func serviceReady(svc *corev1.Service) (bool, string, error) {
	if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
		return true, "", nil
	}
	if len(svc.Status.LoadBalancer.Ingress) == 0 {
		return false, "waiting for load balancer address", nil
	}
	return true, "", nil
}

func podReady(pod *corev1.Pod) (bool, string, error) {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			if c.Status == corev1.ConditionTrue {
				return true, "", nil
			}
			return false, c.Message, nil
		}
	}
	return false, fmt.Sprintf("pod is %s", pod.Status.Phase), nil
}
