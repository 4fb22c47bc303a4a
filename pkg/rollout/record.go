package rollout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	sigsyaml "sigs.k8s.io/yaml"
)

// RecordPrefix prefixes the name of every release record ConfigMap.
const RecordPrefix = "shipctl.release."

// Release record statuses.
const (
	StatusPending  = "pending"
	StatusDeployed = "deployed"
	StatusFailed   = "failed"
	StatusTimedOut = "timed-out"
)

const (
	keyRevision       = "revision"
	keyTag            = "tag"
	keyStatus         = "status"
	keyManifestDigest = "manifestDigest"
	keyInvocation     = "invocation"
	keyFirstDeployed  = "firstDeployed"
	keyLastDeployed   = "lastDeployed"
	keyObjects        = "objects"
)

// Record is the persisted state of a release.
type Record struct {
	Name           string    `json:"name" yaml:"name"`
	Namespace      string    `json:"namespace" yaml:"namespace"`
	Revision       int       `json:"revision" yaml:"revision"`
	Tag            string    `json:"tag" yaml:"tag"`
	Status         string    `json:"status" yaml:"status"`
	ManifestDigest string    `json:"manifestDigest" yaml:"manifestDigest"`
	Invocation     string    `json:"invocation" yaml:"invocation"`
	FirstDeployed  time.Time `json:"firstDeployed" yaml:"firstDeployed"`
	LastDeployed   time.Time `json:"lastDeployed" yaml:"lastDeployed"`
	// Objects lists what the last apply left on the cluster.
	Objects []ObjectRef `json:"objects,omitempty" yaml:"objects,omitempty"`

	exists          bool
	resourceVersion string
}

// RecordName returns the ConfigMap name holding release's record.
func RecordName(release string) string {
	return RecordPrefix + release
}

type recordStore struct {
	typed kubernetes.Interface
}

// get returns the record of release, or nil when it was never installed.
func (s *recordStore) get(ctx context.Context, ns, release string) (*Record, error) {
	cm, err := s.typed.CoreV1().ConfigMaps(ns).Get(ctx, RecordName(release), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get release record: %w", err)
	}
	return recordFromConfigMap(cm)
}

func (s *recordStore) save(ctx context.Context, rec *Record) error {
	cm, err := rec.toConfigMap()
	if err != nil {
		return err
	}
	if !rec.exists {
		created, err := s.typed.CoreV1().ConfigMaps(rec.Namespace).Create(ctx, cm, metav1.CreateOptions{FieldManager: ManagedBy})
		if err != nil {
			return fmt.Errorf("failed to create release record: %w", err)
		}
		rec.exists = true
		rec.resourceVersion = created.ResourceVersion
		return nil
	}

	cm.ResourceVersion = rec.resourceVersion
	updated, err := s.typed.CoreV1().ConfigMaps(rec.Namespace).Update(ctx, cm, metav1.UpdateOptions{FieldManager: ManagedBy})
	if err != nil {
		return fmt.Errorf("failed to update release record: %w", err)
	}
	rec.resourceVersion = updated.ResourceVersion
	return nil
}

func (r *Record) toConfigMap() (*corev1.ConfigMap, error) {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      RecordName(r.Name),
			Namespace: r.Namespace,
			Labels: map[string]string{
				LabelInstance:  r.Name,
				LabelManagedBy: ManagedBy,
			},
		},
		Data: map[string]string{
			keyRevision:       strconv.Itoa(r.Revision),
			keyTag:            r.Tag,
			keyStatus:         r.Status,
			keyManifestDigest: r.ManifestDigest,
			keyInvocation:     r.Invocation,
			keyFirstDeployed:  r.FirstDeployed.UTC().Format(time.RFC3339),
			keyLastDeployed:   r.LastDeployed.UTC().Format(time.RFC3339),
		},
	}
	if len(r.Objects) > 0 {
		raw, err := sigsyaml.Marshal(r.Objects)
		if err != nil {
			return nil, fmt.Errorf("failed to encode release objects: %w", err)
		}
		cm.Data[keyObjects] = string(raw)
	}
	return cm, nil
}

func recordFromConfigMap(cm *corev1.ConfigMap) (*Record, error) {
	rev, err := strconv.Atoi(cm.Data[keyRevision])
	if err != nil {
		return nil, fmt.Errorf("release record %s has invalid revision %q: %w", cm.Name, cm.Data[keyRevision], err)
	}
	rec := &Record{
		Name:            cm.Labels[LabelInstance],
		Namespace:       cm.Namespace,
		Revision:        rev,
		Tag:             cm.Data[keyTag],
		Status:          cm.Data[keyStatus],
		ManifestDigest:  cm.Data[keyManifestDigest],
		Invocation:      cm.Data[keyInvocation],
		exists:          true,
		resourceVersion: cm.ResourceVersion,
	}
	if rec.Name == "" && len(cm.Name) > len(RecordPrefix) {
		rec.Name = cm.Name[len(RecordPrefix):]
	}
	if raw, ok := cm.Data[keyObjects]; ok && raw != "" {
		if err := sigsyaml.Unmarshal([]byte(raw), &rec.Objects); err != nil {
			return nil, fmt.Errorf("release record %s has invalid objects: %w", cm.Name, err)
		}
	}
	// timestamps are informational
	rec.FirstDeployed, _ = time.Parse(time.RFC3339, cm.Data[keyFirstDeployed])
	rec.LastDeployed, _ = time.Parse(time.RFC3339, cm.Data[keyLastDeployed])
	return rec, nil
}

// GetRecord reads the record of release in ns. A release that was never
// installed has no record and yields nil without error.
func GetRecord(ctx context.Context, typed kubernetes.Interface, ns, release string) (*Record, error) {
	return (&recordStore{typed: typed}).get(ctx, ns, release)
}
