// Package rollout applies a release of the service chart to a cluster and
// waits until every resource reports ready.
//
// One invocation moves through a fixed state machine:
//
//	PENDING -> APPLYING -> WAITING -> READY
//	                  \           \-> TIMED_OUT
//	                   \-> APPLY_FAILED
//
// Terminal states are final; a retry is a new invocation. Every transition is
// recorded with a timestamp in the Result and passed to an optional Observer.
//
// Rendering merges the chart's values.yaml with the environment values file,
// environment winning, and executes every templates/*.yaml file with the
// context .Values, .Release and .Chart. Template helpers defined in files
// starting with an underscore are available through include.
//
// Applying labels each object with the release instance, ensures the target
// namespace exists, and creates or updates each object through the dynamic
// client. A ConfigMap named shipctl.release.<name> records the revision, tag,
// status, manifest digest and applied objects of the release. It is created
// on install, updated on upgrade and never deleted by shipctl. Objects the
// previous revision applied that are gone from the new render are pruned
// when they carry the release's instance label.
//
// Waiting polls every applied object until all are ready or the timeout
// elapses. Resources are never reverted on timeout.
//
// Usage:
//
//	o := rollout.New(clients.Typed, clients.Dynamic, clients.Mapper)
//	res, err := o.Rollout(ctx, rollout.Request{
//	    ReleaseName: "swissre-dev",
//	    Namespace:   "is-mlops",
//	    ChartDir:    "deploy/chart",
//	    ValuesFile:  "deploy/chart/values-dev.yaml",
//	    Timeout:     10 * time.Minute,
//	})
//
// For long-running callers, Start runs the same invocation in the background
// and returns a cancellable Task.
package rollout
