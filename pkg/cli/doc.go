// Package cli implements the command-line interface for shipctl.
//
// # Overview
//
// shipctl takes the swissre API and UI from source to a running release. It
// builds both images with one shared release identifier, publishes them,
// pins the identifier in the environment's values file and rolls the release
// out to Kubernetes. The same images can also be run locally in containers.
//
// # Commands
//
// build - Build, publish and pin a new release:
//
//	shipctl build [--env dev] [--id-strategy time|content] [--push-metrics]
//
// Generates a release identifier such as 20240115-1200, builds every
// configured image with it, pushes the release tag and "latest", then writes
// the identifier into values-<env>.yaml (backup kept as values-<env>.yaml.bak).
//
// deploy - Roll a release out and wait until it is ready:
//
//	shipctl deploy [env] [--timeout 10m] [--namespace is-mlops] [--kubeconfig PATH]
//
// Applies release swissre-<env> and walks PENDING, APPLYING, WAITING and ends
// in READY, TIMED_OUT or APPLY_FAILED. On READY the workloads, pods and
// port-forward commands are printed.
//
// status - Show the last recorded rollout and live state of a release:
//
//	shipctl status [env]
//
// local-run - Build and run the containers locally:
//
//	shipctl local-run
//
// Starts the API on :8080, waits for its /health endpoint, then starts the UI
// on :8501 with BACKEND_URL pointing at the API container.
//
// teardown - Remove the local containers and network:
//
//	shipctl teardown [--strict]
//
// # Global Flags
//
//	--config, -c   Configuration file (default: shipctl.yaml)
//	--debug        Enable debug logging
//	--log-json     Output logs in JSON format
//	--help, -h     Show command help
//	--version, -v  Show version information
//
// Commands that print results accept --format json|yaml|table and
// --output FILE. Without --format a short human-readable summary is printed.
//
// # Environment Variables
//
//	SHIPCTL_CONFIG     Configuration file
//	SHIPCTL_REGISTRY   Registry host, overrides the config file
//	SHIPCTL_NAMESPACE  Target namespace, overrides the config file
//	KUBECONFIG         Path to kubeconfig file
//	LOG_LEVEL          Logging verbosity (debug, info, warn, error)
//
// # Exit Codes
//
//	0  Success
//	1  Build, publish, rewrite, apply or configuration failure
//	2  Readiness timeout or context canceled
//
// Version information is embedded at build time using ldflags:
//
//	go build -ldflags="-X 'github.com/is-mlops/shipctl/pkg/cli.version=1.0.0'"
package cli
