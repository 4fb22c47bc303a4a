// Package config loads the shipctl configuration.
//
// The configuration names the images to build, the registry to push them to,
// the chart directory holding the shared template and the per-environment
// values files, and the rollout and local run defaults.
//
// # File Format
//
//	registry: 123456789012.dkr.ecr.us-east-1.amazonaws.com
//	images:
//	  - name: swissre-api
//	    role: api
//	    dockerfile: Dockerfile
//	    port: 8080
//	    healthPath: /health
//	  - name: swissre-ui
//	    role: ui
//	    dockerfile: Dockerfile.streamlit
//	    port: 8501
//	chart:
//	  dir: deploy/chart
//	  tagPath: image.tag
//	deploy:
//	  namespace: is-mlops
//	  releasePrefix: swissre
//	  timeout: 10m
//
// Every field has a default, so an absent shipctl.yaml yields a usable local
// configuration. Publishing additionally requires a registry.
//
// # Environment Overrides
//
//	SHIPCTL_REGISTRY   registry host
//	SHIPCTL_NAMESPACE  rollout namespace
//
// # Programmatic Use
//
//	cfg := config.New(
//	    config.WithRegistry("registry.example.com"),
//	    config.WithTimeout(5*time.Minute),
//	)
package config
