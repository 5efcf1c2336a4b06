// Package config loads the static orchestration document that drives the
// runtime: the model registry, system prompts and addons, fallback chains,
// provider gateways and rate limits, resilience parameters, category routing
// rules, workflow templates and storage drivers. The document is immutable
// after load and shared by reference across all concurrent requests.
package config
