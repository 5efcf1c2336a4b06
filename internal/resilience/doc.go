// Package resilience provides the fault-tolerance primitives used around
// every upstream model call: a lazily refilled token bucket per provider,
// a circuit breaker per logical model, and an exponential backoff retry
// policy with optional jitter. Instances are shared across concurrent
// requests and synchronize their own counter mutations.
package resilience
