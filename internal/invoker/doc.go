// Package invoker resolves logical model names against the model registry
// and performs the resilient upstream call: rate-limiter admission, circuit
// breaking, bounded retries with backoff, and iteration over the configured
// fallback chain when the primary model is exhausted.
package invoker
