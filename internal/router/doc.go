// Package router is the top-level request entry point: it classifies an
// inbound message into a complexity tier, answers low and medium tiers with
// a single direct model call, and drives the planner/workflow pipeline for
// the high tier with degraded responses on planning or execution failure.
package router
