// Package workflow implements the multi-step orchestration model: a shared
// variable state with textual interpolation, the step/task definition schema
// emitted by planner models, JSON extraction from raw model output, and an
// executor that runs steps strictly in order with sequential or parallel
// task batches.
package workflow
