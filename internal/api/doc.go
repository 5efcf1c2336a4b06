// Package api exposes the REST surface of the orchestration engine: chat
// requests, ad-hoc workflow execution, asynchronous run management, session
// history and operational endpoints such as health, stats and metrics.
package api
