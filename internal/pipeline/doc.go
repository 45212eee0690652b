// Package pipeline is the orchestrator: it turns a loaded pipeline model
// into an executable plan and drives it through a concurrent worker pool.
//
// Each stage execution walks a fixed state machine: fingerprint, cache
// check against the artifact store, dispatch through the health manager's
// strategy, extraction through the gasket, and a final store commit.
// Completed fingerprints live in the store, so re-running a pipeline after
// a crash recomputes only what never finished.
package pipeline
