// Package app wires the configuration loader, model registry, artifact
// store, health manager, and provider clients into a runnable pipeline
// application.
package app
