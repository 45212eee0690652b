// Package hcl implements the config.Loader interface for HCL pipeline
// definitions.
package hcl
