// Package provider is the transport to external generative-text services.
//
// It exposes a narrow Client interface plus the dispatch error taxonomy
// the rest of the engine reasons about. HTTP responses are mapped to a
// closed set of error classes at this boundary so the orchestrator and
// health manager never inspect status codes.
package provider
