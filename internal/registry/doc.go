// Package registry loads and validates the model registry document.
//
// The registry enumerates every model the engine may dispatch to, with its
// provider, capability tag, and quota regime. The string quota class from
// the document is resolved into a closed enum once at load time, so no
// call-site ever branches on a model-name string.
package registry
