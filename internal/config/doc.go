// Package config defines the format-agnostic pipeline definition model.
//
// Loaders (currently HCL) translate configuration files into this model;
// everything downstream of loading works only with these types.
package config
