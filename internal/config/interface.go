package config

import "context"

// Loader translates configuration files into the unified Model.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*Model, error)
}
