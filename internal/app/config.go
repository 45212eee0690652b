package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PipelinePath string // .hcl file or directory of .hcl files
	ModelsPath   string // model registry YAML document
	StorePath    string // artifact store root; empty selects an in-memory store

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	WorkerCount     int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.PipelinePath == "" {
		return nil, errors.New("PipelinePath is a required configuration field and cannot be empty")
	}
	if cfg.ModelsPath == "" {
		return nil, errors.New("ModelsPath is a required configuration field and cannot be empty")
	}

	return &cfg, nil
}
