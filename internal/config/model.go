package config

import (
	"encoding/json"
	"time"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Defaults applied when the pipeline definition leaves them unstated.
const (
	DefaultWorkers    = 4
	DefaultMaxRetries = 3
	DefaultTimeout    = 60 * time.Second
)

// Model is a fully loaded pipeline definition.
type Model struct {
	Settings Settings
	Seeds    map[string]*Seed
	Stages   map[string]*Stage
}

// Settings are pipeline-wide execution knobs.
type Settings struct {
	Workers int
}

// Seed is a raw source input referenced by stages as "seed.<name>".
type Seed struct {
	Name string
	Path string
}

// SchemaConfig declares the structured-output contract of a stage.
type SchemaConfig struct {
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Required []string `json:"required"`
}

// Stage is one computation step. Inputs reference seeds and other stages
// by "seed.<name>" / "stage.<name>".
type Stage struct {
	Name       string
	Model      string
	Prompt     string
	Inputs     []string
	Schema     SchemaConfig
	Options    cty.Value
	MaxRetries int
	Timeout    time.Duration
}

// CanonicalConfig returns deterministic bytes covering everything about a
// stage that should invalidate its cache entry when changed. Input
// artifact hashes are deliberately excluded; they enter the fingerprint
// separately.
func (s *Stage) CanonicalConfig() ([]byte, error) {
	var optJSON json.RawMessage
	if s.Options != cty.NilVal && !s.Options.IsNull() {
		// cty object attribute order is sorted by name, so this
		// serialization is stable across loads.
		raw, err := ctyjson.Marshal(s.Options, s.Options.Type())
		if err != nil {
			return nil, err
		}
		optJSON = raw
	}
	return json.Marshal(struct {
		Model   string          `json:"model"`
		Prompt  string          `json:"prompt"`
		Schema  SchemaConfig    `json:"schema"`
		Options json.RawMessage `json:"options,omitempty"`
	}{
		Model:   s.Model,
		Prompt:  s.Prompt,
		Schema:  s.Schema,
		Options: optJSON,
	})
}
