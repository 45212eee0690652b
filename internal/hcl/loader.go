package hcl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/fsutil"
)

// fileRoot is the top-level HCL shape of one pipeline file.
type fileRoot struct {
	Pipeline *pipelineBlock `hcl:"pipeline,block"`
	Seeds    []seedBlock    `hcl:"seed,block"`
	Stages   []stageBlock   `hcl:"stage,block"`
}

type pipelineBlock struct {
	Workers *int `hcl:"workers,optional"`
}

type seedBlock struct {
	Name string `hcl:"name,label"`
	Path string `hcl:"path"`
}

type stageBlock struct {
	Name       string       `hcl:"name,label"`
	Model      string       `hcl:"model"`
	Prompt     string       `hcl:"prompt"`
	Inputs     []string     `hcl:"inputs,optional"`
	Schema     *schemaBlock `hcl:"schema,block"`
	Options    cty.Value    `hcl:"options,optional"`
	MaxRetries *int         `hcl:"max_retries,optional"`
	Timeout    *string      `hcl:"timeout,optional"`
}

type schemaBlock struct {
	Name     string   `hcl:"name"`
	Version  int      `hcl:"version"`
	Required []string `hcl:"required"`
}

// Loader parses .hcl pipeline files into the unified config model.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load discovers and parses all .hcl files under the given paths and
// merges them into one model.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)

	model := &config.Model{
		Settings: config.Settings{Workers: config.DefaultWorkers},
		Seeds:    make(map[string]*config.Seed),
		Stages:   make(map[string]*config.Stage),
	}

	parser := hclparse.NewParser()
	for _, path := range paths {
		files, err := fsutil.FindFilesByExtension(path, ".hcl")
		if err != nil {
			return nil, fmt.Errorf("failed to discover pipeline files under %s: %w", path, err)
		}
		if len(files) == 0 {
			logger.Warn("No .hcl pipeline files found in path", "path", path)
		}
		for _, file := range files {
			hclFile, diags := parser.ParseHCLFile(file)
			if diags.HasErrors() {
				return nil, fmt.Errorf("failed to parse %s: %w", file, diags)
			}
			var root fileRoot
			if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
				return nil, fmt.Errorf("failed to decode %s: %w", file, diags)
			}
			if err := mergeFile(model, &root, file); err != nil {
				return nil, err
			}
			logger.Debug("Loaded pipeline file.", "file", file)
		}
	}

	if err := validate(model); err != nil {
		return nil, err
	}
	logger.Debug("Pipeline model loaded.", "seeds", len(model.Seeds), "stages", len(model.Stages))
	return model, nil
}

func mergeFile(model *config.Model, root *fileRoot, file string) error {
	if root.Pipeline != nil && root.Pipeline.Workers != nil {
		if *root.Pipeline.Workers <= 0 {
			return fmt.Errorf("%s: workers must be positive", file)
		}
		model.Settings.Workers = *root.Pipeline.Workers
	}

	for _, seed := range root.Seeds {
		if _, dup := model.Seeds[seed.Name]; dup {
			return fmt.Errorf("%s: duplicate seed '%s'", file, seed.Name)
		}
		model.Seeds[seed.Name] = &config.Seed{Name: seed.Name, Path: seed.Path}
	}

	for _, sb := range root.Stages {
		if _, dup := model.Stages[sb.Name]; dup {
			return fmt.Errorf("%s: duplicate stage '%s'", file, sb.Name)
		}
		stage, err := translateStage(sb, file)
		if err != nil {
			return err
		}
		model.Stages[sb.Name] = stage
	}
	return nil
}

func translateStage(sb stageBlock, file string) (*config.Stage, error) {
	if sb.Schema == nil {
		return nil, fmt.Errorf("%s: stage '%s' is missing its schema block", file, sb.Name)
	}
	stage := &config.Stage{
		Name:   sb.Name,
		Model:  sb.Model,
		Prompt: sb.Prompt,
		Inputs: sb.Inputs,
		Schema: config.SchemaConfig{
			Name:     sb.Schema.Name,
			Version:  sb.Schema.Version,
			Required: sb.Schema.Required,
		},
		Options:    sb.Options,
		MaxRetries: config.DefaultMaxRetries,
		Timeout:    config.DefaultTimeout,
	}
	if sb.MaxRetries != nil {
		if *sb.MaxRetries < 0 {
			return nil, fmt.Errorf("%s: stage '%s' has negative max_retries", file, sb.Name)
		}
		stage.MaxRetries = *sb.MaxRetries
	}
	if sb.Timeout != nil {
		d, err := time.ParseDuration(*sb.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%s: stage '%s' has invalid timeout: %w", file, sb.Name, err)
		}
		stage.Timeout = d
	}
	return stage, nil
}

// validate checks cross-references after all files are merged.
func validate(model *config.Model) error {
	if len(model.Stages) == 0 {
		return fmt.Errorf("pipeline defines no stages")
	}
	for _, stage := range model.Stages {
		for _, input := range stage.Inputs {
			kind, name, ok := strings.Cut(input, ".")
			if !ok {
				return fmt.Errorf("stage '%s' input '%s' must be 'seed.<name>' or 'stage.<name>'", stage.Name, input)
			}
			switch kind {
			case "seed":
				if _, exists := model.Seeds[name]; !exists {
					return fmt.Errorf("stage '%s' references unknown seed '%s'", stage.Name, name)
				}
			case "stage":
				if _, exists := model.Stages[name]; !exists {
					return fmt.Errorf("stage '%s' references unknown stage '%s'", stage.Name, name)
				}
				if name == stage.Name {
					return fmt.Errorf("stage '%s' cannot depend on itself", stage.Name)
				}
			default:
				return fmt.Errorf("stage '%s' input '%s' has unknown kind '%s'", stage.Name, input, kind)
			}
		}
		if stage.Model == "" {
			return fmt.Errorf("stage '%s' declares no model", stage.Name)
		}
	}
	return nil
}
