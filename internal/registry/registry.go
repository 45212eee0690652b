package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// QuotaClass is the closed set of quota regimes a model can be under.
type QuotaClass int

const (
	// QuotaFixed means the model has a published tokens-per-minute and
	// requests-per-minute budget the engine must pre-emptively respect.
	QuotaFixed QuotaClass = iota
	// QuotaDynamicShared means limits are server-side and variable;
	// capacity exhaustion is discovered reactively.
	QuotaDynamicShared
)

func (c QuotaClass) String() string {
	if c == QuotaFixed {
		return "fixed"
	}
	return "dynamic_shared"
}

// ModelDescriptor is one dispatchable model. TPM/RPM are zero for
// DynamicShared models.
type ModelDescriptor struct {
	ID         string
	Provider   string
	Capability string
	Quota      QuotaClass
	TPM        int
	RPM        int
}

// ProviderConfig holds the transport settings for one provider.
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// document is the raw YAML shape before quota resolution.
type document struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    []modelEntry              `yaml:"models"`
}

type modelEntry struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	Capability string `yaml:"capability"`
	QuotaClass string `yaml:"quota_class"`
	TPM        *int   `yaml:"tpm"`
	RPM        *int   `yaml:"rpm"`
}

// Registry is the validated set of model descriptors and provider configs.
type Registry struct {
	providers map[string]ProviderConfig
	models    map[string]*ModelDescriptor
	order     []string
}

// Load reads, parses, and validates a registry document from path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model registry: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Registry from raw YAML, resolving each model's quota
// class: absent tpm/rpm signals DynamicShared.
func Parse(raw []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse model registry: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("model registry declares no models")
	}

	reg := &Registry{
		providers: doc.Providers,
		models:    make(map[string]*ModelDescriptor, len(doc.Models)),
	}
	for _, entry := range doc.Models {
		if entry.ID == "" {
			return nil, fmt.Errorf("model registry entry missing id")
		}
		if _, dup := reg.models[entry.ID]; dup {
			return nil, fmt.Errorf("duplicate model id '%s'", entry.ID)
		}
		desc, err := resolve(entry)
		if err != nil {
			return nil, err
		}
		reg.models[entry.ID] = desc
		reg.order = append(reg.order, entry.ID)
	}
	return reg, nil
}

// resolve turns one raw entry into a descriptor with its quota class fixed.
func resolve(entry modelEntry) (*ModelDescriptor, error) {
	desc := &ModelDescriptor{
		ID:         entry.ID,
		Provider:   entry.Provider,
		Capability: entry.Capability,
	}

	hasLimits := entry.TPM != nil && entry.RPM != nil
	switch entry.QuotaClass {
	case "fixed":
		if !hasLimits {
			return nil, fmt.Errorf("model '%s' declares fixed quota but omits tpm/rpm", entry.ID)
		}
		desc.Quota = QuotaFixed
	case "dynamic", "dynamic_shared":
		if entry.TPM != nil || entry.RPM != nil {
			return nil, fmt.Errorf("model '%s' declares dynamic quota but carries tpm/rpm", entry.ID)
		}
		desc.Quota = QuotaDynamicShared
	case "":
		// Unstated class is inferred from the presence of limits.
		if hasLimits {
			desc.Quota = QuotaFixed
		} else if entry.TPM == nil && entry.RPM == nil {
			desc.Quota = QuotaDynamicShared
		} else {
			return nil, fmt.Errorf("model '%s' declares only one of tpm/rpm", entry.ID)
		}
	default:
		return nil, fmt.Errorf("model '%s' has unknown quota_class '%s'", entry.ID, entry.QuotaClass)
	}

	if desc.Quota == QuotaFixed {
		if *entry.TPM <= 0 || *entry.RPM <= 0 {
			return nil, fmt.Errorf("model '%s' has non-positive tpm/rpm", entry.ID)
		}
		desc.TPM = *entry.TPM
		desc.RPM = *entry.RPM
	}
	return desc, nil
}

// Model returns the descriptor for id.
func (r *Registry) Model(id string) (*ModelDescriptor, bool) {
	desc, ok := r.models[id]
	return desc, ok
}

// Models returns all descriptors in document order.
func (r *Registry) Models() []*ModelDescriptor {
	out := make([]*ModelDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id])
	}
	return out
}

// ByCapability returns all models sharing a capability tag, in document
// order.
func (r *Registry) ByCapability(tag string) []*ModelDescriptor {
	var out []*ModelDescriptor
	for _, id := range r.order {
		if r.models[id].Capability == tag {
			out = append(out, r.models[id])
		}
	}
	return out
}

// Provider returns the transport config for a provider name.
func (r *Registry) Provider(name string) (ProviderConfig, bool) {
	cfg, ok := r.providers[name]
	return cfg, ok
}
