package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

// extractionCapability tags registry models that may be used for secondary
// extraction calls.
const extractionCapability = "extraction"

// secondaryExtractor is the last rung of the extraction fallback chain: a
// separate completion whose sole job is pulling schema-shaped JSON out of a
// malformed response.
type secondaryExtractor struct {
	client  provider.Client
	modelID string
}

// newSecondaryExtractor picks the first registry model tagged with the
// extraction capability. When none exists the fallback chain simply ends at
// the balanced-brace heuristic.
func newSecondaryExtractor(client provider.Client, reg *registry.Registry) gasket.Recoverer {
	for _, desc := range reg.Models() {
		if desc.Capability == extractionCapability {
			return &secondaryExtractor{client: client, modelID: desc.ID}
		}
	}
	return nil
}

func (s *secondaryExtractor) Recover(ctx context.Context, raw string, schema gasket.Schema) (string, error) {
	prompt := fmt.Sprintf(
		"The following text contains a JSON object with the fields: %s. "+
			"Respond with only that JSON object and nothing else.\n\n%s",
		strings.Join(schema.Required, ", "), raw)

	resp, err := s.client.Complete(ctx, provider.Request{Model: s.modelID, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}
