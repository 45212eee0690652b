package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/testutil"
)

// Test for: a stage referencing a model the registry does not declare
// fails when the plan is built, before any dispatch.
func TestErrorHandling_UnknownModel_FailsPlanBuild(t *testing.T) {
	// --- Arrange ---
	files := map[string]string{
		"pipeline.hcl": `
			stage "summary" {
				model  = "model-nobody-declared"
				prompt = "Summarize."
				schema {
					name     = "SUMMARY"
					version  = 1
					required = ["text"]
				}
			}
		`,
	}
	client := testutil.NewScriptedClient(func(call int, req provider.Request) (*provider.Response, error) {
		t.Fatal("no dispatch may happen when the plan cannot be built")
		return nil, nil
	})

	// --- Act ---
	result := testutil.RunPipelineTest(t, files, "", client)

	// --- Assert ---
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "model-nobody-declared")
	assert.Nil(t, result.Report)
	assert.Equal(t, 0, client.Calls())
}
