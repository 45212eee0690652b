package integration_tests

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/pipeline"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/testutil"
)

// Test for: a seed flows through two chained stages and every artifact's
// provenance chain terminates at the seed's content hash.
func TestCoreExecution_SeedThroughChainedStages(t *testing.T) {
	// --- Arrange ---
	files := map[string]string{
		"sources/doc.txt": "The observed error rate doubled after the rollout.",
		"pipeline.hcl": `
			pipeline {
				workers = 2
			}

			seed "doc" {
				path = "sources/doc.txt"
			}

			stage "outline" {
				model  = "fast-model"
				prompt = "Outline the findings."
				inputs = ["seed.doc"]
				schema {
					name     = "OUTLINE"
					version  = 1
					required = ["points"]
				}
			}

			stage "summary" {
				model  = "careful-model"
				prompt = "Summarize the outline."
				inputs = ["stage.outline"]
				schema {
					name     = "SUMMARY"
					version  = 2
					required = ["text"]
				}
			}
		`,
	}

	outlineSchema := gasket.Schema{Name: "OUTLINE", Version: 1}
	summarySchema := gasket.Schema{Name: "SUMMARY", Version: 2}
	client := testutil.NewScriptedClient(func(call int, req provider.Request) (*provider.Response, error) {
		if strings.Contains(req.Prompt, "Outline the findings.") {
			return testutil.MarkedResponse(outlineSchema, `{"points": ["error rate doubled"]}`), nil
		}
		return testutil.MarkedResponse(summarySchema, `{"text": "Rollout regressed reliability."}`), nil
	})

	// --- Act ---
	result := testutil.RunPipelineTest(t, files, "", client)

	// --- Assert ---
	require.NoError(t, result.Err)
	require.NotNil(t, result.Report)
	assert.Equal(t, pipeline.DispositionSuccess, result.Report.Disposition())
	assert.Equal(t, 2, result.Report.Computed)
	assert.Equal(t, 2, client.Calls())

	ctx := context.Background()
	store := result.App.Store()

	var summaryHash string
	for _, res := range result.Report.Results {
		if res.ID == "stage.summary" {
			summaryHash = res.Hash
		}
	}
	require.NotEmpty(t, summaryHash)

	// Walk the provenance chain: summary -> outline -> seed.
	rec, ok := store.Provenance(ctx, summaryHash)
	require.True(t, ok)
	require.Len(t, rec.UpstreamHashes, 1)
	assert.Equal(t, "summary", rec.StageID)
	assert.Equal(t, "careful-model", rec.ModelID)

	outlineRec, ok := store.Provenance(ctx, rec.UpstreamHashes[0])
	require.True(t, ok)
	assert.Equal(t, "outline", outlineRec.StageID)
	require.Len(t, outlineRec.UpstreamHashes, 1)

	// The chain's root is a seed: content exists, no provenance record.
	seedContent, err := store.Get(ctx, outlineRec.UpstreamHashes[0])
	require.NoError(t, err)
	assert.Equal(t, files["sources/doc.txt"], string(seedContent))
	_, ok = store.Provenance(ctx, outlineRec.UpstreamHashes[0])
	assert.False(t, ok, "seeds have no producing stage")
}
