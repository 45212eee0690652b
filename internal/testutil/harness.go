package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/refinery/internal/app"
	"github.com/vk/refinery/internal/hcl"
	"github.com/vk/refinery/internal/pipeline"
	"github.com/vk/refinery/internal/provider"
)

// DefaultRegistryYAML declares the models integration tests use unless a
// test brings its own registry document.
const DefaultRegistryYAML = `
providers:
  acme:
    base_url: https://acme.invalid
models:
  - id: fast-model
    provider: acme
    capability: general
  - id: careful-model
    provider: acme
    capability: general
  - id: metered-model
    provider: acme
    capability: general
    quota_class: fixed
    tpm: 600000
    rpm: 600
`

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	LogOutput string
	Report    *pipeline.Report
	Err       error
	App       *app.App
	StoreDir  string
}

// RunPipelineTest writes the given pipeline files and registry document
// into a temp tree, wires the app with the scripted client, and runs it.
// File names are relative to the pipeline directory; seed paths inside the
// HCL resolve against it.
func RunPipelineTest(t *testing.T, files map[string]string, registryYAML string, client provider.Client) *HarnessResult {
	t.Helper()
	return RunPipelineTestWithContext(context.Background(), t, files, registryYAML, client, "")
}

// RunPipelineTestWithContext is RunPipelineTest with a caller-provided
// context and an optional pre-existing store directory, so tests can
// exercise resumption across separate app instances.
func RunPipelineTestWithContext(ctx context.Context, t *testing.T, files map[string]string, registryYAML string, client provider.Client, storeDir string) *HarnessResult {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", ".tmp-refinery-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	pipelineDir := filepath.Join(tmpDir, "pipeline")
	require.NoError(t, os.Mkdir(pipelineDir, 0755))
	if storeDir == "" {
		storeDir = filepath.Join(tmpDir, "store")
	}

	for name, content := range files {
		filePath := filepath.Join(pipelineDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	}

	if registryYAML == "" {
		registryYAML = DefaultRegistryYAML
	}
	modelsPath := filepath.Join(tmpDir, "models.yaml")
	require.NoError(t, os.WriteFile(modelsPath, []byte(registryYAML), 0644))

	appConfig := &app.Config{
		PipelinePath: pipelineDir,
		ModelsPath:   modelsPath,
		StorePath:    storeDir,
		LogLevel:     "debug",
		LogFormat:    "text",
	}

	logBuffer := &SafeBuffer{}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicErr = r
			}
		}()
		testApp = app.NewApp(logBuffer, appConfig, hcl.NewLoader(), app.WithClient(client))
	}()

	if panicErr != nil {
		return &HarnessResult{
			LogOutput: logBuffer.String(),
			Err:       fmt.Errorf("application startup panicked | %v", panicErr),
			StoreDir:  storeDir,
		}
	}
	t.Cleanup(func() { testApp.Close() })

	report, runErr := testApp.Run(ctx)

	if os.Getenv("REFINERY_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
	}

	return &HarnessResult{
		LogOutput: logBuffer.String(),
		Report:    report,
		Err:       runErr,
		App:       testApp,
		StoreDir:  storeDir,
	}
}
