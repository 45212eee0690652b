package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/refinery/internal/artifact"
	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/health"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

const testModels = `
models:
  - id: fixed-m
    provider: acme
    capability: general
    quota_class: fixed
    tpm: 600000
    rpm: 600
  - id: dyn-a
    provider: acme
    capability: general
  - id: dyn-b
    provider: acme
    capability: general
`

// fakeClient is a scripted provider. The script receives the global call
// number (starting at 1) and the request.
type fakeClient struct {
	mu     sync.Mutex
	calls  int
	byID   map[string]int
	script func(call int, req provider.Request) (*provider.Response, error)
}

func newFakeClient(script func(call int, req provider.Request) (*provider.Response, error)) *fakeClient {
	return &fakeClient{byID: make(map[string]int), script: script}
}

func (c *fakeClient) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.byID[req.Model]++
	c.mu.Unlock()
	return c.script(call, req)
}

func (c *fakeClient) totalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var testSchema = gasket.Schema{Name: "OUT", Version: 1, Required: []string{"result"}}

func okResponse(result string) (*provider.Response, error) {
	return &provider.Response{
		Text:       "Here you go.\n" + testSchema.Wrap(fmt.Sprintf(`{"result": %q}`, result)),
		TokensUsed: 10,
		CostUSD:    0.001,
	}, nil
}

func capacityError(model string) error {
	return &provider.DispatchError{Class: provider.ClassCapacity, Model: model, Err: errors.New("pool busy")}
}

type testRig struct {
	reg    *registry.Registry
	store  artifact.Store
	mgr    *health.Manager
	client *fakeClient
	flight *Flight
}

func newRig(t *testing.T, script func(call int, req provider.Request) (*provider.Response, error)) *testRig {
	t.Helper()
	reg, err := registry.Parse([]byte(testModels))
	require.NoError(t, err)
	return &testRig{
		reg:    reg,
		store:  artifact.NewMemStore(),
		mgr:    health.NewManager(reg),
		client: newFakeClient(script),
		flight: NewFlight(),
	}
}

func (r *testRig) run(t *testing.T, model *config.Model) (*Report, error) {
	t.Helper()
	plan, err := Build(context.Background(), model, r.reg)
	require.NoError(t, err)
	exec := New(plan, r.store, r.mgr, r.client, &gasket.Extractor{}, r.reg, r.flight)
	return exec.Run(context.Background())
}

func singleStageModel(modelID string) *config.Model {
	return &config.Model{
		Settings: config.Settings{Workers: 2},
		Seeds:    map[string]*config.Seed{},
		Stages:   map[string]*config.Stage{"only": stageCfg("only", modelID)},
	}
}

func TestRun_SingleStageComputesAndStores(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse("v1")
	})

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)

	assert.Equal(t, DispositionSuccess, report.Disposition())
	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 0, report.CacheHits)
	assert.Equal(t, 10, report.TotalTokens)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "clean", res.Extraction)
	assert.Equal(t, "dyn-a", res.ModelUsed)

	content, err := rig.store.Get(context.Background(), res.Hash)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"result":"v1"`)

	rec, ok := rig.store.Provenance(context.Background(), res.Hash)
	require.True(t, ok)
	assert.Equal(t, "only", rec.StageID)
	assert.Equal(t, "dyn-a", rec.ModelID)
	assert.Equal(t, report.RunID, rec.RunID)
}

func TestRun_SecondRunIsFullCacheHit(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse("v1")
	})

	_, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)
	require.Equal(t, 1, rig.client.totalCalls())

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)

	assert.Equal(t, 1, rig.client.totalCalls(), "cached fingerprint must not re-dispatch")
	assert.Equal(t, 1, report.CacheHits)
	assert.Equal(t, 0, report.Computed)
	assert.Equal(t, DispositionSuccess, report.Disposition())
}

func TestRun_AtMostOneDispatchPerFingerprint(t *testing.T) {
	release := make(chan struct{})
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		<-release
		return okResponse("shared")
	})

	// Two concurrent runs of the same pipeline share the store and the
	// flight group; exactly one external dispatch may occur.
	const runs = 4
	var wg sync.WaitGroup
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		plan, err := Build(context.Background(), singleStageModel("dyn-a"), rig.reg)
		require.NoError(t, err)
		exec := New(plan, rig.store, rig.mgr, rig.client, &gasket.Extractor{}, rig.reg, rig.flight)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = exec.Run(context.Background())
		}(i)
	}

	// Give all runs time to reach the in-flight dispatch, then release.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < runs; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, 1, rig.client.totalCalls())
}

func TestRun_DynamicCapacityRetrySucceedsThirdAttempt(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		if call <= 2 {
			return nil, capacityError(req.Model)
		}
		return okResponse("eventually")
	})

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, 3, report.Results[0].Attempts)
	assert.Equal(t, 3, rig.client.totalCalls())
	assert.Equal(t, health.Healthy, rig.mgr.StateOf("dyn-a"), "success resets health")
}

func TestRun_SchemaViolationIsTerminal(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: testSchema.Wrap(`{"wrong_field": 1}`)}, nil
	})

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.Error(t, err)

	var schemaErr *gasket.SchemaViolationError
	assert.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, 1, rig.client.totalCalls(), "schema violations must not be retried")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, DispositionFatal, report.Disposition())
}

func TestRun_ExtractionFailureRetriesThenSucceeds(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		if call == 1 {
			return &provider.Response{Text: "no payload at all"}, nil
		}
		return okResponse("recovered on retry")
	})

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)
	assert.Equal(t, 2, rig.client.totalCalls())
	assert.Equal(t, 2, report.Results[0].Attempts)
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return nil, &provider.DispatchError{Class: provider.ClassFatal, Model: req.Model, Err: errors.New("bad request")}
	})

	model := &config.Model{
		Settings: config.Settings{Workers: 2},
		Seeds:    map[string]*config.Seed{},
		Stages: map[string]*config.Stage{
			"first":  stageCfg("first", "dyn-a"),
			"second": stageCfg("second", "dyn-a", "stage.first"),
		},
	}

	report, err := rig.run(t, model)
	require.Error(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, DispositionFatal, report.Disposition())

	states := make(map[string]State)
	for _, res := range report.Results {
		states[res.ID] = res.State
	}
	assert.Equal(t, StateFailed, states["stage.first"])
	assert.Equal(t, StateSkipped, states["stage.second"])
}

func TestRun_SkippedNodeReleasesItsDependents(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		switch {
		case strings.Contains(req.Prompt, "base prompt"):
			return okResponse("base output")
		case strings.Contains(req.Prompt, "bad prompt"):
			return nil, &provider.DispatchError{Class: provider.ClassFatal, Model: req.Model, Err: errors.New("rejected")}
		default:
			return okResponse("chain output")
		}
	})

	// One worker makes scheduling deterministic: dependents of "base" are
	// released in sorted order, so "bad" fails (cancelling the run) before
	// "x1" is dequeued. "x1" is then skipped at the top of the worker
	// loop, and "x2" is only reachable through x1's skip cascade.
	base := stageCfg("base", "dyn-a")
	base.Prompt = "base prompt"
	bad := stageCfg("bad", "dyn-a", "stage.base")
	bad.Prompt = "bad prompt"
	x1 := stageCfg("x1", "dyn-a", "stage.base")
	x2 := stageCfg("x2", "dyn-a", "stage.x1")
	model := &config.Model{
		Settings: config.Settings{Workers: 1},
		Seeds:    map[string]*config.Seed{},
		Stages:   map[string]*config.Stage{"base": base, "bad": bad, "x1": x1, "x2": x2},
	}

	plan, err := Build(context.Background(), model, rig.reg)
	require.NoError(t, err)
	exec := New(plan, rig.store, rig.mgr, rig.client, &gasket.Extractor{}, rig.reg, rig.flight)

	type runResult struct {
		report *Report
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		report, err := exec.Run(context.Background())
		done <- runResult{report, err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return: a skipped node's dependents were never released")
	}

	require.Error(t, res.err)
	report := res.report
	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped, "both x1 and its dependent x2 must be skipped")
	assert.Equal(t, DispositionPartial, report.Disposition())
}

func TestRun_PartialFailurePreservesUpstreamArtifacts(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		if strings.Contains(req.Prompt, "stage two prompt") {
			return nil, &provider.DispatchError{Class: provider.ClassFatal, Model: req.Model, Err: errors.New("boom")}
		}
		return okResponse("upstream ok")
	})

	first := stageCfg("first", "dyn-a")
	second := stageCfg("second", "dyn-a", "stage.first")
	second.Prompt = "stage two prompt"
	model := &config.Model{
		Settings: config.Settings{Workers: 2},
		Seeds:    map[string]*config.Seed{},
		Stages:   map[string]*config.Stage{"first": first, "second": second},
	}

	report, err := rig.run(t, model)
	require.Error(t, err)
	assert.Equal(t, DispositionPartial, report.Disposition())
	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 1, report.Failed)

	// Resume: the upstream artifact is reused, only the failed stage is
	// recomputed.
	rig.client.script = func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse("second try works")
	}
	callsBefore := rig.client.totalCalls()

	report2, err := rig.run(t, model)
	require.NoError(t, err)
	assert.Equal(t, 1, report2.CacheHits)
	assert.Equal(t, 1, report2.Computed)
	assert.Equal(t, callsBefore+1, rig.client.totalCalls(), "resumption recomputes only the failed stage")
}

func TestRun_SubstitutionRecordedInProvenance(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse("from substitute")
	})

	// Drive dyn-a to Unavailable: five consecutive retryable failures.
	for i := 0; i < 5; i++ {
		rig.mgr.RecordOutcome("dyn-a", capacityError("dyn-a"))
	}
	require.Equal(t, health.Unavailable, rig.mgr.StateOf("dyn-a"))

	report, err := rig.run(t, singleStageModel("dyn-a"))
	require.NoError(t, err)

	res := report.Results[0]
	assert.NotEqual(t, "dyn-a", res.ModelUsed)

	rec, ok := rig.store.Provenance(context.Background(), res.Hash)
	require.True(t, ok)
	assert.Equal(t, "dyn-a", rec.SubstitutedFor)
	assert.Equal(t, res.ModelUsed, rec.ModelID)
}

func TestRun_NoViableModelCancels(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse("unreachable")
	})

	for _, id := range []string{"fixed-m", "dyn-a", "dyn-b"} {
		for i := 0; i < 5; i++ {
			rig.mgr.RecordOutcome(id, capacityError(id))
		}
	}

	_, err := rig.run(t, singleStageModel("dyn-a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoViableModel)
	assert.Equal(t, 0, rig.client.totalCalls())
}

func TestRun_SeedFlowsIntoPromptAndProvenance(t *testing.T) {
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(seedPath, []byte("the quarterly numbers"), 0o644))

	var sawPrompt string
	var mu sync.Mutex
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		mu.Lock()
		sawPrompt = req.Prompt
		mu.Unlock()
		return okResponse("summarized")
	})

	stage := stageCfg("summarize", "dyn-a", "seed.doc")
	model := &config.Model{
		Settings: config.Settings{Workers: 2},
		Seeds:    map[string]*config.Seed{"doc": {Name: "doc", Path: seedPath}},
		Stages:   map[string]*config.Stage{"summarize": stage},
	}

	report, err := rig.run(t, model)
	require.NoError(t, err)

	mu.Lock()
	prompt := sawPrompt
	mu.Unlock()
	assert.Contains(t, prompt, "the quarterly numbers")
	assert.Contains(t, prompt, testSchema.StartMarker())

	var stageRes StageResult
	for _, res := range report.Results {
		if res.ID == "stage.summarize" {
			stageRes = res
		}
	}
	rec, ok := rig.store.Provenance(context.Background(), stageRes.Hash)
	require.True(t, ok)
	require.Len(t, rec.UpstreamHashes, 1)
	assert.Equal(t, artifact.HashBytes([]byte("the quarterly numbers")), rec.UpstreamHashes[0])
}

func TestRun_DiamondDependenciesJoinBeforeDispatch(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		switch {
		case strings.Contains(req.Prompt, "left prompt"):
			return okResponse("left output")
		case strings.Contains(req.Prompt, "right prompt"):
			return okResponse("right output")
		default:
			// The join stage must see both upstream payloads.
			if !strings.Contains(req.Prompt, "left output") || !strings.Contains(req.Prompt, "right output") {
				return nil, &provider.DispatchError{Class: provider.ClassFatal, Err: errors.New("join dispatched before inputs ready")}
			}
			return okResponse("joined")
		}
	})

	left := stageCfg("left", "dyn-a")
	left.Prompt = "left prompt"
	right := stageCfg("right", "dyn-a")
	right.Prompt = "right prompt"
	join := stageCfg("join", "dyn-a", "stage.left", "stage.right")

	model := &config.Model{
		Settings: config.Settings{Workers: 4},
		Seeds:    map[string]*config.Seed{},
		Stages:   map[string]*config.Stage{"left": left, "right": right, "join": join},
	}

	report, err := rig.run(t, model)
	require.NoError(t, err)
	assert.Equal(t, DispositionSuccess, report.Disposition())
	assert.Equal(t, 3, report.Computed)
}

func TestRun_CancellationPropagates(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, capacityError(req.Model)
	})

	plan, err := Build(context.Background(), singleStageModel("dyn-a"), rig.reg)
	require.NoError(t, err)
	exec := New(plan, rig.store, rig.mgr, rig.client, &gasket.Extractor{}, rig.reg, rig.flight)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var report *Report
	go func() {
		report, _ = exec.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	// No partial artifact is observable.
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Computed)
	_, ok := rig.store.Has(context.Background(), "anything")
	assert.False(t, ok)
}

func TestRun_FixedQuotaStagesAreLocallyPaced(t *testing.T) {
	rig := newRig(t, func(call int, req provider.Request) (*provider.Response, error) {
		return okResponse(fmt.Sprintf("r%d", call))
	})

	a := stageCfg("a", "fixed-m")
	a.Prompt = "prompt a"
	b := stageCfg("b", "fixed-m")
	b.Prompt = "prompt b"
	model := &config.Model{
		Settings: config.Settings{Workers: 2},
		Seeds:    map[string]*config.Seed{},
		Stages:   map[string]*config.Stage{"a": a, "b": b},
	}

	start := time.Now()
	report, err := rig.run(t, model)
	require.NoError(t, err)

	// 600 rpm with burst one: the second request waits for the window.
	assert.Equal(t, DispositionSuccess, report.Disposition())
	assert.Equal(t, 2, rig.client.totalCalls())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, health.Healthy, rig.mgr.StateOf("fixed-m"))
}
