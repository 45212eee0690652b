package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vk/refinery/internal/artifact"
	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/health"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

// ErrNoViableModel is returned when a stage's model is unavailable and the
// health manager cannot propose a substitute.
var ErrNoViableModel = errors.New("no viable model")

// promptCharsPerToken is the rough estimate used when charging a prompt
// against a fixed tokens-per-minute budget.
const promptCharsPerToken = 4

// stageOutcome is the shared result of one fingerprint's computation.
type stageOutcome struct {
	hash       string
	cacheHit   bool
	attempts   int
	extraction gasket.Outcome
	modelUsed  string
}

// executeStageNode runs one stage through the fingerprint/cache/dispatch
// state machine. Concurrent invocations of the same fingerprint share a
// single computation through the flight group.
func (e *Executor) executeStageNode(ctx context.Context, n *Node) error {
	logger := ctxlog.FromContext(ctx).With("stage", n.ID)
	logger.Info("▶️ Starting stage")

	// All inputs are complete by the time this node is scheduled.
	inputHashes := make([]string, len(n.Stage.Inputs))
	for i, input := range n.Stage.Inputs {
		dep, ok := e.plan.Nodes[input]
		if !ok || dep.Hash == "" {
			return fmt.Errorf("stage '%s' scheduled before input '%s' completed", n.Stage.Name, input)
		}
		inputHashes[i] = dep.Hash
	}

	cfg, err := n.Stage.CanonicalConfig()
	if err != nil {
		return fmt.Errorf("stage '%s': canonical config: %w", n.Stage.Name, err)
	}
	fp := artifact.Fingerprint(n.Stage.Name, inputHashes, cfg)
	n.setState(StateCacheCheck)

	res, err, shared := e.flight.group.Do(fp, func() (any, error) {
		return e.computeStage(ctx, n, fp, inputHashes)
	})
	if err != nil {
		return err
	}

	out := res.(*stageOutcome)
	n.Hash = out.hash
	n.CacheHit = out.cacheHit
	n.Attempts = out.attempts
	n.Extraction = out.extraction
	n.ModelUsed = out.modelUsed

	if out.cacheHit {
		logger.Info("♻️ Stage satisfied from cache", "hash", shortHash(out.hash))
	} else {
		logger.Info("✅ Finished stage", "hash", shortHash(out.hash), "attempts", out.attempts, "shared", shared)
	}
	return nil
}

// computeStage is the body of one fingerprint's computation: cache check,
// model selection, then the dispatch/extract/store loop.
func (e *Executor) computeStage(ctx context.Context, n *Node, fp string, inputHashes []string) (*stageOutcome, error) {
	logger := ctxlog.FromContext(ctx).With("stage", n.Stage.Name, "fingerprint", shortHash(fp))
	stage := n.Stage

	if hash, ok := e.store.Has(ctx, fp); ok {
		logger.Debug("Fingerprint already computed.")
		return &stageOutcome{hash: hash, cacheHit: true}, nil
	}

	modelID, substitutedFor, err := e.selectModel(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("stage '%s' (fingerprint %s): %w", stage.Name, fp, err)
	}
	strategy, err := e.health.Strategy(modelID)
	if err != nil {
		return nil, fmt.Errorf("stage '%s': %w", stage.Name, err)
	}

	prompt, err := e.buildPrompt(ctx, stage, inputHashes)
	if err != nil {
		return nil, fmt.Errorf("stage '%s': %w", stage.Name, err)
	}
	schema := gasket.Schema{
		Name:     stage.Schema.Name,
		Version:  stage.Schema.Version,
		Required: stage.Schema.Required,
	}

	unit := &WorkUnit{Fingerprint: fp, ModelID: modelID}
	bo := strategy.NewBackoff()

	for {
		unit.Attempt++
		unit.Status = WorkInFlight
		n.setState(StateDispatching)

		payload, extraction, resp, attemptErr := e.attempt(ctx, n, strategy, modelID, prompt, schema, stage.Timeout)
		unit.record(classifyOutcome(attemptErr))

		switch Decide(unit.History, stage.MaxRetries) {
		case ActionDone:
			n.setState(StateStoring)
			content, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("stage '%s': encode payload: %w", stage.Name, err)
			}
			hash, err := e.store.Put(ctx, content, artifact.Metadata{
				ModelID:    modelID,
				TokensUsed: resp.TokensUsed,
				CostUSD:    resp.CostUSD,
			}, artifact.ProvenanceRecord{
				Fingerprint:    fp,
				StageID:        stage.Name,
				UpstreamHashes: inputHashes,
				ModelID:        modelID,
				SubstitutedFor: substitutedFor,
				RunID:          e.runID,
			})
			if err != nil {
				return nil, fmt.Errorf("stage '%s' (fingerprint %s): %w", stage.Name, fp, err)
			}
			e.addTotals(resp.TokensUsed, resp.CostUSD)
			return &stageOutcome{
				hash:       hash,
				attempts:   unit.Attempt,
				extraction: extraction,
				modelUsed:  modelID,
			}, nil

		case ActionFail:
			return nil, fmt.Errorf("stage '%s' (fingerprint %s) failed after %d attempt(s): %w",
				stage.Name, fp, unit.Attempt, attemptErr)

		case ActionRetry:
			n.setState(StateRetrying)
			wait := bo.NextBackOff()
			var de *provider.DispatchError
			if errors.As(attemptErr, &de) && de.RetryAfter > wait {
				wait = de.RetryAfter
			}
			logger.Warn("Retrying stage after failure.", "attempt", unit.Attempt, "wait", wait, "error", attemptErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, fmt.Errorf("stage '%s' (fingerprint %s): %w", stage.Name, fp, err)
			}
		}
	}
}

// attempt performs one dispatch plus extraction. The returned error is nil
// only when payload is valid against the schema.
func (e *Executor) attempt(ctx context.Context, n *Node, strategy health.Strategy, modelID, prompt string, schema gasket.Schema, timeout time.Duration) (gasket.Payload, gasket.Outcome, *provider.Response, error) {
	if err := strategy.Acquire(ctx, len(prompt)/promptCharsPerToken); err != nil {
		return nil, gasket.OutcomeFailed, nil, err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := e.client.Complete(dispatchCtx, provider.Request{Model: modelID, Prompt: prompt})
	cancel()
	if err != nil {
		err = reclassifyTimeout(err, strategy.Quota())
		e.health.RecordOutcome(modelID, err)
		return nil, gasket.OutcomeFailed, nil, err
	}
	e.health.RecordOutcome(modelID, nil)

	n.setState(StateExtracting)
	payload, res := e.extractor.Extract(ctx, resp.Text, schema)
	if res.Outcome == gasket.OutcomeFailed {
		return nil, res.Outcome, resp, res.Err
	}
	return payload, res.Outcome, resp, nil
}

// selectModel consults the health manager before committing to a model.
// A substitution is advisory; accepting it is this orchestrator's call and
// the decision is logged and recorded in provenance.
func (e *Executor) selectModel(ctx context.Context, stage *config.Stage) (modelID, substitutedFor string, err error) {
	logger := ctxlog.FromContext(ctx)
	modelID = stage.Model

	switch rec := e.health.Recommend(modelID); rec.Action {
	case health.Proceed:
		return modelID, "", nil
	case health.Substitute:
		logger.Warn("Substituting unavailable model.",
			"stage", stage.Name, "configured", modelID, "substitute", rec.Alt.ID)
		return rec.Alt.ID, modelID, nil
	default:
		return "", "", fmt.Errorf("model '%s' is unavailable and no substitute shares its capability: %w",
			modelID, ErrNoViableModel)
	}
}

// buildPrompt assembles the stage prompt: instruction text, each input
// artifact's content, and the marker envelope the producer must use.
func (e *Executor) buildPrompt(ctx context.Context, stage *config.Stage, inputHashes []string) (string, error) {
	schema := gasket.Schema{Name: stage.Schema.Name, Version: stage.Schema.Version}

	var b strings.Builder
	b.WriteString(stage.Prompt)
	for i, input := range stage.Inputs {
		content, err := e.store.Get(ctx, inputHashes[i])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n\n--- %s ---\n%s", input, content)
	}
	fmt.Fprintf(&b, "\n\nRespond with a single JSON object containing the fields: %s. Wrap it between %s and %s.",
		strings.Join(stage.Schema.Required, ", "), schema.StartMarker(), schema.EndMarker())
	return b.String(), nil
}

// classifyOutcome maps an attempt error onto the outcome taxonomy.
func classifyOutcome(err error) Outcome {
	if err == nil {
		return Outcome{Class: OutcomeSuccess}
	}

	var schemaErr *gasket.SchemaViolationError
	switch {
	case errors.As(err, &schemaErr):
		// Parses but permanently unsatisfiable against the schema.
		return Outcome{Class: OutcomeTerminalFailure, Err: err}
	case errors.Is(err, context.Canceled):
		return Outcome{Class: OutcomeTerminalFailure, Err: err}
	case errors.Is(err, ErrNoViableModel):
		return Outcome{Class: OutcomeTerminalFailure, Err: err}
	}

	var extErr *gasket.ExtractionError
	if errors.As(err, &extErr) {
		return Outcome{Class: OutcomeTransientFailure, Err: err}
	}

	var storageErr *artifact.StorageError
	if errors.As(err, &storageErr) {
		return Outcome{Class: OutcomeTerminalFailure, Err: err}
	}

	if provider.Retryable(err) {
		return Outcome{Class: OutcomeTransientFailure, Err: err}
	}
	return Outcome{Class: OutcomeTerminalFailure, Err: err}
}

// reclassifyTimeout applies the deadline policy: expiry is transient for
// fixed-quota models and capacity exhaustion for dynamic-shared ones.
func reclassifyTimeout(err error, quota registry.QuotaClass) error {
	if quota != registry.QuotaDynamicShared || !provider.IsTimeout(err) {
		return err
	}
	var de *provider.DispatchError
	if errors.As(err, &de) {
		de.Class = provider.ClassCapacity
	}
	return err
}

// sleepCtx waits for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
