package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/vk/refinery/internal/artifact"
	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/health"
	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

// Flight deduplicates concurrent executions of the same fingerprint. One
// Flight is shared by every executor running against the same artifact
// store, so at-most-one dispatch holds across concurrent pipeline runs.
type Flight struct {
	group singleflight.Group
}

// NewFlight returns an empty Flight.
func NewFlight() *Flight {
	return &Flight{}
}

// Executor drives a plan through a pool of concurrent workers.
type Executor struct {
	plan      *Plan
	store     artifact.Store
	health    *health.Manager
	client    provider.Client
	extractor *gasket.Extractor
	reg       *registry.Registry
	flight    *Flight
	runID     string

	wg sync.WaitGroup

	totalsMu    sync.Mutex
	totalTokens int
	totalCost   float64
}

// New wires an executor. flight may be shared with other executors over
// the same store; passing nil creates a private one.
func New(plan *Plan, store artifact.Store, healthMgr *health.Manager, client provider.Client, extractor *gasket.Extractor, reg *registry.Registry, flight *Flight) *Executor {
	if flight == nil {
		flight = NewFlight()
	}
	return &Executor{
		plan:      plan,
		store:     store,
		health:    healthMgr,
		client:    client,
		extractor: extractor,
		reg:       reg,
		flight:    flight,
		runID:     uuid.NewString(),
	}
}

// RunID identifies this run in provenance records.
func (e *Executor) RunID() string { return e.runID }

// Run executes the entire plan concurrently. It always returns a report;
// the error is the root cause when any node failed terminally.
func (e *Executor) Run(ctx context.Context) (*Report, error) {
	logger := ctxlog.FromContext(ctx).With("runID", e.runID)
	ctx = ctxlog.WithLogger(ctx, logger)

	readyChan := make(chan *Node, len(e.plan.Nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Debug("Initializing executor, finding root nodes.")
	rootCount := 0
	for _, n := range e.plan.Nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
			rootCount++
		}
	}
	logger.Debug("Found all root nodes.", "count", rootCount)

	e.wg.Add(len(e.plan.Nodes))

	logger.Debug("Starting worker pool.", "workers", e.plan.Workers)
	for i := 0; i < e.plan.Workers; i++ {
		go e.worker(runCtx, readyChan, cancel, i)
	}

	logger.Info("Waiting for all nodes to complete...")
	e.wg.Wait()
	logger.Info("All nodes completed.")
	close(readyChan)

	report := buildReport(e.runID, e.plan.Nodes, e.totalTokens, e.totalCost)

	var failedNodes []string
	var rootCause error
	for _, res := range report.Results {
		if res.State == StateFailed && res.Err != nil && !errors.Is(res.Err, context.Canceled) {
			failedNodes = append(failedNodes, res.ID)
			if rootCause == nil {
				rootCause = res.Err
			}
		}
	}
	if rootCause != nil {
		return report, fmt.Errorf("execution failed for %s: %w", strings.Join(failedNodes, ", "), rootCause)
	}
	return report, nil
}

// worker is the core processing loop for a single concurrent worker.
func (e *Executor) worker(ctx context.Context, readyChan chan *Node, cancel context.CancelFunc, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for n := range readyChan {
		workerLogger := logger.With("workerID", workerID, "nodeID", n.ID)

		if ctx.Err() != nil {
			n.skipOnce.Do(func() {
				workerLogger.Warn("Context canceled, skipping node execution.")
				n.setState(StateSkipped)
				n.Err = ctx.Err()
				e.wg.Done()
				// Dependents of a skipped node will never become ready
				// through the normal countdown; release them too or the
				// WaitGroup never drains.
				e.skipDependents(ctx, n)
			})
			continue
		}

		workerLogger.Debug("Worker picked up node for execution.")
		var err error
		if n.Seed != nil {
			err = e.executeSeedNode(ctx, n)
		} else {
			err = e.executeStageNode(ctx, n)
		}

		if err != nil {
			workerLogger.Error("Node execution failed.", "error", err)
			n.setState(StateFailed)
			n.Err = err
			cancel()
			e.skipDependents(ctx, n)
			e.wg.Done()
			continue
		}

		workerLogger.Debug("Node execution succeeded.")
		n.setState(StateDone)

		for _, dependent := range n.Dependents {
			if dependent.depCount.Add(-1) == 0 {
				workerLogger.Debug("Unlocking dependent node.", "dependentID", dependent.ID)
				readyChan <- dependent
			}
		}
		e.wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// skipDependents recursively marks all downstream nodes as skipped.
func (e *Executor) skipDependents(ctx context.Context, n *Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range n.Dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping dependent node due to upstream failure.", "nodeID", dependent.ID, "dependency", n.ID)
			dependent.setState(StateSkipped)
			dependent.Err = fmt.Errorf("skipped due to upstream failure of '%s'", n.ID)
			e.wg.Done()
			e.skipDependents(ctx, dependent)
		})
	}
}

// executeSeedNode ingests a raw source file into the store so provenance
// chains terminate at a real hash.
func (e *Executor) executeSeedNode(ctx context.Context, n *Node) error {
	logger := ctxlog.FromContext(ctx).With("seed", n.ID)
	logger.Info("📥 Ingesting seed")

	data, err := os.ReadFile(n.Seed.Path)
	if err != nil {
		return &artifact.StorageError{Op: "seed read", Path: n.Seed.Path, Err: err}
	}
	hash, err := e.store.PutSeed(ctx, data)
	if err != nil {
		return err
	}
	n.Hash = hash

	logger.Info("✅ Seed ingested", "hash", shortHash(hash))
	return nil
}

// addTotals accumulates usage from one fresh computation.
func (e *Executor) addTotals(tokens int, cost float64) {
	e.totalsMu.Lock()
	e.totalTokens += tokens
	e.totalCost += cost
	e.totalsMu.Unlock()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
