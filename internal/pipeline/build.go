package pipeline

import (
	"context"
	"fmt"

	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/dag"
	"github.com/vk/refinery/internal/registry"
)

// Plan is a validated, executable pipeline.
type Plan struct {
	Nodes   map[string]*Node
	Workers int
}

// Build constructs a complete, validated execution plan from a config
// model, checking every stage's model against the registry and the
// dependency graph for cycles.
func Build(ctx context.Context, model *config.Model, reg *registry.Registry) (*Plan, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Build: starting plan construction.")

	graph := dag.New()
	nodes := make(map[string]*Node)

	for name, seed := range model.Seeds {
		id := "seed." + name
		nodes[id] = &Node{ID: id, Seed: seed}
		graph.AddNode(id)
	}
	for name, stage := range model.Stages {
		if _, ok := reg.Model(stage.Model); !ok {
			return nil, fmt.Errorf("stage '%s' uses model '%s' which is not in the registry", name, stage.Model)
		}
		id := "stage." + name
		nodes[id] = &Node{ID: id, Stage: stage}
		graph.AddNode(id)
	}

	for _, n := range nodes {
		if n.Stage == nil {
			continue
		}
		for _, input := range n.Stage.Inputs {
			if err := graph.AddEdge(input, n.ID); err != nil {
				return nil, fmt.Errorf("stage '%s': %w", n.Stage.Name, err)
			}
		}
	}

	if err := graph.DetectCycles(); err != nil {
		return nil, err
	}

	// Materialize adjacency and dependency counters for the executor.
	for _, n := range nodes {
		deps, err := graph.Dependencies(n.ID)
		if err != nil {
			return nil, err
		}
		for _, depID := range deps {
			n.Deps = append(n.Deps, nodes[depID])
		}
		n.depCount.Store(int32(len(deps)))

		dependents, err := graph.Dependents(n.ID)
		if err != nil {
			return nil, err
		}
		for _, depID := range dependents {
			n.Dependents = append(n.Dependents, nodes[depID])
		}
	}

	workers := model.Settings.Workers
	if workers <= 0 {
		workers = config.DefaultWorkers
	}

	logger.Debug("Build: plan construction complete.", "node_count", len(nodes), "workers", workers)
	return &Plan{Nodes: nodes, Workers: workers}, nil
}
