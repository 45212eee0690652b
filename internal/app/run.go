package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/refinery/internal/ctxlog"
	"github.com/vk/refinery/internal/pipeline"
)

// Run executes the loaded pipeline and returns its report. The report is
// non-nil whenever execution started; the error carries the root cause of
// any terminal stage failure.
func (a *App) Run(ctx context.Context) (*pipeline.Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()
	defer a.closeHealthCheckServer()

	a.logger.Debug("Building execution plan from pipeline definition...")
	plan, err := pipeline.Build(ctx, a.model, a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to build execution plan: %w", err)
	}
	a.logger.Debug("Execution plan built.", "node_count", len(plan.Nodes))

	if len(plan.Nodes) == 0 {
		a.logger.Warn("Pipeline declares no seeds or stages, nothing to do.")
		return &pipeline.Report{}, nil
	}

	a.logger.Info("🚀 Starting concurrent execution...", "workers", plan.Workers)
	exec := pipeline.New(plan, a.store, a.health, a.client, a.extractor, a.registry, nil)
	report, runErr := exec.Run(ctx)
	a.logger.Info("🏁 Execution finished.", "disposition", report.Disposition().String())

	a.printReport(report)
	a.logger.Debug("App.Run method finished.")
	return report, runErr
}

// printReport writes the human-facing run summary.
func (a *App) printReport(report *pipeline.Report) {
	fmt.Fprintf(a.outW, "\nRun %s: %s\n", report.RunID, report.Disposition())
	for _, res := range report.Results {
		switch {
		case strings.HasPrefix(res.ID, "seed.") && res.State == pipeline.StateDone:
			fmt.Fprintf(a.outW, "  %-30s ingested  %s\n", res.ID, shortHash(res.Hash))
		case res.CacheHit:
			fmt.Fprintf(a.outW, "  %-30s cached    %s\n", res.ID, shortHash(res.Hash))
		case res.State == pipeline.StateDone:
			fmt.Fprintf(a.outW, "  %-30s computed  %s (attempts=%d, extraction=%s, model=%s)\n",
				res.ID, shortHash(res.Hash), res.Attempts, res.Extraction, res.ModelUsed)
		case res.State == pipeline.StateFailed:
			fmt.Fprintf(a.outW, "  %-30s FAILED    %v\n", res.ID, res.Err)
		default:
			fmt.Fprintf(a.outW, "  %-30s skipped\n", res.ID)
		}
	}
	fmt.Fprintf(a.outW, "Cached: %d  Computed: %d  Failed: %d  Skipped: %d  Tokens: %d  Cost: $%.4f\n",
		report.CacheHits, report.Computed, report.Failed, report.Skipped,
		report.TotalTokens, report.TotalCost)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
