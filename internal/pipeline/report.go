package pipeline

import (
	"sort"
)

// Disposition is the overall outcome of a run.
type Disposition int

const (
	// DispositionSuccess: every node completed.
	DispositionSuccess Disposition = iota
	// DispositionPartial: some nodes completed (and remain cached for
	// resumption), others failed or were skipped.
	DispositionPartial
	// DispositionFatal: nothing completed.
	DispositionFatal
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionPartial:
		return "partial_failure"
	case DispositionFatal:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// StageResult is the final disposition of one node.
type StageResult struct {
	ID         string
	State      State
	Hash       string
	CacheHit   bool
	Attempts   int
	Extraction string
	ModelUsed  string
	Err        error
}

// Report summarizes a run: which stages succeeded and remain cached,
// which failed, and the aggregate cost of the fresh computation.
type Report struct {
	RunID       string
	Results     []StageResult
	CacheHits   int
	Computed    int
	Failed      int
	Skipped     int
	TotalTokens int
	TotalCost   float64
}

// Disposition derives the run outcome from the per-node results.
func (r *Report) Disposition() Disposition {
	completed := r.CacheHits + r.Computed
	if r.Failed == 0 && r.Skipped == 0 {
		return DispositionSuccess
	}
	if completed > 0 {
		return DispositionPartial
	}
	return DispositionFatal
}

// buildReport collects node results in deterministic order.
func buildReport(runID string, nodes map[string]*Node, totalTokens int, totalCost float64) *Report {
	report := &Report{RunID: runID, TotalTokens: totalTokens, TotalCost: totalCost}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := nodes[id]
		res := StageResult{
			ID:        n.ID,
			State:     n.State(),
			Hash:      n.Hash,
			CacheHit:  n.CacheHit,
			Attempts:  n.Attempts,
			ModelUsed: n.ModelUsed,
			Err:       n.Err,
		}
		if n.Stage != nil && n.State() == StateDone && !n.CacheHit {
			res.Extraction = n.Extraction.String()
		}
		report.Results = append(report.Results, res)

		switch n.State() {
		case StateDone:
			// Seed ingests complete but are not computations; only
			// stages count toward the cache-hit/computed totals.
			if n.Stage == nil {
				break
			}
			if n.CacheHit {
				report.CacheHits++
			} else {
				report.Computed++
			}
		case StateSkipped:
			report.Skipped++
		case StateFailed:
			report.Failed++
		default:
			// Nodes never picked up (cancelled before scheduling)
			// count as skipped.
			report.Skipped++
		}
	}
	return report
}
