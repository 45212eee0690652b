package pipeline

// WorkStatus is the lifecycle of one dispatch attempt series.
type WorkStatus int

const (
	WorkPending WorkStatus = iota
	WorkInFlight
	WorkSucceeded
	WorkFailed
	WorkRetrying
)

func (s WorkStatus) String() string {
	switch s {
	case WorkPending:
		return "pending"
	case WorkInFlight:
		return "in_flight"
	case WorkSucceeded:
		return "succeeded"
	case WorkFailed:
		return "failed"
	case WorkRetrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// WorkUnit tracks one stage execution's dispatch attempts. The orchestrator
// exclusively owns its lifecycle; it is summarized into an artifact or a
// terminal failure when the stage finishes.
type WorkUnit struct {
	Fingerprint string
	ModelID     string
	Attempt     int
	Status      WorkStatus
	History     []Outcome
}

// record appends an attempt outcome and advances the status.
func (w *WorkUnit) record(o Outcome) {
	w.History = append(w.History, o)
	switch o.Class {
	case OutcomeSuccess:
		w.Status = WorkSucceeded
	case OutcomeTerminalFailure:
		w.Status = WorkFailed
	default:
		w.Status = WorkRetrying
	}
}
