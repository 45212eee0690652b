package pipeline

// OutcomeClass classifies one attempt of a stage execution. Retry policy
// is a pure function of the outcome history, not of control flow.
type OutcomeClass int

const (
	OutcomeSuccess OutcomeClass = iota
	OutcomeTransientFailure
	OutcomeTerminalFailure
)

// Outcome is the result of a single attempt.
type Outcome struct {
	Class OutcomeClass
	Err   error
}

// Action is what the state machine does after an attempt.
type Action int

const (
	ActionDone Action = iota
	ActionRetry
	ActionFail
)

// Decide maps an outcome history onto the next action. maxRetries bounds
// the number of re-dispatches after the first attempt.
func Decide(history []Outcome, maxRetries int) Action {
	if len(history) == 0 {
		return ActionRetry
	}
	last := history[len(history)-1]
	switch last.Class {
	case OutcomeSuccess:
		return ActionDone
	case OutcomeTerminalFailure:
		return ActionFail
	default:
		if len(history) > maxRetries {
			return ActionFail
		}
		return ActionRetry
	}
}
