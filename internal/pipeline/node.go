package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/vk/refinery/internal/config"
	"github.com/vk/refinery/internal/gasket"
)

// State is the execution state of one node.
type State int32

const (
	StatePending State = iota
	StateCacheCheck
	StateDispatching
	StateExtracting
	StateStoring
	StateRetrying
	StateDone
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCacheCheck:
		return "cache_check"
	case StateDispatching:
		return "dispatching"
	case StateExtracting:
		return "extracting"
	case StateStoring:
		return "storing"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Node is one vertex of the execution plan: either a seed ingest or a
// stage. Exactly one of Seed/Stage is non-nil.
type Node struct {
	ID    string
	Seed  *config.Seed
	Stage *config.Stage

	Deps       []*Node
	Dependents []*Node

	state    atomic.Int32
	depCount atomic.Int32
	skipOnce sync.Once

	// Set by the worker that completes the node.
	Err        error
	Hash       string
	CacheHit   bool
	Attempts   int
	Extraction gasket.Outcome
	ModelUsed  string
}

// State returns the node's current state.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}
