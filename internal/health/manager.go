package health

import (
	"fmt"
	"sync/atomic"

	"github.com/vk/refinery/internal/provider"
	"github.com/vk/refinery/internal/registry"
)

// State is a model's current health.
type State int32

const (
	Healthy State = iota
	Degraded
	Unavailable
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// unavailableAfter is the number of consecutive retryable failures that
// marks a model Unavailable. The first failure already marks it Degraded;
// a single success resets to Healthy.
const unavailableAfter = 5

// Action is the closed set of recommendations for an unhealthy model.
type Action int

const (
	Proceed Action = iota
	Substitute
	Cancel
)

func (a Action) String() string {
	switch a {
	case Proceed:
		return "proceed"
	case Substitute:
		return "substitute"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Recommendation is advisory; the orchestrator makes the final call and
// logs the decision for provenance.
type Recommendation struct {
	Action Action
	Alt    *registry.ModelDescriptor
}

// modelState is mutated only through atomic operations.
type modelState struct {
	state       atomic.Int32
	consecutive atomic.Int32
}

// Manager owns per-model health state and the strategy for each model.
type Manager struct {
	reg        *registry.Registry
	strategies map[string]Strategy
	states     map[string]*modelState
}

// NewManager resolves every registry model's quota class into a strategy
// object up front. No string-keyed branching happens at dispatch time.
func NewManager(reg *registry.Registry) *Manager {
	m := &Manager{
		reg:        reg,
		strategies: make(map[string]Strategy),
		states:     make(map[string]*modelState),
	}
	for _, desc := range reg.Models() {
		if desc.Quota == registry.QuotaFixed {
			m.strategies[desc.ID] = newFixedStrategy(desc)
		} else {
			m.strategies[desc.ID] = &dynamicStrategy{}
		}
		m.states[desc.ID] = &modelState{}
	}
	return m
}

// Strategy returns the dispatch strategy for a model.
func (m *Manager) Strategy(modelID string) (Strategy, error) {
	s, ok := m.strategies[modelID]
	if !ok {
		return nil, fmt.Errorf("model '%s' not in registry", modelID)
	}
	return s, nil
}

// StateOf returns a model's current health state.
func (m *Manager) StateOf(modelID string) State {
	ms, ok := m.states[modelID]
	if !ok {
		return Unavailable
	}
	return State(ms.state.Load())
}

// RecordOutcome transitions a model's health after one dispatch attempt
// and returns the resulting state. A nil err is a success and resets the
// model to Healthy. Retryable failures degrade it, crossing to
// Unavailable after unavailableAfter consecutive ones; quota violations
// and fatal errors mark it Unavailable immediately.
func (m *Manager) RecordOutcome(modelID string, err error) State {
	ms, ok := m.states[modelID]
	if !ok {
		return Unavailable
	}

	if err == nil {
		ms.consecutive.Store(0)
		ms.state.Store(int32(Healthy))
		return Healthy
	}

	switch provider.ClassOf(err) {
	case provider.ClassQuotaViolation, provider.ClassFatal:
		ms.state.Store(int32(Unavailable))
		return Unavailable
	default:
		n := ms.consecutive.Add(1)
		next := Degraded
		if n >= unavailableAfter {
			next = Unavailable
		}
		ms.state.Store(int32(next))
		return next
	}
}

// Recommend is consulted before committing a run that depends on modelID.
// Healthy and Degraded models proceed. For an Unavailable model it
// proposes the first non-Unavailable model sharing the capability tag, or
// cancellation when none exists.
func (m *Manager) Recommend(modelID string) Recommendation {
	if m.StateOf(modelID) != Unavailable {
		return Recommendation{Action: Proceed}
	}

	desc, ok := m.reg.Model(modelID)
	if !ok {
		return Recommendation{Action: Cancel}
	}
	for _, alt := range m.reg.ByCapability(desc.Capability) {
		if alt.ID == modelID {
			continue
		}
		if m.StateOf(alt.ID) != Unavailable {
			return Recommendation{Action: Substitute, Alt: alt}
		}
	}
	return Recommendation{Action: Cancel}
}
