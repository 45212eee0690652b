package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/refinery/internal/gasket"
	"github.com/vk/refinery/internal/provider"
)

// ScriptedClient is a provider fake driven by a script function. The script
// receives the global call number, starting at 1.
type ScriptedClient struct {
	mu      sync.Mutex
	calls   int
	byModel map[string]int
	Script  func(call int, req provider.Request) (*provider.Response, error)
}

// NewScriptedClient wraps a script function in a Client.
func NewScriptedClient(script func(call int, req provider.Request) (*provider.Response, error)) *ScriptedClient {
	return &ScriptedClient{byModel: make(map[string]int), Script: script}
}

// Complete implements provider.Client.
func (c *ScriptedClient) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.byModel[req.Model]++
	c.mu.Unlock()
	return c.Script(call, req)
}

// Calls reports the total number of dispatches observed.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// CallsFor reports the dispatches a single model received.
func (c *ScriptedClient) CallsFor(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byModel[model]
}

// MarkedResponse builds a well-formed completion: conversational filler
// around a marker-wrapped JSON payload.
func MarkedResponse(schema gasket.Schema, payloadJSON string) *provider.Response {
	return &provider.Response{
		Text:       "Certainly! Here is the result.\n" + schema.Wrap(payloadJSON) + "\nLet me know if you need anything else.",
		TokensUsed: 25,
		CostUSD:    0.0025,
	}
}

// CapacityError builds the dispatch error a saturated provider returns.
func CapacityError(model string) error {
	return &provider.DispatchError{
		Class: provider.ClassCapacity,
		Model: model,
		Err:   fmt.Errorf("model '%s' has no capacity", model),
	}
}
