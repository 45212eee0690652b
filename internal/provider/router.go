package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/refinery/internal/registry"
)

// Router fans requests out to the client of the provider that serves each
// model. It is the Client handed to the orchestrator when a registry names
// more than one provider.
type Router struct {
	reg     *registry.Registry
	clients map[string]*HTTPClient
}

// NewRouter builds one HTTPClient per provider named by a registry model.
// Every model must reference a configured provider.
func NewRouter(reg *registry.Registry, timeout time.Duration) (*Router, error) {
	r := &Router{reg: reg, clients: make(map[string]*HTTPClient)}
	for _, desc := range reg.Models() {
		if _, ok := r.clients[desc.Provider]; ok {
			continue
		}
		cfg, ok := reg.Provider(desc.Provider)
		if !ok {
			return nil, fmt.Errorf("model '%s' references provider '%s' which has no configuration", desc.ID, desc.Provider)
		}
		r.clients[desc.Provider] = NewHTTPClient(cfg, timeout)
	}
	return r, nil
}

// Complete routes the request by the model's provider.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	desc, ok := r.reg.Model(req.Model)
	if !ok {
		return nil, &DispatchError{
			Class: ClassFatal,
			Model: req.Model,
			Err:   fmt.Errorf("model '%s' not in registry", req.Model),
		}
	}
	return r.clients[desc.Provider].Complete(ctx, req)
}

// Close releases every provider transport.
func (r *Router) Close() error {
	var firstErr error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
