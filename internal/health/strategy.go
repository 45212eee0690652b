package health

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/vk/refinery/internal/registry"
)

// Strategy is the dispatch discipline for one model, resolved once from
// its quota class at manager construction.
type Strategy interface {
	// Acquire blocks until a dispatch consuming roughly estTokens may
	// proceed under local limits. It returns early if ctx is done.
	Acquire(ctx context.Context, estTokens int) error
	// NewBackoff returns a fresh retry schedule for transient and
	// capacity failures of this model.
	NewBackoff() backoff.BackOff
	// Quota reports which regime this strategy implements.
	Quota() registry.QuotaClass
}

// fixedStrategy enforces the model's published rpm/tpm budget with token
// buckets before any request leaves the process.
type fixedStrategy struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	maxBurst int
}

func newFixedStrategy(desc *registry.ModelDescriptor) *fixedStrategy {
	return &fixedStrategy{
		// Burst of one request: the budget is a flat per-minute window,
		// not a bucket the caller may drain up front.
		requests: rate.NewLimiter(rate.Limit(float64(desc.RPM)/60.0), 1),
		tokens:   rate.NewLimiter(rate.Limit(float64(desc.TPM)/60.0), desc.TPM),
		maxBurst: desc.TPM,
	}
}

func (s *fixedStrategy) Acquire(ctx context.Context, estTokens int) error {
	if err := s.requests.Wait(ctx); err != nil {
		return err
	}
	if estTokens > s.maxBurst {
		// WaitN rejects charges above the burst outright. A prompt
		// estimated past the full per-minute budget still gets sent;
		// it just pays the whole window for it.
		estTokens = s.maxBurst
	}
	if estTokens > 0 {
		return s.tokens.WaitN(ctx, estTokens)
	}
	return nil
}

func (s *fixedStrategy) NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (s *fixedStrategy) Quota() registry.QuotaClass { return registry.QuotaFixed }

// dynamicStrategy performs no pre-emptive limiting; the server owns the
// limits and capacity errors are absorbed by the backoff schedule.
type dynamicStrategy struct{}

func (s *dynamicStrategy) Acquire(ctx context.Context, estTokens int) error {
	return ctx.Err()
}

func (s *dynamicStrategy) NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	return b
}

func (s *dynamicStrategy) Quota() registry.QuotaClass { return registry.QuotaDynamicShared }
