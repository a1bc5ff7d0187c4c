package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/circuitbreaker"
)

// Protected wraps any Provider with a circuit breaker. When the provider
// starts failing, the circuit opens and sends fail fast with ErrCircuitOpen
// instead of piling onto a dead service. A rejection is the provider
// working correctly and does not count against the breaker.
type Protected struct {
	provider Provider
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewProtected wraps a provider with circuit breaker protection.
func NewProtected(provider Provider, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Protected {
	return &Protected{
		provider: provider,
		breaker:  breaker,
		logger:   logger,
	}
}

// Name delegates to the wrapped provider.
func (p *Protected) Name() string { return p.provider.Name() }

// Breaker exposes the underlying breaker for the ops endpoint.
func (p *Protected) Breaker() *circuitbreaker.CircuitBreaker { return p.breaker }

// Send runs the call through the breaker.
func (p *Protected) Send(ctx context.Context, from, to, body string) (*SendResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send, failing fast",
			zap.String("provider", p.provider.Name()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", circuitbreaker.ErrCircuitOpen, p.provider.Name())
	}

	result, err := p.provider.Send(ctx, from, to, body)
	if err != nil {
		if Retryable(err) {
			p.breaker.RecordFailure()
		} else {
			// A rejection proves the provider is answering.
			p.breaker.RecordSuccess()
		}
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}
