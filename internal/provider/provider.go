// Package provider abstracts the SMS carriers behind a single Send call.
// The worker picks retry behavior off the error class: a rejection is
// terminal, an outage is retryable via queue redelivery.
package provider

import (
	"context"
	"errors"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/circuitbreaker"
)

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	// MessageID is the provider-side identifier later echoed by delivery
	// webhooks.
	MessageID string
}

// Provider sends one SMS.
type Provider interface {
	Name() string
	Send(ctx context.Context, from, to, body string) (*SendResult, error)
}

// ErrRejected means the provider refused the message itself (bad number,
// blocked content). Retrying the identical request cannot succeed.
var ErrRejected = errors.New("provider rejected message")

// ErrUnavailable means the provider could not be reached or answered with
// a server error. The same request may succeed later.
var ErrUnavailable = errors.New("provider unavailable")

// Retryable reports whether the worker should leave the job on the queue
// for another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, circuitbreaker.ErrCircuitOpen)
}
