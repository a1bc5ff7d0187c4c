package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/circuitbreaker"
)

type mockProvider struct {
	sendErr   error
	sendCalls int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Send(ctx context.Context, from, to, body string) (*SendResult, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &SendResult{MessageID: "m-1"}, nil
}

func TestProtected_PassesThrough(t *testing.T) {
	mock := &mockProvider{}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 5}, zap.NewNop())
	p := NewProtected(mock, cb, zap.NewNop())

	res, err := p.Send(context.Background(), "+61400000001", "+61412345678", "hi")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.MessageID != "m-1" {
		t.Fatalf("message id = %s", res.MessageID)
	}
	if mock.sendCalls != 1 {
		t.Fatalf("calls = %d", mock.sendCalls)
	}
}

func TestProtected_FailFastWhenOpen(t *testing.T) {
	mock := &mockProvider{sendErr: fmt.Errorf("%w: down", ErrUnavailable)}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2}, zap.NewNop())
	p := NewProtected(mock, cb, zap.NewNop())

	p.Send(context.Background(), "a", "b", "c")
	p.Send(context.Background(), "a", "b", "c")
	mock.sendCalls = 0

	_, err := p.Send(context.Background(), "a", "b", "c")
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("provider called %d times while circuit open", mock.sendCalls)
	}
	if !Retryable(err) {
		t.Fatal("circuit-open error must be retryable")
	}
}

func TestProtected_RejectionDoesNotTrip(t *testing.T) {
	mock := &mockProvider{sendErr: fmt.Errorf("%w: bad number", ErrRejected)}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "test", MaxFailures: 2}, zap.NewNop())
	p := NewProtected(mock, cb, zap.NewNop())

	for i := 0; i < 10; i++ {
		if _, err := p.Send(context.Background(), "a", "b", "c"); !errors.Is(err, ErrRejected) {
			t.Fatalf("attempt %d: expected ErrRejected, got %v", i, err)
		}
	}
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("rejections tripped the breaker: %s", cb.GetState())
	}
}

func TestProtected_FullLifecycle(t *testing.T) {
	mock := &mockProvider{}
	cb := circuitbreaker.New(circuitbreaker.Config{Name: "lifecycle", MaxFailures: 3, RecoveryTimeout: 50 * time.Millisecond}, zap.NewNop())
	p := NewProtected(mock, cb, zap.NewNop())

	if _, err := p.Send(context.Background(), "a", "b", "c"); err != nil {
		t.Fatalf("healthy phase: %v", err)
	}

	mock.sendErr = fmt.Errorf("%w: outage", ErrUnavailable)
	for i := 0; i < 3; i++ {
		p.Send(context.Background(), "a", "b", "c")
	}
	if cb.GetState() != circuitbreaker.StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if _, err := p.Send(context.Background(), "a", "b", "c"); !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("provider should not be called while open")
	}

	time.Sleep(60 * time.Millisecond)

	mock.sendErr = nil
	if _, err := p.Send(context.Background(), "a", "b", "c"); err != nil {
		t.Fatalf("recovery probe: %v", err)
	}
	if cb.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("expected closed after probe, got %s", cb.GetState())
	}

	for i := 0; i < 5; i++ {
		if _, err := p.Send(context.Background(), "a", "b", "c"); err != nil {
			t.Fatalf("steady state[%d]: %v", i, err)
		}
	}
}
