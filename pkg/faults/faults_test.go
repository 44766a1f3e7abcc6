package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFaultErrorString(t *testing.T) {
	err := New(QueueFull, "normal band at capacity")
	assert.Equal(t, "QueueFull: normal band at capacity", err.Error())
	assert.Equal(t, "QueueFull", New(QueueFull, "").Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, QuotaExceeded, CodeOf(New(QuotaExceeded, "hour window")))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))

	// Wrapped faults keep their code through fmt wrapping.
	wrapped := fmt.Errorf("admission: %w", New(LoadShed, "load critical"))
	assert.Equal(t, LoadShed, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, LoadShed))
	assert.False(t, IsCode(nil, LoadShed))
}

func TestErrorsIsByCode(t *testing.T) {
	a := New(CircuitOpen, "failure rate 0.8")
	b := New(CircuitOpen, "different message")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(Timeout, "")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	f := Wrap(UpstreamFailure, "all endpoints failed", cause)
	assert.True(t, errors.Is(f, cause))
	// Sanitized message must not leak the cause.
	assert.NotContains(t, f.Error(), "dial tcp")
}

func TestTerminal(t *testing.T) {
	for _, c := range []Code{Unauthorized, TenantDisabled, ProviderNotAllowed,
		ModelNotAllowed, QuotaExceeded, BudgetExceeded, QueueFull, LoadShed,
		CircuitOpen, PolicyBlocked, Timeout} {
		assert.True(t, Terminal(c), string(c))
	}
	assert.False(t, Terminal(UpstreamFailure))
	assert.False(t, Terminal(Internal))
}
