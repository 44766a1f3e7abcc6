// Package faults defines the stable error taxonomy surfaced to gateway
// callers. Each code is a fixed string the surrounding HTTP/GraphQL layer
// maps to a status; the core only ever returns these for terminal
// request outcomes.
package faults

import (
	"errors"
	"fmt"
)

// Code is a stable error code string.
type Code string

const (
	Unauthorized       Code = "Unauthorized"
	TenantDisabled     Code = "TenantDisabled"
	ProviderNotAllowed Code = "ProviderNotAllowed"
	ModelNotAllowed    Code = "ModelNotAllowed"
	QuotaExceeded      Code = "QuotaExceeded"
	BudgetExceeded     Code = "BudgetExceeded"
	QueueFull          Code = "QueueFull"
	LoadShed           Code = "LoadShed"
	CircuitOpen        Code = "CircuitOpen"
	PolicyBlocked      Code = "PolicyBlocked"
	Timeout            Code = "Timeout"
	UpstreamFailure    Code = "UpstreamFailure"
	Internal           Code = "InternalError"
)

// Fault is a typed gateway error carrying a stable code and a sanitized
// message. It supports errors.Is against other Faults with the same code.
type Fault struct {
	Code    Code
	Message string
	cause   error
}

// New creates a fault with the given code and message.
func New(code Code, msg string) *Fault {
	return &Fault{Code: code, Message: msg}
}

// Newf creates a fault with a formatted message.
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying cause. The cause is
// reachable via errors.Unwrap but excluded from the sanitized message.
func Wrap(code Code, msg string, cause error) *Fault {
	return &Fault{Code: code, Message: msg, cause: cause}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return string(f.Code) + ": " + f.Message
}

func (f *Fault) Unwrap() error { return f.cause }

// Is matches any *Fault with the same code, so sentinel comparisons like
// errors.Is(err, faults.New(faults.QueueFull, "")) work regardless of message.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.Code == other.Code
	}
	return false
}

// CodeOf extracts the taxonomy code of err, or Internal when err is not
// a Fault.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Terminal reports whether the code ends the request. The caller
// should not retry through the gateway.
func Terminal(code Code) bool {
	switch code {
	case Unauthorized, TenantDisabled, ProviderNotAllowed, ModelNotAllowed,
		QuotaExceeded, BudgetExceeded, QueueFull, LoadShed, CircuitOpen,
		PolicyBlocked, Timeout:
		return true
	}
	return false
}
