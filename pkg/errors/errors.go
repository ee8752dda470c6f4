// Package errors provides structured error types for the rawpool library.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeDNS represents host resolution failures (unknown host)
	ErrorTypeDNS ErrorType = "dns"
	// ErrorTypeConnectTimeout represents a connect attempt that timed out
	ErrorTypeConnectTimeout ErrorType = "connect_timeout"
	// ErrorTypeConnectRefused represents a connect attempt refused by the peer
	ErrorTypeConnectRefused ErrorType = "connect_refused"
	// ErrorTypeConnection represents other TCP connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTLS represents failures while layering TLS on a connection
	ErrorTypeTLS ErrorType = "tls"
	// ErrorTypeTunnel represents failures while tunnelling through a proxy
	ErrorTypeTunnel ErrorType = "tunnel"
	// ErrorTypeTimeout represents generic timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypePoolTimeout represents a lease that waited too long for capacity
	ErrorTypePoolTimeout ErrorType = "pool_timeout"
	// ErrorTypeRouteState represents misuse of the route tracking state machine
	ErrorTypeRouteState ErrorType = "route_state"
	// ErrorTypeConfiguration represents missing or invalid configuration
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeShutdown represents operations against a shut down pool
	ErrorTypeShutdown ErrorType = "shutdown"
	// ErrorTypeAborted represents an operation cancelled by a concurrent reset
	ErrorTypeAborted ErrorType = "aborted"
	// ErrorTypeProtocol represents protocol-level errors
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents I/O errors
	ErrorTypeIO ErrorType = "io"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
)

// Sentinel values for use with errors.Is. Matching is by Type only.
var (
	ErrUnknownHost    = &Error{Type: ErrorTypeDNS}
	ErrConnectTimeout = &Error{Type: ErrorTypeConnectTimeout}
	ErrConnectRefused = &Error{Type: ErrorTypeConnectRefused}
	ErrUpgrade        = &Error{Type: ErrorTypeTLS}
	ErrTunnel         = &Error{Type: ErrorTypeTunnel}
	ErrPoolTimeout    = &Error{Type: ErrorTypePoolTimeout}
	ErrRouteState     = &Error{Type: ErrorTypeRouteState}
	ErrConfiguration  = &Error{Type: ErrorTypeConfiguration}
	ErrShutdown       = &Error{Type: ErrorTypeShutdown}
	ErrAborted        = &Error{Type: ErrorTypeAborted}
)

// Error represents a structured error with context information.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Type)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:      t,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewDNSError creates an unknown-host error.
func NewDNSError(host string, cause error) *Error {
	e := newError(ErrorTypeDNS, fmt.Sprintf("DNS lookup failed for host %s", host), cause)
	e.Host = host
	return e
}

// NewConnectTimeoutError creates a connect-timeout error for a single address.
func NewConnectTimeoutError(host string, port int, timeout time.Duration, cause error) *Error {
	e := newError(ErrorTypeConnectTimeout, fmt.Sprintf("connect to %s:%d timed out after %v", host, port, timeout), cause)
	e.Host, e.Port = host, port
	return e
}

// NewConnectRefusedError creates a connect-refused error.
func NewConnectRefusedError(host string, port int, cause error) *Error {
	e := newError(ErrorTypeConnectRefused, fmt.Sprintf("connection to %s:%d refused", host, port), cause)
	e.Host, e.Port = host, port
	return e
}

// NewConnectionError creates a connection error.
func NewConnectionError(host string, port int, cause error) *Error {
	e := newError(ErrorTypeConnection, fmt.Sprintf("failed to connect to %s:%d", host, port), cause)
	e.Host, e.Port = host, port
	return e
}

// NewTLSError creates an upgrade (TLS handshake) error.
func NewTLSError(host string, port int, cause error) *Error {
	e := newError(ErrorTypeTLS, fmt.Sprintf("TLS handshake failed for %s:%d", host, port), cause)
	e.Host, e.Port = host, port
	return e
}

// NewTunnelError creates a tunnel establishment error.
func NewTunnelError(host string, port int, message string, cause error) *Error {
	e := newError(ErrorTypeTunnel, message, cause)
	e.Host, e.Port = host, port
	return e
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(operation string, timeout time.Duration) *Error {
	return newError(ErrorTypeTimeout, fmt.Sprintf("%s timed out after %v", operation, timeout), nil)
}

// NewPoolTimeoutError creates the error returned when a lease waits longer
// than its timeout for pool capacity.
func NewPoolTimeoutError(route string, timeout time.Duration, cause error) *Error {
	msg := fmt.Sprintf("timeout waiting for connection to %s", route)
	if timeout > 0 {
		msg = fmt.Sprintf("%s after %v", msg, timeout)
	}
	return newError(ErrorTypePoolTimeout, msg, cause)
}

// NewRouteStateError creates a route state machine misuse error.
func NewRouteStateError(message string) *Error {
	return newError(ErrorTypeRouteState, message, nil)
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, cause error) *Error {
	return newError(ErrorTypeConfiguration, message, cause)
}

// NewShutdownError creates an error for operations on a shut down pool.
func NewShutdownError(message string) *Error {
	return newError(ErrorTypeShutdown, message, nil)
}

// NewAbortedError creates an error for operations aborted by a concurrent reset.
func NewAbortedError(message string) *Error {
	return newError(ErrorTypeAborted, message, nil)
}

// NewProtocolError creates a protocol error.
func NewProtocolError(message string, cause error) *Error {
	return newError(ErrorTypeProtocol, message, cause)
}

// NewIOError creates an I/O error.
func NewIOError(operation string, cause error) *Error {
	return newError(ErrorTypeIO, fmt.Sprintf("I/O error during %s", operation), cause)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *Error {
	return newError(ErrorTypeValidation, message, nil)
}

// Classify wraps a raw dial error into a connect_timeout, connect_refused or
// generic connection error.
func Classify(host string, port int, timeout time.Duration, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewConnectRefusedError(host, port, err)
	case isNetTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return NewConnectTimeoutError(host, port, timeout, err)
	default:
		return NewConnectionError(host, port, err)
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		switch e.Type {
		case ErrorTypeTimeout, ErrorTypeConnectTimeout, ErrorTypePoolTimeout:
			return true
		}
	}
	if isNetTimeout(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsConnectivityError reports whether err is one of the connectivity
// failures that Open retries across the addresses of a single host.
func IsConnectivityError(err error) bool {
	return errors.Is(err, ErrConnectTimeout) || errors.Is(err, ErrConnectRefused)
}

// IsPoolTimeout reports whether err is a pool capacity timeout.
func IsPoolTimeout(err error) bool {
	return errors.Is(err, ErrPoolTimeout)
}

// IsRouteStateError reports whether err is a route state machine misuse.
func IsRouteStateError(err error) bool {
	return errors.Is(err, ErrRouteState)
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsShutdown reports whether err was caused by a shut down pool.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}

// IsAborted reports whether err was caused by a concurrent reset.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled checks if an error is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout checks if an error is due to context deadline exceeded.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
