// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrTenantNotFound       = errors.New("tenant not found")
	ErrInvalidAPIKey        = errors.New("invalid api key")
	ErrCollectionNotFound   = errors.New("payment request not found")
	ErrDisbursementNotFound = errors.New("disbursement request not found")
	ErrDuplicateReference   = errors.New("request with this reference already exists")
	ErrInsufficientFunds    = errors.New("insufficient wallet balance")
	ErrTariffNotApplicable  = errors.New("no tariff band covers this amount")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrRateLimited          = errors.New("polling too frequently, use a callback url instead")

	// Callback errors
	ErrCallbackUnprocessable = errors.New("callback cannot be matched to a request")
	ErrNoCallbackURL         = errors.New("tenant has no callback url configured")

	// Payment link errors
	ErrPaymentLinkNotFound = errors.New("payment link not found")
	ErrPaymentLinkClosed   = errors.New("payment link is no longer open")
)

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError for field.
func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// GatewayError is a failure talking to the upstream mobile-money provider.
// Transient failures are retried by the task orchestrator, permanent ones
// are recorded on the request.
type GatewayError struct {
	Op         string
	StatusCode int
	Transient  bool
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s failed (status %d): %s", e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway %s failed: %s", e.Op, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var g *GatewayError
	if errors.As(err, &g) {
		return g.Transient
	}
	return false
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func New(message string) error { return errors.New(message) }

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
