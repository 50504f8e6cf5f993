package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by the repository when a row does not exist.
	ErrNotFound = errors.New("billing: not found")
	// ErrGateway matches every GatewayError.
	ErrGateway = errors.New("billing: payment provider error")
	// ErrProviderNotFound is a GatewayError for objects the provider does not know.
	ErrProviderNotFound = errors.New("billing: provider object not found")
	// ErrReconciliationConflict marks events referencing unknown local state.
	ErrReconciliationConflict = errors.New("billing: reconciliation conflict")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
	// ErrInvalidEvent is returned for payloads that cannot be decoded.
	ErrInvalidEvent = errors.New("billing: invalid event payload")
)

// ValidationError is a user input problem. It is reported as is and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// GatewayError wraps a failed or timed out provider call.
type GatewayError struct {
	Op   string
	Code string
	Err  error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("stripe %s failed: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Is(target error) bool {
	if target == ErrGateway {
		return true
	}
	return target == ErrProviderNotFound && e.Code == codeResourceMissing
}

const (
	codeResourceMissing = "resource_missing"
	codeTimeout         = "timeout"
)

// UserMessage is the text shown to users for a failed billing action.
func UserMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	if errors.Is(err, ErrGateway) {
		return "We could not reach the payment provider. Please try again later."
	}
	return "An unexpected error occurred."
}
