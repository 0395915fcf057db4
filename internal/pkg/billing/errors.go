package billing

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSignature rejects a payload whose signature does not verify.
	ErrSignature = errors.New("webhook signature invalid")
	// ErrPayload rejects a payload that cannot be decoded.
	ErrPayload = errors.New("webhook payload invalid")
	// ErrPlanResolution means a price could not be mapped to a plan. It needs
	// a catalog fix, so the processor should not retry.
	ErrPlanResolution = errors.New("plan resolution failed")
	// ErrAccountConflict means a customer reference is already linked to a
	// different account.
	ErrAccountConflict = errors.New("customer linked to another account")
	// ErrUnlinkedAccount means the customer is not linked to an account yet.
	// It is always returned wrapped in ErrTransient so the event is
	// redelivered once a later event links the customer.
	ErrUnlinkedAccount = errors.New("customer not linked to an account")
	// ErrTransient marks failures the processor should retry.
	ErrTransient = errors.New("transient failure")
	// ErrInvariantViolation marks an anomaly that was recorded as an alert.
	ErrInvariantViolation = errors.New("reconciliation invariant violated")
)

func transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func unlinked(customerID string) error {
	return transient(fmt.Errorf("%w: customer %s", ErrUnlinkedAccount, customerID))
}

func planResolution(priceID string, err error) error {
	return fmt.Errorf("%w: price %q: %w", ErrPlanResolution, priceID, err)
}

// IsRetryable reports whether the processor should redeliver the event.
// Unclassified errors are retried, and ErrTransient wins over any other
// class it wraps.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTransient):
		return true
	case errors.Is(err, ErrSignature),
		errors.Is(err, ErrPayload),
		errors.Is(err, ErrPlanResolution),
		errors.Is(err, ErrAccountConflict):
		return false
	default:
		return true
	}
}

// StatusCode maps an error to the HTTP status returned to the processor.
// 4xx stops redelivery, 5xx asks for it.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrTransient):
		return http.StatusInternalServerError
	case errors.Is(err, ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrPlanResolution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrAccountConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the short machine-readable code sent in error responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTransient):
		return "processing_failed"
	case errors.Is(err, ErrSignature):
		return "invalid_signature"
	case errors.Is(err, ErrPayload):
		return "invalid_payload"
	case errors.Is(err, ErrPlanResolution):
		return "plan_resolution_failed"
	case errors.Is(err, ErrAccountConflict):
		return "account_conflict"
	default:
		return "processing_failed"
	}
}
