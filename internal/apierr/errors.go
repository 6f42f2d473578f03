// Package apierr defines the typed error taxonomy shared by every component
// of the gateway. Call sites switch on Kind rather than string-matching
// error text, the same discipline core/errors applies per-package.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error classification. Every Kind maps to
// exactly one HTTP status via Status().
type Kind string

const (
	KindValidation           Kind = "VALIDATION_ERROR"
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindMissingIdempotency   Kind = "MISSING_IDEMPOTENCY_KEY"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindInvalidToken         Kind = "INVALID_TOKEN"
	KindTokenExpired         Kind = "TOKEN_EXPIRED"
	KindForbidden            Kind = "FORBIDDEN"
	KindIntentNotFound       Kind = "INTENT_NOT_FOUND"
	KindMandateNotFound      Kind = "MANDATE_NOT_FOUND"
	KindPaymentNotFound      Kind = "PAYMENT_NOT_FOUND"
	KindReceiptNotFound      Kind = "RECEIPT_NOT_FOUND"
	KindPolicyNotFound       Kind = "POLICY_NOT_FOUND"
	KindPaymentRequired      Kind = "PAYMENT_REQUIRED"
	KindPaymentDeclined      Kind = "PAYMENT_DECLINED"
	KindIdempotencyConflict Kind = "IDEMPOTENCY_CONFLICT"
	KindInFlightConflict     Kind = "IN_FLIGHT_CONFLICT"
	KindVendorNotAllowed     Kind = "VENDOR_NOT_ALLOWED"
	KindAmountExceedsCap     Kind = "AMOUNT_EXCEEDS_CAP"
	KindDailyLimitExceeded   Kind = "DAILY_LIMIT_EXCEEDED"
	KindAgentInactive        Kind = "AGENT_INACTIVE"
	KindMandateExpired       Kind = "MANDATE_EXPIRED"
	KindMandateRevoked       Kind = "MANDATE_REVOKED"
	KindMandateExhausted     Kind = "MANDATE_EXHAUSTED"
	KindInvalidSignature     Kind = "INVALID_SIGNATURE"
	KindHighRiskAgent        Kind = "HIGH_RISK_AGENT"
	KindPolicyCheckFailed    Kind = "POLICY_CHECK_FAILED"
	KindProviderError        Kind = "PROVIDER_ERROR"
	KindTimeout              Kind = "TIMEOUT_ERROR"
	KindReceiptChainBroken   Kind = "RECEIPT_CHAIN_BROKEN"
	KindDatabaseError        Kind = "DATABASE_ERROR"
	KindConfigurationError   Kind = "CONFIGURATION_ERROR"
	KindInternal             Kind = "INTERNAL_ERROR"
)

var statusByKind = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindInvalidRequest:      http.StatusBadRequest,
	KindMissingIdempotency:  http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindInvalidToken:        http.StatusUnauthorized,
	KindTokenExpired:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindIntentNotFound:      http.StatusNotFound,
	KindMandateNotFound:     http.StatusNotFound,
	KindPaymentNotFound:     http.StatusNotFound,
	KindReceiptNotFound:     http.StatusNotFound,
	KindPolicyNotFound:      http.StatusNotFound,
	KindPaymentRequired:     http.StatusPaymentRequired,
	KindPaymentDeclined:     http.StatusPaymentRequired,
	KindIdempotencyConflict: http.StatusConflict,
	KindInFlightConflict:    http.StatusConflict,
	KindVendorNotAllowed:    http.StatusUnprocessableEntity,
	KindAmountExceedsCap:    http.StatusUnprocessableEntity,
	KindDailyLimitExceeded:  http.StatusUnprocessableEntity,
	KindAgentInactive:       http.StatusUnprocessableEntity,
	KindMandateExpired:      http.StatusUnprocessableEntity,
	KindMandateRevoked:      http.StatusUnprocessableEntity,
	KindMandateExhausted:    http.StatusUnprocessableEntity,
	KindInvalidSignature:    http.StatusUnprocessableEntity,
	KindHighRiskAgent:       http.StatusUnprocessableEntity,
	KindPolicyCheckFailed:   http.StatusUnprocessableEntity,
	KindProviderError:       http.StatusInternalServerError,
	KindTimeout:             http.StatusGatewayTimeout,
	KindReceiptChainBroken:  http.StatusInternalServerError,
	KindDatabaseError:       http.StatusInternalServerError,
	KindConfigurationError:  http.StatusInternalServerError,
	KindInternal:            http.StatusInternalServerError,
}

// Error is the typed error every component boundary returns. HTTP handlers
// translate it to the {success:false, error:{code,message,details}} envelope;
// every other call site must switch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Status returns the fixed HTTP status for a Kind, defaulting to 500 for
// any kind missing from the table (should not happen for a known Kind).
func Status(kind Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
