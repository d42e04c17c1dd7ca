package error

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fixora/flagsync/domain/entity"
)

// ErrorCode represents a unique error code
type ErrorCode string

// Error codes for different categories
const (
	// Flag Errors (1xxx)
	ErrCodeFlagNotFound      ErrorCode = "FLAG_1001"
	ErrCodeVersionConflict   ErrorCode = "FLAG_1002"
	ErrCodeFlagAlreadyExists ErrorCode = "FLAG_1003"

	// Authorization Errors (2xxx)
	ErrCodeAuthorizationDenied ErrorCode = "AUTHZ_2001"
	ErrCodeUnauthenticated     ErrorCode = "AUTH_2002"

	// Validation Errors (3xxx)
	ErrCodeInvalidRequest ErrorCode = "VALID_3001"

	// Realtime Errors (4xxx)
	ErrCodeTransportLoss    ErrorCode = "TRANSPORT_4001"
	ErrCodeBroadcastFailure ErrorCode = "BROADCAST_4002"

	// Rate Limiting Errors (5xxx)
	ErrCodeRateLimitExceeded ErrorCode = "RATE_5001"

	// Server Errors (6xxx)
	ErrCodeDatabaseError       ErrorCode = "DB_6001"
	ErrCodeInternalServerError ErrorCode = "SERVER_6002"
)

// AppError represents a structured application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, details string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// Common error constructors

func ErrFlagNotFound(organizationID, key string) *AppError {
	return NewAppError(ErrCodeFlagNotFound, "Feature flag not found", fmt.Sprintf("Organization: %s, Key: %s", organizationID, key), nil)
}

func ErrVersionConflict(key string, expected, current int64) *AppError {
	return NewAppError(ErrCodeVersionConflict, "Feature flag version is stale", fmt.Sprintf("Key: %s, Expected: %d, Current: %d", key, expected, current), nil)
}

func ErrFlagAlreadyExists(organizationID, key string) *AppError {
	return NewAppError(ErrCodeFlagAlreadyExists, "Feature flag already exists", fmt.Sprintf("Organization: %s, Key: %s", organizationID, key), nil)
}

func ErrAuthorizationDenied(actorID, organizationID string) *AppError {
	return NewAppError(ErrCodeAuthorizationDenied, "Not allowed for this organization", fmt.Sprintf("Actor: %s, Organization: %s", actorID, organizationID), nil)
}

func ErrUnauthenticated(details string) *AppError {
	return NewAppError(ErrCodeUnauthenticated, "Authentication required", details, nil)
}

func ErrInvalidRequest(details string, cause error) *AppError {
	return NewAppError(ErrCodeInvalidRequest, "Invalid request", details, cause)
}

func ErrTransportLoss(details string, cause error) *AppError {
	return NewAppError(ErrCodeTransportLoss, "Realtime connection lost", details, cause)
}

func ErrBroadcastFailure(organizationID, key string, cause error) *AppError {
	return NewAppError(ErrCodeBroadcastFailure, "Change event could not be broadcast", fmt.Sprintf("Organization: %s, Key: %s", organizationID, key), cause)
}

func ErrRateLimitExceeded(limit int, window string) *AppError {
	return NewAppError(ErrCodeRateLimitExceeded, "Too many requests", fmt.Sprintf("Limit: %d, Window: %s", limit, window), nil)
}

func ErrDatabaseError(operation string, cause error) *AppError {
	return NewAppError(ErrCodeDatabaseError, "Database operation failed", fmt.Sprintf("Operation: %s", operation), cause)
}

func ErrInternalServerError(details string, cause error) *AppError {
	return NewAppError(ErrCodeInternalServerError, "Internal server error", details, cause)
}

// RejectReason names why a toggle intent was not applied
type RejectReason string

const (
	RejectStaleVersion RejectReason = "stale-version"
	RejectUnknownFlag  RejectReason = "unknown-flag"
	RejectUnauthorized RejectReason = "unauthorized"
	RejectInvalid      RejectReason = "invalid-intent"
)

// RejectionError is returned by the toggle path when an intent is refused.
// Current is set for stale-version rejections so the caller can reconcile.
type RejectionError struct {
	Reason  RejectReason        `json:"reason"`
	Current *entity.FeatureFlag `json:"current,omitempty"`
	Err     *AppError           `json:"error"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %v", e.Reason, e.Err)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// NewRejection wraps an AppError with a reject reason
func NewRejection(reason RejectReason, current *entity.FeatureFlag, err *AppError) *RejectionError {
	return &RejectionError{Reason: reason, Current: current, Err: err}
}

// AsRejection extracts a RejectionError from err
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// CodeOf returns the catalog code carried by err, or "" if there is none
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Error mapping for HTTP status codes
func GetHTTPStatusCode(err error) int {
	switch CodeOf(err) {
	case ErrCodeFlagNotFound:
		return http.StatusNotFound
	case ErrCodeVersionConflict, ErrCodeFlagAlreadyExists:
		return http.StatusConflict
	case ErrCodeAuthorizationDenied:
		return http.StatusForbidden
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeTransportLoss, ErrCodeDatabaseError:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
