package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal     ErrorType = "EXTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"

	ErrCodeChargeNotFound         ErrorCode = "CHARGE_NOT_FOUND"
	ErrCodeRefundNotFound         ErrorCode = "REFUND_NOT_FOUND"
	ErrCodeGatewayAccountNotFound ErrorCode = "GATEWAY_ACCOUNT_NOT_FOUND"
	ErrCodeCredentialsNotFound    ErrorCode = "CREDENTIALS_NOT_FOUND"
	ErrCodeProviderNotFound       ErrorCode = "PROVIDER_NOT_FOUND"

	ErrCodeIllegalState               ErrorCode = "ILLEGAL_STATE"
	ErrCodeOperationAlreadyInProgress ErrorCode = "OPERATION_ALREADY_IN_PROGRESS"
	ErrCodeVersionConflict            ErrorCode = "VERSION_CONFLICT"
	ErrCodeUnsupportedCapability      ErrorCode = "UNSUPPORTED_CAPABILITY"
	ErrCodeUnsupportedOperation       ErrorCode = "UNSUPPORTED_OPERATION"
	ErrCodeRefundAmountExceeded       ErrorCode = "REFUND_AMOUNT_EXCEEDED"
	ErrCodeRefundNotAvailable         ErrorCode = "REFUND_NOT_AVAILABLE"

	ErrCodeGatewayFailure          ErrorCode = "GATEWAY_FAILURE"
	ErrCodeEventEmissionFailed     ErrorCode = "EVENT_EMISSION_FAILED"
	ErrCodeEmitterSaturated        ErrorCode = "EMITTER_SATURATED"
	ErrCodeDataAssumptionViolation ErrorCode = "DATA_ASSUMPTION_VIOLATION"

	ErrCodeInvalidNotification ErrorCode = "INVALID_NOTIFICATION"
	ErrCodeInvalidCredentials  ErrorCode = "INVALID_CREDENTIALS"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so that errors built from the constructors below compare
// equal to the package sentinels with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause sets the cause on e. Never call it on a package-level sentinel.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewExternalError(message string, code ErrorCode, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Cause:      cause,
	}
}

// NewIllegalStateError reports an operation attempted from a status that forbids it.
func NewIllegalStateError(format string, args ...any) *AppError {
	return NewValidationError(fmt.Sprintf(format, args...), ErrCodeIllegalState)
}

func NewOperationInProgressError(format string, args ...any) *AppError {
	return NewConflictError(fmt.Sprintf(format, args...), ErrCodeOperationAlreadyInProgress)
}

func NewVersionConflictError(format string, args ...any) *AppError {
	return NewConflictError(fmt.Sprintf(format, args...), ErrCodeVersionConflict)
}

// NewEventEmissionError marks a failure that happened after state was already
// persisted. Callers still receive the resulting resource.
func NewEventEmissionError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeEventEmissionFailed,
		Message:    "event emission failed",
		StatusCode: http.StatusAccepted,
		Cause:      cause,
	}
}

func NewDataAssumptionViolation(format string, args ...any) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       ErrCodeDataAssumptionViolation,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: http.StatusInternalServerError,
	}
}

var (
	ErrChargeNotFound         = NewNotFoundError("charge not found", ErrCodeChargeNotFound)
	ErrRefundNotFound         = NewNotFoundError("refund not found", ErrCodeRefundNotFound)
	ErrGatewayAccountNotFound = NewNotFoundError("gateway account not found", ErrCodeGatewayAccountNotFound)
	ErrCredentialsNotFound    = NewNotFoundError("gateway account credentials not found", ErrCodeCredentialsNotFound)
	ErrProviderNotFound       = NewNotFoundError("payment provider not registered", ErrCodeProviderNotFound)

	ErrIllegalState               = NewValidationError("operation not permitted in current charge status", ErrCodeIllegalState)
	ErrOperationAlreadyInProgress = NewConflictError("operation already in progress", ErrCodeOperationAlreadyInProgress)
	ErrConflict                   = NewConflictError("resource was modified concurrently", ErrCodeVersionConflict)
	ErrUnsupportedCapability      = NewValidationError("payment provider does not support this capability", ErrCodeUnsupportedCapability)
	ErrUnsupportedOperation       = NewValidationError("payment provider does not support this operation", ErrCodeUnsupportedOperation)
	ErrRefundAmountExceeded       = NewValidationError("refund amount exceeds available amount", ErrCodeRefundAmountExceeded)
	ErrRefundNotAvailable         = NewValidationError("charge is not available for refund", ErrCodeRefundNotAvailable)

	ErrEventEmission           = NewEventEmissionError(nil)
	ErrEmitterSaturated        = &AppError{Type: ErrorTypeInternal, Code: ErrCodeEmitterSaturated, Message: "event emitter queue full", StatusCode: http.StatusServiceUnavailable}
	ErrDataAssumptionViolation = NewDataAssumptionViolation("data assumption violated")
	ErrGatewayFailure          = NewExternalError("payment gateway call failed", ErrCodeGatewayFailure, nil)

	ErrInvalidCredentials  = NewUnauthorizedError("invalid notification credentials", ErrCodeInvalidCredentials)
	ErrInvalidNotification = NewValidationError("invalid gateway notification", ErrCodeInvalidNotification)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
