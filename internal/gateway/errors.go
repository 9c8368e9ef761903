package gateway

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindGatewayError      ErrorKind = "GATEWAY_ERROR"
	KindGenericError      ErrorKind = "GENERIC_GATEWAY_ERROR"
	KindConnectionTimeout ErrorKind = "GATEWAY_CONNECTION_TIMEOUT_ERROR"
)

// GatewayError is the only error shape adapters return for transport and
// provider-side failures.
type GatewayError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Body       string
	Cause      error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Is matches any GatewayError of the same kind, so the Err* values below work
// with errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrGateway           = &GatewayError{Kind: KindGatewayError}
	ErrGeneric           = &GatewayError{Kind: KindGenericError}
	ErrConnectionTimeout = &GatewayError{Kind: KindConnectionTimeout}
)

func NewGatewayError(message string, statusCode int, body string) *GatewayError {
	return &GatewayError{Kind: KindGatewayError, Message: message, StatusCode: statusCode, Body: body}
}

func NewGenericError(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindGenericError, Message: message, Cause: cause}
}

func NewConnectionTimeoutError(message string, cause error) *GatewayError {
	return &GatewayError{Kind: KindConnectionTimeout, Message: message, Cause: cause}
}

func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}
