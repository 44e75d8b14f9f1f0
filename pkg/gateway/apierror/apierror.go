// Package apierror defines the JSON error envelope returned by every HTTP
// endpoint and the mapping from error types to HTTP status codes.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Type categorizes errors for clients.
type Type string

const (
	TypeInvalidRequest Type = "invalid_request_error"
	TypeAuthentication Type = "authentication_error"
	TypePermission     Type = "permission_error"
	TypeNotFound       Type = "not_found_error"
	TypeRateLimit      Type = "rate_limit_error"
	TypeUpstream       Type = "upstream_error"
	TypeOverloaded     Type = "overloaded_error"
	TypeAPI            Type = "api_error"
)

// Error is the canonical API error.
type Error struct {
	Type       Type   `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsRetryable returns true when a client may retry the same request.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case TypeRateLimit, TypeOverloaded, TypeUpstream:
		return true
	default:
		return false
	}
}

// NewInvalidRequest creates an invalid request error.
func NewInvalidRequest(message string) *Error {
	return &Error{Type: TypeInvalidRequest, Message: message}
}

// NewInvalidRequestWithParam creates an invalid request error naming the
// offending parameter.
func NewInvalidRequestWithParam(message, param string) *Error {
	return &Error{Type: TypeInvalidRequest, Message: message, Param: param}
}

// NewAuthentication creates an authentication error.
func NewAuthentication(message string) *Error {
	return &Error{Type: TypeAuthentication, Message: message}
}

// NewNotFound creates a not found error.
func NewNotFound(message string) *Error {
	return &Error{Type: TypeNotFound, Message: message}
}

// NewRateLimit creates a rate limit error.
func NewRateLimit(message string, retryAfter int) *Error {
	e := &Error{Type: TypeRateLimit, Message: message}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewUpstream wraps a failure talking to the model API.
func NewUpstream(message string) *Error {
	return &Error{Type: TypeUpstream, Message: message}
}

// NewOverloaded creates an overloaded error, also used while draining.
func NewOverloaded(message string) *Error {
	return &Error{Type: TypeOverloaded, Message: message}
}

// NewAPI creates a generic API error.
func NewAPI(message string) *Error {
	return &Error{Type: TypeAPI, Message: message}
}

// StatusFor maps an error type to its HTTP status code.
func StatusFor(t Type) int {
	switch t {
	case TypeInvalidRequest:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypePermission:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeUpstream:
		return http.StatusBadGateway
	case TypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromError coerces any error into a canonical error plus HTTP status.
// Unknown errors collapse to an opaque internal error so upstream detail
// never leaks to clients.
func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      TypeAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFor(apiErr.Type)
	}

	return &Error{
		Type:      TypeAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Envelope is the HTTP error body.
type Envelope struct {
	Error *Error `json:"error"`
}

// Write sends the JSON envelope with the given status.
func Write(w http.ResponseWriter, status int, apiErr *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if apiErr != nil && apiErr.RetryAfter != nil && *apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(*apiErr.RetryAfter))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: apiErr})
}
