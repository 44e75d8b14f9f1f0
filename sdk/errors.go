package voxbridge

import (
	"fmt"
	"net/url"
	"strings"
)

// Error type strings used by the gateway error envelope.
const (
	ErrInvalidRequest = "invalid_request_error"
	ErrAuthentication = "authentication_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrRateLimit      = "rate_limit_error"
	ErrUpstream       = "upstream_error"
	ErrOverloaded     = "overloaded_error"
	ErrAPI            = "api_error"
)

// APIError is the canonical gateway error, decoded from the
// {"error": {...}} envelope on non-2xx responses.
type APIError struct {
	// HTTPStatus is the response status code, 0 when the error was produced
	// locally before a request was made.
	HTTPStatus int    `json:"-"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Param      string `json:"param,omitempty"`
	Code       string `json:"code,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	typ := e.Type
	if typ == "" {
		typ = ErrAPI
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "gateway error"
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request_id=%s)", typ, msg, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", typ, msg)
}

// Retryable reports whether the request may succeed when retried later.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case ErrRateLimit, ErrOverloaded:
		return true
	case ErrAPI, ErrUpstream:
		return e.HTTPStatus >= 500
	default:
		return false
	}
}

// TransportError represents HTTP transport-level failures (DNS, timeouts,
// connection reset, TLS handshake, etc.) while talking to the gateway.
//
// Use errors.As to distinguish transport failures from canonical API
// errors (*APIError).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
