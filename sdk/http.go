package voxbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultNonStreamingTimeout = 2 * time.Minute

// newDefaultHTTPClient configures sane transport-level timeouts while keeping
// the overall request lifetime controlled by context deadlines.
//
// We intentionally do not set http.Client.Timeout because streaming APIs are
// long-lived; callers should use per-request context deadlines for non-streaming.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) sendJSON(ctx context.Context, method, endpointPath string, payload any, stream bool) (*http.Response, string, error) {
	endpoint, err := c.endpoint(endpointPath)
	if err != nil {
		return nil, "", err
	}

	var body io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return nil, endpoint, &APIError{Type: ErrInvalidRequest, Message: "failed to marshal request body"}
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, endpoint, &TransportError{Op: method, URL: endpoint, Err: err}
	}
	return resp, endpoint, nil
}

// doJSON performs a non-streaming request and decodes a 2xx response body
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, endpointPath string, payload, out any) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	resp, endpoint, err := c.sendJSON(ctx, method, endpointPath, payload, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeErrorResponse(resp, endpoint, method)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{
			HTTPStatus: resp.StatusCode,
			Type:       ErrAPI,
			Message:    "failed to read gateway response",
			RequestID:  requestIDFromHeader(resp.Header),
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{
			HTTPStatus: resp.StatusCode,
			Type:       ErrAPI,
			Message:    "failed to decode gateway response",
			RequestID:  requestIDFromHeader(resp.Header),
		}
	}
	return nil
}

func decodeErrorResponse(resp *http.Response, endpoint, method string) error {
	defer resp.Body.Close()

	requestID := requestIDFromHeader(resp.Header)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransportError{Op: method, URL: endpoint, Err: err}
	}

	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		env.Error.HTTPStatus = resp.StatusCode
		if env.Error.RequestID == "" {
			env.Error.RequestID = requestID
		}
		if env.Error.RetryAfter == nil {
			env.Error.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		}
		if env.Error.Type == "" {
			env.Error.Type = inferErrorType(resp.StatusCode)
		}
		if env.Error.Message == "" {
			env.Error.Message = http.StatusText(resp.StatusCode)
		}
		return env.Error
	}

	msg := "gateway request failed"
	if resp.StatusCode > 0 {
		msg = fmt.Sprintf("gateway request failed with status %d", resp.StatusCode)
	}
	return &APIError{
		HTTPStatus: resp.StatusCode,
		Type:       inferErrorType(resp.StatusCode),
		Message:    msg,
		RequestID:  requestID,
	}
}

func inferErrorType(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusForbidden:
		return ErrPermission
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusBadGateway:
		return ErrUpstream
	case http.StatusServiceUnavailable, 529:
		return ErrOverloaded
	default:
		return ErrAPI
	}
}

func requestIDFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Get("X-Request-ID"))
}

func parseRetryAfterHeader(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &seconds
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultNonStreamingTimeout)
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultNonStreamingTimeout)
}
