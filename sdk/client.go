// Package voxbridge provides the VoxBridge gateway SDK for Go.
//
// The SDK covers the three gateway surfaces: conversation storage
// (Conversations), streaming text chat over SSE (Chat), and the realtime
// voice websocket (Live).
package voxbridge

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Client is the main entry point for the SDK.
type Client struct {
	Conversations *ConversationsService
	Chat          *ChatService
	Live          *LiveService

	// Internal
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client for the gateway at baseURL, for example
// "http://localhost:8080". The API key is optional; gateways running with
// auth disabled accept unauthenticated clients.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSpace(baseURL),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}

	c.Conversations = &ConversationsService{client: c}
	c.Chat = &ChatService{client: c}
	c.Live = &LiveService{client: c}
	return c
}

func (c *Client) endpoint(path string) (string, error) {
	rawBaseURL := strings.TrimSpace(c.baseURL)
	if rawBaseURL == "" {
		return "", &APIError{Type: ErrInvalidRequest, Message: "gateway base URL is not set"}
	}

	base, err := url.Parse(rawBaseURL)
	if err != nil || strings.TrimSpace(base.Scheme) == "" || strings.TrimSpace(base.Host) == "" {
		return "", &APIError{Type: ErrInvalidRequest, Message: "invalid gateway base URL"}
	}
	if base.User != nil {
		return "", &APIError{Type: ErrInvalidRequest, Message: "gateway base URL must not include credentials"}
	}

	base.RawQuery = ""
	base.Fragment = ""

	cleanPath := "/" + strings.TrimLeft(path, "/")
	basePath := strings.TrimSuffix(base.Path, "/")
	if basePath == "" || basePath == "/" {
		base.Path = cleanPath
	} else {
		base.Path = basePath + cleanPath
	}
	base.RawPath = ""

	return base.String(), nil
}

func (c *Client) websocketEndpoint(path string) (string, error) {
	endpoint, err := c.endpoint(path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", &APIError{Type: ErrInvalidRequest, Message: "invalid gateway base URL"}
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", &APIError{Type: ErrInvalidRequest, Message: "gateway base URL must use http(s) or ws(s)"}
	}
	return u.String(), nil
}
