package voxbridge

import (
	"log/slog"
	"net/http"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the gateway credential sent as a bearer token on every
// request. Accepts either a configured API key or a minted gateway token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}
