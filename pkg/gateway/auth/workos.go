package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/workos/workos-go/v6/pkg/usermanagement"
)

// ErrNotConfigured is returned by WorkOS methods when no API key was set.
var ErrNotConfigured = errors.New("auth: workos not configured")

// WorkOS exchanges AuthKit authorization codes for gateway principals.
type WorkOS struct {
	um       *usermanagement.Client
	clientID string
}

// NewWorkOS returns nil when apiKey is empty, which disables the
// /v1/auth/workos endpoints.
func NewWorkOS(apiKey, clientID string) *WorkOS {
	if apiKey == "" {
		return nil
	}
	return &WorkOS{um: usermanagement.NewClient(apiKey), clientID: clientID}
}

func (w *WorkOS) Enabled() bool { return w != nil }

// AuthorizeURL builds the hosted AuthKit URL a client opens in a
// browser. state is round-tripped through the provider unchanged.
func (w *WorkOS) AuthorizeURL(redirectURI, state string) (string, error) {
	if w == nil {
		return "", ErrNotConfigured
	}
	u, err := w.um.GetAuthorizationURL(usermanagement.GetAuthorizationURLOpts{
		ClientID:    w.clientID,
		RedirectURI: redirectURI,
		State:       state,
		Provider:    "authkit",
	})
	if err != nil {
		return "", fmt.Errorf("authorization url: %w", err)
	}
	return u.String(), nil
}

// ExchangeCode trades an authorization code for the WorkOS user behind it.
func (w *WorkOS) ExchangeCode(ctx context.Context, code string) (Principal, error) {
	if w == nil {
		return Principal{}, ErrNotConfigured
	}
	resp, err := w.um.AuthenticateWithCode(ctx, usermanagement.AuthenticateWithCodeOpts{
		ClientID: w.clientID,
		Code:     code,
	})
	if err != nil {
		return Principal{}, fmt.Errorf("authenticate with code: %w", err)
	}
	return Principal{
		ID:     resp.User.ID,
		Kind:   KindWorkOS,
		UserID: resp.User.ID,
		Email:  resp.User.Email,
	}, nil
}
