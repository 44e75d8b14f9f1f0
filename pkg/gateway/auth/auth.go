// Package auth resolves gateway principals from request credentials.
//
// Three credential shapes are accepted: static API keys configured at
// startup, gateway tokens minted after a WorkOS code exchange, and no
// credential at all when the gateway runs with auth disabled.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Principal kinds, named after the credential that authenticated the caller.
const (
	KindAPIKey    = "api_key"
	KindWorkOS    = "workos"
	KindAnonymous = "anonymous"
)

// Principal identifies the caller for rate limits, storage, and billing.
type Principal struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Anonymous is the principal used when auth is disabled or optional and
// the request carried no credential.
func Anonymous() Principal {
	return Principal{ID: "anonymous", Kind: KindAnonymous}
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.ID != ""
}

// ParseBearer extracts the bearer credential from the Authorization
// header, falling back to the access_token query parameter for
// WebSocket clients that cannot set headers.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		if token == "" {
			return "", false
		}
		return token, true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}

// HashKey derives a stable principal id from a static API key so raw
// keys never appear in logs, metrics labels, or storage.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key_" + hex.EncodeToString(sum[:])[:16]
}
