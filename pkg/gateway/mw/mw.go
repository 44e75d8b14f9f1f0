// Package mw holds the HTTP middleware chain: request ids, access
// logging, panic recovery, CORS, auth, body caps, and rate limiting.
package mw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/auth"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + randHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// exemptFromAuth lists probe and scrape paths that stay reachable no
// matter the auth mode.
func exemptFromAuth(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return false
}

func Auth(cfg config.Config, tokens *auth.TokenStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, _ := RequestIDFrom(r.Context())

		if exemptFromAuth(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		switch cfg.AuthMode {
		case config.AuthModeDisabled:
			next.ServeHTTP(w, r)
			return
		case config.AuthModeOptional, config.AuthModeRequired:
		default:
			writeJSONError(w, http.StatusInternalServerError, &apierror.Error{
				Type:      apierror.TypeAPI,
				Message:   "invalid auth_mode",
				RequestID: reqID,
			})
			return
		}

		// Websocket upgrades finish authenticating during the hello
		// exchange, where credentials may also arrive in-band. Attach a
		// principal when the request already carries a valid bearer, but
		// never reject here.
		if isWebSocketUpgrade(r) {
			if token, ok := auth.ParseBearer(r); ok {
				if p, ok := ResolveCredential(r.Context(), cfg, tokens, token); ok {
					r = r.WithContext(auth.WithPrincipal(r.Context(), p))
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		token, ok := auth.ParseBearer(r)
		if !ok {
			if cfg.AuthMode == config.AuthModeRequired {
				writeJSONError(w, http.StatusUnauthorized, &apierror.Error{
					Type:      apierror.TypeAuthentication,
					Message:   "missing bearer token",
					Param:     "Authorization",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		p, ok := ResolveCredential(r.Context(), cfg, tokens, token)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, &apierror.Error{
				Type:      apierror.TypeAuthentication,
				Message:   "invalid credentials",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// ResolveCredential maps a bearer credential to a principal. Gateway
// tokens resolve through the token store; anything else must match a
// configured static key. The live handshake calls this directly because
// hello messages may carry credentials in-band.
func ResolveCredential(ctx context.Context, cfg config.Config, tokens *auth.TokenStore, token string) (auth.Principal, bool) {
	if auth.IsGatewayToken(token) {
		p, err := tokens.Lookup(ctx, token)
		if err != nil {
			return auth.Principal{}, false
		}
		return p, true
	}
	if _, ok := cfg.APIKeys[token]; ok {
		return auth.Principal{ID: auth.HashKey(token), Kind: auth.KindAPIKey}, true
	}
	return auth.Principal{}, false
}

// BodyLimit caps request body reads. Oversize bodies surface to handlers
// as *http.MaxBytesError from their decoders.
func BodyLimit(cfg config.Config, next http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && !isWebSocketUpgrade(r) {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				reqID, _ := RequestIDFrom(r.Context())
				if logger != nil {
					logger.Error("panic", "panic", v, "request_id", reqID, "path", r.URL.Path)
				}
				writeJSONError(w, http.StatusInternalServerError, &apierror.Error{
					Type:      apierror.TypeAPI,
					Message:   "internal error",
					RequestID: reqID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// wrapResponseWriter records the status while keeping Flusher and
// Hijacker visible; chat SSE streams and websocket upgrades need them.
func wrapResponseWriter(w http.ResponseWriter) (http.ResponseWriter, *statusWriter) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	fl, hasFlusher := w.(http.Flusher)
	hj, hasHijacker := w.(http.Hijacker)
	switch {
	case hasFlusher && hasHijacker:
		return &struct {
			*statusWriter
			http.Flusher
			http.Hijacker
		}{sw, fl, hj}, sw
	case hasFlusher:
		return &struct {
			*statusWriter
			http.Flusher
		}{sw, fl}, sw
	case hasHijacker:
		return &struct {
			*statusWriter
			http.Hijacker
		}{sw, hj}, sw
	default:
		return sw, sw
	}
}

func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped, sw := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand should not fail in practice; fall back to time-based entropy.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}

func writeJSONError(w http.ResponseWriter, status int, err *apierror.Error) {
	apierror.Write(w, status, err)
}
