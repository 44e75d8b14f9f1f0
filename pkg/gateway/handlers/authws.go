package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/auth"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
)

// AuthHandler serves the WorkOS AuthKit exchange at /v1/auth/workos.
//
//	GET    -> hosted authorize URL for the browser leg
//	POST   -> {code} exchanged for a short-lived gateway token
//	DELETE -> revoke the bearer token on the request
//
// The whole surface 404s when no WorkOS API key is configured, so
// deployments that only use static keys never expose it.
type AuthHandler struct {
	Config config.Config
	WorkOS *auth.WorkOS
	Tokens *auth.TokenStore
	Logger *slog.Logger
}

func (h AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.WorkOS.Enabled() {
		writeAPIError(w, r, apierror.NewNotFound("not found"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.authorize(w, r)
	case http.MethodPost:
		h.exchange(w, r)
	case http.MethodDelete:
		h.revoke(w, r)
	default:
		writeMethodNotAllowed(w, r)
	}
}

func (h AuthHandler) authorize(w http.ResponseWriter, r *http.Request) {
	redirect := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	if redirect == "" {
		writeAPIError(w, r, apierror.NewInvalidRequestWithParam("redirect_uri is required", "redirect_uri"))
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state == "" {
		state = randHex(16)
	}
	u, err := h.WorkOS.AuthorizeURL(redirect, state)
	if err != nil {
		h.logger().Warn("workos authorize url failed", "error", err)
		writeAPIError(w, r, apierror.NewUpstream("authorization provider unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorize_url": u, "state": state})
}

func (h AuthHandler) exchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, apierror.NewInvalidRequest("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeAPIError(w, r, apierror.NewInvalidRequestWithParam("code is required", "code"))
		return
	}

	who, err := h.WorkOS.ExchangeCode(r.Context(), req.Code)
	if err != nil {
		h.logger().Warn("workos code exchange failed", "error", err)
		writeAPIError(w, r, apierror.NewAuthentication("code exchange failed"))
		return
	}

	token, err := h.Tokens.Issue(r.Context(), who)
	if err != nil {
		if errors.Is(err, auth.ErrDisabled) {
			// Redis is the only place tokens live; without it a code
			// exchange has nothing durable to hand back.
			writeAPIError(w, r, &apierror.Error{
				Type:    apierror.TypeAPI,
				Code:    "token_store_unavailable",
				Message: "token store is not configured",
			})
			return
		}
		h.logger().Error("token issue failed", "error", err)
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(h.Config.AuthTokenTTL / time.Second),
		"principal": map[string]string{
			"id":    who.ID,
			"email": who.Email,
		},
	})
}

func (h AuthHandler) revoke(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeAPIError(w, r, apierror.NewAuthentication("missing bearer token"))
		return
	}
	if err := h.Tokens.Revoke(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrTokenNotFound) || errors.Is(err, auth.ErrDisabled) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h AuthHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) > 7 && strings.EqualFold(raw[:7], "Bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}
