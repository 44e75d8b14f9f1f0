package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/voxbridge/voxbridge/pkg/gateway/lifecycle"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/sessions"
	"github.com/voxbridge/voxbridge/pkg/gateway/resume"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway should receive traffic. Optional
// dependencies that are disabled are reported as such, not as failures.
type ReadyHandler struct {
	Lifecycle    *lifecycle.Lifecycle
	Store        *store.Store
	Resume       *resume.Store
	LiveSessions *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		Store        string   `json:"store"`
		Resume       string   `json:"resume"`
		LiveSessions int      `json:"live_sessions"`
		Issues       []string `json:"issues,omitempty"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	issues := make([]string, 0, 2)

	storeState := "disabled"
	if err := h.Store.Ping(ctx); err == nil {
		storeState = "ok"
	} else if !errors.Is(err, store.ErrDisabled) {
		storeState = "error"
		issues = append(issues, "store: "+err.Error())
	}

	resumeState := "disabled"
	if err := h.Resume.Ping(ctx); err == nil {
		resumeState = "ok"
	} else if !errors.Is(err, resume.ErrDisabled) {
		resumeState = "error"
		issues = append(issues, "resume: "+err.Error())
	}

	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Draining:     draining,
		Store:        storeState,
		Resume:       resumeState,
		LiveSessions: h.LiveSessions.Count(),
		Issues:       issues,
	})
}
