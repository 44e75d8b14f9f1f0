package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxbridge/voxbridge/pkg/gateway/lifecycle"
)

func TestHealthHandler_AlwaysOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("body=%q, want ok", rr.Body.String())
	}
}

func TestReadyHandler_DisabledBackendsAreReady(t *testing.T) {
	h := ReadyHandler{Lifecycle: &lifecycle.Lifecycle{}}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("resp=%v, want ok=true", resp)
	}
	if resp["store"] != "disabled" || resp["resume"] != "disabled" {
		t.Fatalf("resp=%v, want disabled backends reported", resp)
	}
	if resp["live_sessions"] != float64(0) {
		t.Fatalf("live_sessions=%v, want 0", resp["live_sessions"])
	}
}

func TestReadyHandler_DrainingIsNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Lifecycle: lc}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("resp=%v, want ok=false while draining", resp)
	}
	if draining, _ := resp["draining"].(bool); !draining {
		t.Fatalf("resp=%v, want draining=true", resp)
	}
}
