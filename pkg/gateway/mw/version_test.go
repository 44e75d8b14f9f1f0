package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func callVersion(t *testing.T, mutate func(r *http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIVersion_NoHeaderDefaults(t *testing.T) {
	rr := callVersion(t, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_SupportedAccepted(t *testing.T) {
	rr := callVersion(t, func(r *http.Request) {
		r.Header.Set(apiVersionHeader, "1")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_WhitespaceAndDuplicatesAccepted(t *testing.T) {
	rr := callVersion(t, func(r *http.Request) {
		r.Header.Add(apiVersionHeader, "  1 ")
		r.Header.Add(apiVersionHeader, "1")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_UnsupportedRejected(t *testing.T) {
	rr := callVersion(t, func(r *http.Request) {
		r.Header.Set(apiVersionHeader, "2")
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"param":"X-Vox-Version"`) {
		t.Fatalf("expected param in body, got %q", body)
	}
	if !strings.Contains(body, `"type":"invalid_request_error"`) {
		t.Fatalf("expected invalid_request_error type, got %q", body)
	}
}

func TestAPIVersion_MixedValuesRejected(t *testing.T) {
	rr := callVersion(t, func(r *http.Request) {
		r.Header.Add(apiVersionHeader, "1")
		r.Header.Add(apiVersionHeader, "2")
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_NonAPIPathBypassed(t *testing.T) {
	h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(apiVersionHeader, "99")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_WebSocketUpgradeBypassed(t *testing.T) {
	rr := callVersion(t, func(r *http.Request) {
		r.URL.Path = "/v1/live"
		r.Header.Set("Connection", "keep-alive, Upgrade")
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set(apiVersionHeader, "99")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAPIVersion_OptionsBypassed(t *testing.T) {
	h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat", nil)
	req.Header.Set(apiVersionHeader, "99")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
