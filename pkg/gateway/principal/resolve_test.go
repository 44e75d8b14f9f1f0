package principal

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxbridge/voxbridge/pkg/gateway/auth"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
)

func TestResolve_PrefersAuthenticatedPrincipal(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "203.0.113.7:51000"
	p := auth.Principal{ID: "key_0011223344556677", Kind: auth.KindAPIKey}
	r = r.WithContext(auth.WithPrincipal(r.Context(), p))

	res := Resolve(r, config.Config{})
	if res.Kind != KindAPIKey {
		t.Fatalf("kind=%q, want %q", res.Kind, KindAPIKey)
	}
	if res.Key != p.ID {
		t.Fatalf("key=%q, want %q", res.Key, p.ID)
	}
}

func TestResolve_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "203.0.113.7:51000"

	res := Resolve(r, config.Config{})
	if res.Kind != KindIP {
		t.Fatalf("kind=%q, want %q", res.Kind, KindIP)
	}
	if res.Raw != "203.0.113.7" {
		t.Fatalf("raw=%q, want 203.0.113.7", res.Raw)
	}
	if !strings.HasPrefix(res.Key, "ip_") || strings.Contains(res.Key, "203.0.113.7") {
		t.Fatalf("key=%q must be hashed", res.Key)
	}
}

func TestResolve_ProxyHeadersOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "10.0.0.1:9999"
	r.Header.Set("X-Forwarded-For", "198.51.100.23, 10.0.0.1")

	untrusted := Resolve(r, config.Config{TrustProxyHeaders: false})
	if untrusted.Raw != "10.0.0.1" {
		t.Fatalf("untrusted raw=%q, want RemoteAddr ip", untrusted.Raw)
	}

	trusted := Resolve(r, config.Config{TrustProxyHeaders: true})
	if trusted.Raw != "198.51.100.23" {
		t.Fatalf("trusted raw=%q, want left-most XFF entry", trusted.Raw)
	}
}

func TestResolve_AnonymousWhenNothingResolves(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "not-an-addr"

	res := Resolve(r, config.Config{})
	if res.Kind != KindAnon || res.Key != "anonymous" {
		t.Fatalf("resolved=%+v, want anonymous", res)
	}
}
